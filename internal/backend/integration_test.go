//go:build integration

package backend

import (
	"context"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedis_Store(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	store, err := NewRedis(ctx, RedisConfig{URL: "redis://" + endpoint, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runStoreSuite(t, func(t *testing.T) Store { return store })
}

func TestPostgres_Store(t *testing.T) {
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("conveyor"),
		tcpg.WithUsername("conveyor"),
		tcpg.WithPassword("conveyor"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}

	store, err := NewPostgres(ctx, PostgresConfig{URL: dsn})
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Повторное применение миграций безопасно.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() second error = %v", err)
	}

	runStoreSuite(t, func(t *testing.T) Store { return store })
}
