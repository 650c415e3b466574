package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/domain"
)

// countingStore считает вызовы Purge.
type countingStore struct {
	backend.Store
	purges atomic.Int32
	err    error
}

func (s *countingStore) Purge(ctx context.Context, before time.Time) (int, error) {
	s.purges.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return s.Store.Purge(ctx, before)
}

func seedFinished(t *testing.T, s backend.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreatePending(ctx, []*domain.Record{{ID: id, Task: "add", State: domain.StatePending}}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if _, err := s.Transition(ctx, id, domain.Transition{To: domain.StateSuccess, Value: []byte(`1`)}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"no store", Config{}, ErrNoStore},
		{"bad schedule", Config{Store: backend.NewMemory(), Schedule: "sometimes"}, ErrInvalidSchedule},
		{"default schedule", Config{Store: backend.NewMemory()}, nil},
		{"descriptor", Config{Store: backend.NewMemory(), Schedule: "@every 10m"}, nil},
		{"five fields", Config{Store: backend.NewMemory(), Schedule: "*/15 * * * *"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNext(t *testing.T) {
	c, err := New(Config{Store: backend.NewMemory(), Schedule: "0 3 * * *"})
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC)
	if got := c.Next(from); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestTick_PurgesExpired(t *testing.T) {
	store := backend.NewMemory()
	seedFinished(t, store, "old")
	if err := store.CreatePending(context.Background(), []*domain.Record{{ID: "open", Task: "add", State: domain.StatePending}}); err != nil {
		t.Fatal(err)
	}

	c, err := New(Config{
		Store:   store,
		Expires: time.Hour,
		Now:     func() time.Time { return time.Now().Add(2 * time.Hour) },
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Tick() = %d, want 1", n)
	}
	if _, err := store.Get(context.Background(), "old"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := store.Get(context.Background(), "open"); err != nil {
		t.Errorf("pending record purged: %v", err)
	}
}

func TestTick_KeepsFresh(t *testing.T) {
	store := backend.NewMemory()
	seedFinished(t, store, "fresh")

	c, err := New(Config{Store: store, Expires: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if n, err := c.Tick(context.Background()); err != nil || n != 0 {
		t.Errorf("Tick() = %d, %v; want 0, nil", n, err)
	}
}

func TestTick_Disabled(t *testing.T) {
	store := &countingStore{Store: backend.NewMemory()}
	c, err := New(Config{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Error("Enabled() = true with zero Expires")
	}
	if _, err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if store.purges.Load() != 0 {
		t.Errorf("Purge called %d times, want 0", store.purges.Load())
	}
}

func TestTick_StoreError(t *testing.T) {
	boom := errors.New("boom")
	store := &countingStore{Store: backend.NewMemory(), err: boom}
	c, err := New(Config{Store: store, Expires: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tick(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Tick() error = %v, want boom", err)
	}
}

func TestRun_FiresOnSchedule(t *testing.T) {
	store := &countingStore{Store: backend.NewMemory()}
	c, err := New(Config{Store: store, Expires: time.Minute, Schedule: "@every 1s"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for store.purges.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if store.purges.Load() == 0 {
		t.Error("Purge was never called")
	}
}

func TestRun_DisabledReturns(t *testing.T) {
	c, err := New(Config{Store: backend.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() should return immediately when disabled")
	}
}
