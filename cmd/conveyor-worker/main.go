// Conveyor Worker — выполняет invocation'ы из очередей брокера.
//
// Worker:
//   - Читает очереди из CONVEYOR_QUEUES (или очередь по умолчанию и очереди блокирующих задач)
//   - Выполняет задачи из реестра, ведёт retry, ack и отмену
//   - Продвигает графы: следующие этапы цепочек, body chord, замены
//   - По расписанию удаляет устаревшие результаты
//   - Отдаёт /healthz, /readyz и /metrics на CONVEYOR_OPS_ADDR
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-worker",
		"broker", redact(cfg.BrokerURL),
		"backend", redact(cfg.BackendURL),
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	w, err := a.NewWorker("")
	if err != nil {
		logger.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	cleaner, err := a.NewCleaner()
	if err != nil {
		logger.Error("failed to create cleanup", "error", err)
		os.Exit(1)
	}
	go cleaner.Run(ctx)

	// HTTP: /healthz + /readyz + /metrics
	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           telemetry.RequestLogging(logger)(telemetry.NewOpsRouter(a.Gatherer(), a.Checks())),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.OpsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Run блокируется до сигнала завершения
	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("conveyor-worker stopped", "worker_id", w.ID())
}

// redact скрывает пароль в URL для логов.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
