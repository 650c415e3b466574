// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики воркеров и dispatcher'а
//   - ops.go — служебный роутер /healthz, /readyz, /metrics
package telemetry
