// Package config загружает конфигурацию Conveyor из окружения.
//
// Load читает необязательный .env (github.com/joho/godotenv), затем
// переменные CONVEYOR_*:
//
//	CONVEYOR_BROKER_URL        amqp://... или memory:// (default: memory://)
//	CONVEYOR_BACKEND_URL       redis://, postgres:// или memory:// (default: memory://)
//	CONVEYOR_DEFAULT_QUEUE     очередь по умолчанию (default: default)
//	CONVEYOR_RESULT_EXPIRES    срок хранения результатов (default: 24h, 0 — вечно)
//	CONVEYOR_CHORD_POLICY      fail или propagate (default: fail)
//	CONVEYOR_QUEUES            очереди воркера: name:concurrency,...
//	CONVEYOR_PREFETCH          concurrency очередей без явного значения (default: 4)
//	CONVEYOR_REVOKE_POLL       интервал проверки отмены (default: 500ms)
//	CONVEYOR_CLEANUP_SCHEDULE  cron-выражение очистки результатов (default: @hourly)
//	CONVEYOR_OPS_ADDR          адрес /healthz, /readyz, /metrics (default: :9090)
//
// Уровень и формат логов по-прежнему задают LOG_LEVEL и LOG_FORMAT.
package config
