package worker

import "errors"

// Ошибки воркера.
var (
	// ErrInvalidConfig — некорректная конфигурация воркера.
	ErrInvalidConfig = errors.New("invalid worker config")

	// ErrAlreadyRunning — Run вызван повторно.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrHandlerPanic — обработчик задачи запаниковал.
	ErrHandlerPanic = errors.New("task handler panicked")

	// ErrTimeLimit — попытка превысила TimeLimit политики.
	ErrTimeLimit = errors.New("task time limit exceeded")

	// ErrResultNotSerializable — результат обработчика не сериализуется в JSON.
	ErrResultNotSerializable = errors.New("task result is not JSON-serializable")
)
