package tasks

import "errors"

// Ошибки реестра.
var (
	// ErrDuplicateTask — задача с таким именем уже зарегистрирована.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrRegistrySealed — регистрация после начала обслуживания.
	ErrRegistrySealed = errors.New("task registry is sealed")

	// ErrUnknownTask — задача не зарегистрирована.
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidPolicy — некорректная политика задачи.
	ErrInvalidPolicy = errors.New("invalid task policy")
)

// Ошибки выполнения.
var (
	// ErrSyncWaitForbidden — Wait вызван из задачи без флага Blocking.
	ErrSyncWaitForbidden = errors.New("synchronous sub-wait is not allowed for non-blocking tasks")

	// ErrSubWaitDeadlock — блокирующая задача отправляет детей в свою же очередь.
	ErrSubWaitDeadlock = errors.New("sub-workflow routed to the blocking task's own queue")

	// ErrNoRuntime — Call не привязан к воркеру.
	ErrNoRuntime = errors.New("call has no runtime")

	// ErrMissingArgument — не хватает позиционного аргумента.
	ErrMissingArgument = errors.New("missing argument")

	// ErrInvalidArgument — аргумент не приводится к нужному типу.
	ErrInvalidArgument = errors.New("invalid argument")
)
