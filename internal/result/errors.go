package result

import "errors"

// Ошибки чтения результатов.
var (
	// ErrTimeout — результат не готов к истечению таймаута.
	ErrTimeout = errors.New("result timeout")

	// ErrForwardLoop — цепочка forward_to зациклена.
	ErrForwardLoop = errors.New("forward_to loop")
)
