package dispatcher

import "errors"

// Ошибки dispatcher'а.
var (
	// ErrEmptyWorkflow — граф не содержит ни одного invocation.
	ErrEmptyWorkflow = errors.New("empty workflow")

	// ErrPublishFailed — публикация не удалась после всех повторов.
	ErrPublishFailed = errors.New("publish failed")

	// ErrNotReplaceable — запись нельзя заменить (не STARTED этим воркером).
	ErrNotReplaceable = errors.New("invocation cannot be replaced")
)
