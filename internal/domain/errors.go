package domain

import "fmt"

// ErrorType — класс ошибки, сохраняемой вместе с записью результата.
type ErrorType string

// Типы ошибок.
const (
	// ErrorUnknownTask — задача не зарегистрирована; не повторяется.
	ErrorUnknownTask ErrorType = "UnknownTask"

	// ErrorHandler — ошибка в теле задачи (после исчерпания retry).
	ErrorHandler ErrorType = "HandlerError"

	// ErrorBrokerUnavailable — брокер недоступен, retry на уровне dispatch исчерпаны.
	ErrorBrokerUnavailable ErrorType = "BrokerUnavailable"

	// ErrorChord — упал один из детей header при ChordPolicyFail.
	ErrorChord ErrorType = "ChordError"

	// ErrorChainAborted — этап не запущен, потому что упал предыдущий.
	ErrorChainAborted ErrorType = "ChainAborted"

	// ErrorRevoked — invocation отменён.
	ErrorRevoked ErrorType = "Revoked"

	// ErrorTimeLimit — превышен лимит времени выполнения.
	ErrorTimeLimit ErrorType = "TimeLimitExceeded"
)

// TaskError — ошибка invocation, видимая внешним клиентам.
type TaskError struct {
	// Type — класс ошибки.
	Type ErrorType `json:"type"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// Upstream — id invocation, из-за которого произошла ошибка
	// (для ChainAborted и ChordError).
	Upstream []string `json:"upstream,omitempty"`
}

// Error реализует интерфейс error.
func (e *TaskError) Error() string {
	if len(e.Upstream) > 0 {
		return fmt.Sprintf("%s: %s (upstream %v)", e.Type, e.Message, e.Upstream)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewTaskError создаёт TaskError.
func NewTaskError(typ ErrorType, msg string, upstream ...string) *TaskError {
	return &TaskError{Type: typ, Message: msg, Upstream: upstream}
}

// RevokedError — стандартная ошибка для REVOKED.
func RevokedError() *TaskError {
	return NewTaskError(ErrorRevoked, "invocation revoked")
}
