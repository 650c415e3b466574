package domain

// State — состояние одного invocation.
//
// Жизненный цикл:
//
//	PENDING → STARTED → SUCCESS
//	                  ↘ FAILURE
//	                  ↘ RETRY → STARTED
//	(из PENDING, STARTED или RETRY) → REVOKED
//
// STARTED → PENDING допускается только при замене задачи (replace):
// запись становится указателем на терминальный id нового графа.
type State string

const (
	// StatePending — invocation создан, но ещё не начал выполняться.
	StatePending State = "PENDING"

	// StateStarted — invocation выполняется воркером.
	StateStarted State = "STARTED"

	// StateRetry — попытка завершилась ошибкой, повтор запланирован.
	StateRetry State = "RETRY"

	// StateSuccess — invocation успешно завершён.
	StateSuccess State = "SUCCESS"

	// StateFailure — invocation завершился ошибкой (после всех retry).
	StateFailure State = "FAILURE"

	// StateRevoked — invocation отменён извне.
	StateRevoked State = "REVOKED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что строка — известное состояние.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateStarted, StateRetry, StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление State.
func (s State) String() string {
	return string(s)
}

// ParseState парсит строку в State.
// Неизвестные значения трактуются как PENDING.
func ParseState(s string) State {
	st := State(s)
	if !st.IsValid() {
		return StatePending
	}
	return st
}

// transitions — допустимые переходы между состояниями.
var transitions = map[State][]State{
	StatePending: {StateStarted, StateRevoked, StateFailure, StateSuccess},
	StateStarted: {StateSuccess, StateFailure, StateRetry, StateRevoked, StatePending, StateStarted},
	StateRetry:   {StateStarted, StateRevoked, StateFailure},
}

// CanTransition проверяет, допустим ли переход from → to.
//
// STARTED → STARTED — перехват владения после redelivery.
// PENDING → FAILURE — прерванная цепочка или неизвестная задача.
// PENDING → SUCCESS — зеркальный результат заменённой задачи.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources возвращает состояния, из которых достижимо to.
func Sources(to State) []State {
	var out []State
	for _, from := range []State{StatePending, StateStarted, StateRetry} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
