package canvas

import "errors"

// Ошибки графа.
var (
	// ErrInvalidNode — узел не может быть декодирован или отправлен.
	ErrInvalidNode = errors.New("invalid workflow node")

	// ErrEmptyChain — цепочка не содержит этапов.
	ErrEmptyChain = errors.New("chain has no stages")
)

// Ошибки валидации workflow-документа.
var (
	// ErrEmptyDocument — пустой документ.
	ErrEmptyDocument = errors.New("workflow document is empty")

	// ErrAmbiguousNode — узел задаёт больше одного из task/chain/group/chord.
	ErrAmbiguousNode = errors.New("node must set exactly one of task, chain, group, chord")

	// ErrEmptyTask — сигнатура без имени задачи.
	ErrEmptyTask = errors.New("signature has empty task name")

	// ErrUnknownTask — задача не зарегистрирована.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateID — несколько узлов с одинаковым id.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrInvalidCountdown — countdown не парсится как длительность.
	ErrInvalidCountdown = errors.New("invalid countdown")

	// ErrInvalidPolicy — неизвестная политика chord.
	ErrInvalidPolicy = errors.New("invalid chord policy")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Path    string // путь к узлу, например "chain[1].group[0]"
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return "node " + e.Path + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(path, field, message string, err error) *ValidationError {
	return &ValidationError{
		Path:    path,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
