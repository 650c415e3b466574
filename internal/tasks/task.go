package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Handler — тело задачи.
//
// Возвращённое значение сериализуется в JSON и сохраняется как результат.
// Специальные ошибки:
//   - Call.Replace — задача заменяет себя графом;
//   - Call.Retry — явный повтор;
//   - Permanent — ошибка без повторов.
type Handler func(ctx context.Context, call *Call) (any, error)

// Policy — политика выполнения задачи.
type Policy struct {
	// AckMode — момент ack. По умолчанию AckLate.
	AckMode domain.AckMode

	// Retry — повторы при ошибке обработчика.
	Retry domain.RetryPolicy

	// Queue — очередь по умолчанию для задачи.
	Queue string

	// TimeLimit — лимит времени одной попытки. 0 — без лимита.
	TimeLimit time.Duration

	// Blocking — задача может синхронно ждать под-графы (Call.Wait).
	// Требует отдельной очереди.
	Blocking bool
}

// Definition — зарегистрированная задача.
type Definition struct {
	Name    string
	Handler Handler
	Policy  Policy
}

// Runtime — возможности воркера, доступные обработчику.
type Runtime interface {
	// Submit отправляет граф и возвращает терминальный id.
	Submit(ctx context.Context, node canvas.Node) (string, error)

	// Wait ждёт терминального состояния invocation или группы.
	Wait(ctx context.Context, id string) (json.RawMessage, error)

	// QueueFor возвращает очередь, в которую будет опубликована сигнатура.
	QueueFor(sig *canvas.Signature) string
}

// Call — контекст одного выполнения задачи.
type Call struct {
	ID      string
	Task    string
	Args    []any
	Kwargs  map[string]any
	Retries int
	Queue   string
	Policy  Policy
	Logger  *slog.Logger

	runtime Runtime
}

// Bind привязывает Call к воркеру.
func (c *Call) Bind(rt Runtime) {
	c.runtime = rt
}

// Replacement — выход из обработчика через замену графом.
type Replacement struct {
	Node canvas.Node
}

// Error реализует интерфейс error.
func (r *Replacement) Error() string {
	return "task replaced"
}

// Replace заменяет текущий invocation графом node.
//
// Результат текущего invocation станет результатом терминала node.
// Обработчик должен вернуть это значение как ошибку:
//
//	return nil, call.Replace(canvas.NewChain(y, z))
func (c *Call) Replace(node canvas.Node) error {
	return &Replacement{Node: node}
}

// RetryRequest — явный запрос повтора.
type RetryRequest struct {
	Cause     error
	Countdown time.Duration
}

// Error реализует интерфейс error.
func (r *RetryRequest) Error() string {
	if r.Cause == nil {
		return "retry requested"
	}
	return "retry requested: " + r.Cause.Error()
}

// Unwrap возвращает причину.
func (r *RetryRequest) Unwrap() error {
	return r.Cause
}

// Retry запрашивает повтор через countdown (0 — задержка по политике).
// Лимит MaxRetries соблюдается.
func (c *Call) Retry(cause error, countdown time.Duration) error {
	return &RetryRequest{Cause: cause, Countdown: countdown}
}

// Submit отправляет под-граф без ожидания.
//
// Для блокирующей задачи под-граф не может содержать invocation,
// маршрутизированные в её собственную очередь.
func (c *Call) Submit(ctx context.Context, node canvas.Node) (string, error) {
	if c.runtime == nil {
		return "", ErrNoRuntime
	}
	if c.Policy.Blocking {
		for _, leaf := range canvas.Leaves(node) {
			if c.runtime.QueueFor(leaf) == c.Queue {
				return "", fmt.Errorf("%w: %s -> %s", ErrSubWaitDeadlock, leaf.Task, c.Queue)
			}
		}
	}
	return c.runtime.Submit(ctx, node)
}

// Wait синхронно ждёт результата invocation или группы.
// Разрешён только задачам с Policy.Blocking.
func (c *Call) Wait(ctx context.Context, id string) (json.RawMessage, error) {
	if !c.Policy.Blocking {
		return nil, ErrSyncWaitForbidden
	}
	if c.runtime == nil {
		return nil, ErrNoRuntime
	}
	return c.runtime.Wait(ctx, id)
}

// Log возвращает логгер вызова.
func (c *Call) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неповторяемая.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// As приводит значение к типу T через JSON.
//
// Аргументы приходят из сообщений уже декодированными (float64, []any,
// map[string]any) или как json.RawMessage, поэтому прямое приведение
// типов ненадёжно.
func As[T any](v any) (T, error) {
	var out T

	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	case []byte:
		data = raw
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		data = b
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return out, nil
}

// Arg возвращает позиционный аргумент i, приведённый к T.
func Arg[T any](c *Call, i int) (T, error) {
	if i < 0 || i >= len(c.Args) {
		var zero T
		return zero, fmt.Errorf("%w: %s expects argument %d", ErrMissingArgument, c.Task, i)
	}
	return As[T](c.Args[i])
}

// Kwarg возвращает keyword-аргумент name. ok == false, если его нет.
func Kwarg[T any](c *Call, name string) (T, bool, error) {
	v, ok := c.Kwargs[name]
	if !ok {
		var zero T
		return zero, false, nil
	}
	out, err := As[T](v)
	return out, true, err
}
