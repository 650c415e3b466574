package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Registry — реестр задач.
//
// Задачи регистрируются при старте процесса. После Seal (воркер начал
// обслуживание) регистрация запрещена. Потокобезопасен.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	sealed bool
}

// NewRegistry создаёт реестр со встроенными задачами.
func NewRegistry() *Registry {
	r := &Registry{
		defs: make(map[string]*Definition),
	}
	r.defs[canvas.AccumulateTask] = &Definition{
		Name:    canvas.AccumulateTask,
		Handler: accumulate,
		Policy:  Policy{AckMode: domain.AckLate},
	}
	return r
}

// Register регистрирует задачу.
//
// Возвращает ErrDuplicateTask, если имя занято, ErrRegistrySealed
// после Seal, ErrInvalidPolicy для некорректной политики.
func (r *Registry) Register(name string, handler Handler, policy Policy) error {
	if name == "" || handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrInvalidPolicy)
	}
	if err := validatePolicy(name, &policy); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRegistrySealed, name)
	}
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}

	r.defs[name] = &Definition{Name: name, Handler: handler, Policy: policy}
	return nil
}

// MustRegister — Register, паникующий при ошибке. Для регистрации при старте.
func (r *Registry) MustRegister(name string, handler Handler, policy Policy) {
	if err := r.Register(name, handler, policy); err != nil {
		panic(err)
	}
}

func validatePolicy(name string, p *Policy) error {
	if p.AckMode == "" {
		p.AckMode = domain.AckLate
	}
	if p.AckMode != domain.AckLate && p.AckMode != domain.AckEarly {
		return fmt.Errorf("%w: %s: unknown ack mode %q", ErrInvalidPolicy, name, p.AckMode)
	}
	if p.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: %s: negative max retries", ErrInvalidPolicy, name)
	}
	if p.Blocking && p.Queue == "" {
		return fmt.Errorf("%w: %s: blocking task needs a dedicated queue", ErrInvalidPolicy, name)
	}
	return nil
}

// Resolve возвращает задачу по имени.
// Возвращает ErrUnknownTask, если задача не найдена.
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return def, nil
}

// Has проверяет, зарегистрирована ли задача.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.defs[name]
	return exists
}

// Names возвращает имена всех задач в алфавитном порядке.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count возвращает количество задач.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Seal запрещает дальнейшую регистрацию.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed сообщает, запечатан ли реестр.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// BlockingQueues возвращает очереди блокирующих задач.
func (r *Registry) BlockingQueues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, def := range r.defs {
		if def.Policy.Blocking && !seen[def.Policy.Queue] {
			seen[def.Policy.Queue] = true
			out = append(out, def.Policy.Queue)
		}
	}
	sort.Strings(out)
	return out
}

// accumulate возвращает единственный аргумент без изменений
// или список аргументов, если их несколько.
func accumulate(_ context.Context, call *Call) (any, error) {
	if len(call.Args) == 1 {
		return call.Args[0], nil
	}
	if call.Args == nil {
		return []any{}, nil
	}
	return call.Args, nil
}
