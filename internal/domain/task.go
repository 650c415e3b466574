package domain

import (
	"encoding/json"
	"time"
)

// Record — запись результата одного invocation в Result Store.
//
// Record создаётся Dispatcher'ом в состоянии PENDING при отправке графа
// и изменяется только воркером, который выполняет invocation
// (или Dispatcher'ом при обработке chord/chain/replace).
type Record struct {
	// ID — идентификатор invocation (совпадает с Signature.ID).
	ID string `json:"id"`

	// Task — имя задачи из Task Registry.
	Task string `json:"task"`

	// State — текущее состояние.
	State State `json:"state"`

	// Value — результат в JSON (только для SUCCESS).
	Value json.RawMessage `json:"value,omitempty"`

	// Error — ошибка (FAILURE, REVOKED, а также последняя ошибка при RETRY).
	Error *TaskError `json:"error,omitempty"`

	// ParentID — предыдущий этап цепочки (обратная ссылка, не владение).
	ParentID string `json:"parent_id,omitempty"`

	// RootID — id корня графа, в рамках которого создан invocation.
	RootID string `json:"root_id,omitempty"`

	// GroupID — группа, в которую входит invocation.
	GroupID string `json:"group_id,omitempty"`

	// ForwardTo — терминальный id графа, которым задача заменила себя.
	// Read path разрешает его транзитивно.
	ForwardTo string `json:"forward_to,omitempty"`

	// Worker — воркер, владеющий переходом STARTED.
	Worker string `json:"worker,omitempty"`

	// Retries — количество уже сделанных повторов.
	Retries int `json:"retries"`

	// Queue — очередь, в которую опубликовано сообщение.
	Queue string `json:"queue,omitempty"`

	// Args, Kwargs — аргументы последней попытки.
	Args   json.RawMessage `json:"args,omitempty"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время последнего перехода в STARTED.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// DoneAt — время перехода в терминальное состояние.
	DoneAt *time.Time `json:"done_at,omitempty"`
}

// NewPendingRecord создаёт запись в состоянии PENDING.
func NewPendingRecord(id, task string) *Record {
	return &Record{
		ID:        id,
		Task:      task,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsFinished возвращает true, если invocation завершён.
func (r *Record) IsFinished() bool {
	return r.State.IsTerminal()
}

// IsForwarded возвращает true, если задача заменила себя новым графом
// и ещё не получила зеркальный результат.
func (r *Record) IsForwarded() bool {
	return r.ForwardTo != "" && !r.State.IsTerminal()
}

// Duration возвращает продолжительность последней попытки.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.DoneAt == nil {
		return 0
	}
	return r.DoneAt.Sub(*r.StartedAt)
}

// Clone возвращает глубокую копию записи.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = cloneRaw(r.Value)
	c.Args = cloneRaw(r.Args)
	c.Kwargs = cloneRaw(r.Kwargs)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.DoneAt != nil {
		t := *r.DoneAt
		c.DoneAt = &t
	}
	return &c
}

// Transition — условное изменение записи (compare-and-set).
//
// From и Owner — условия: текущее состояние должно входить в From
// (пустой From — любое нетерминальное состояние), а если Owner задан —
// запись должна принадлежать этому воркеру.
//
// Nil-поля не меняются.
type Transition struct {
	From  []State
	Owner string
	To    State

	Worker    *string
	Value     json.RawMessage
	Error     *TaskError
	Retries   *int
	ForwardTo *string
	Queue     *string
	Args      json.RawMessage
	Kwargs    json.RawMessage
}

// Allows проверяет условия перехода для записи.
func (t *Transition) Allows(r *Record) bool {
	if len(t.From) == 0 {
		if r.State.IsTerminal() {
			return false
		}
	} else {
		ok := false
		for _, s := range t.From {
			if r.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if t.Owner != "" && r.Worker != t.Owner {
		return false
	}
	return true
}

// Apply применяет переход к записи. Условия не проверяются.
func (t *Transition) Apply(r *Record, now time.Time) {
	r.State = t.To
	if t.Worker != nil {
		r.Worker = *t.Worker
	}
	if t.Value != nil {
		r.Value = cloneRaw(t.Value)
	}
	if t.To == StateSuccess {
		r.Error = nil
	} else if t.Error != nil {
		e := *t.Error
		r.Error = &e
	}
	if t.Retries != nil {
		r.Retries = *t.Retries
	}
	if t.ForwardTo != nil {
		r.ForwardTo = *t.ForwardTo
	}
	if t.Queue != nil {
		r.Queue = *t.Queue
	}
	if t.Args != nil {
		r.Args = cloneRaw(t.Args)
	}
	if t.Kwargs != nil {
		r.Kwargs = cloneRaw(t.Kwargs)
	}

	switch {
	case t.To == StateStarted:
		r.StartedAt = &now
	case t.To.IsTerminal():
		r.DoneAt = &now
	}
}

// StringPtr — helper для полей Transition.
func StringPtr(s string) *string {
	return &s
}

// IntPtr — helper для полей Transition.
func IntPtr(n int) *int {
	return &n
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	c := make(json.RawMessage, len(b))
	copy(c, b)
	return c
}
