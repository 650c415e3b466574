package domain

import (
	"encoding/json"
	"time"
)

// GroupRecord — сохранённый состав группы.
//
// Создаётся при отправке группы, чтобы её можно было восстановить
// (RestoreGroup) из любого процесса, даже если создатель уже завершился.
type GroupRecord struct {
	// ID — идентификатор группы (отличается от id любого ребёнка).
	ID string `json:"id"`

	// Children — терминальные id детей в порядке построения.
	// Порядок фиксирован и определяет порядок результатов.
	Children []string `json:"children"`

	// Members — все invocation'ы группы в порядке обхода, включая
	// ранние этапы цепочек-детей. Используется для отмены.
	Members []string `json:"members,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Clone возвращает глубокую копию.
func (g *GroupRecord) Clone() *GroupRecord {
	if g == nil {
		return nil
	}
	out := *g
	out.Children = append([]string(nil), g.Children...)
	out.Members = append([]string(nil), g.Members...)
	return &out
}

// ChordPolicy — поведение chord при неудаче одного из детей header.
type ChordPolicy string

const (
	// ChordPolicyFail — body не вызывается; все листья body получают FAILURE
	// с ChordError. Поведение по умолчанию.
	ChordPolicyFail ChordPolicy = "fail"

	// ChordPolicyPropagate — body вызывается со всеми результатами;
	// на месте упавших детей стоит ErrorMarker.
	ChordPolicyPropagate ChordPolicy = "propagate"
)

// IsValid проверяет, что политика известна.
func (p ChordPolicy) IsValid() bool {
	return p == ChordPolicyFail || p == ChordPolicyPropagate
}

// ParseChordPolicy парсит строку в ChordPolicy.
// Пустая строка и неизвестные значения дают ChordPolicyFail.
func ParseChordPolicy(s string) ChordPolicy {
	p := ChordPolicy(s)
	if !p.IsValid() {
		return ChordPolicyFail
	}
	return p
}

// ChordPart — собранный результат одного ребёнка header.
type ChordPart struct {
	State State           `json:"state"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *TaskError      `json:"error,omitempty"`
}

// ChordRecord — счётчик fan-in одного экземпляра chord.
//
// Создаётся атомарно с отправкой header. Каждый ребёнок header
// уменьшает Remaining ровно один раз; body отправляется тем вызовом,
// который довёл Remaining до нуля.
type ChordRecord struct {
	// ID — идентификатор chord (совпадает с id группы header).
	ID string `json:"id"`

	// Children — терминальные id детей header в исходном порядке.
	Children []string `json:"children"`

	// Remaining — сколько детей ещё не достигли терминального состояния.
	Remaining int `json:"remaining"`

	// Parts — собранные результаты (child id → part).
	Parts map[string]ChordPart `json:"parts"`

	// Body — закодированный узел body (вместе с продолжением цепочки).
	Body json.RawMessage `json:"body"`

	// Policy — политика при неудаче детей header.
	Policy ChordPolicy `json:"policy"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// DoneAt — время сбора последней части. nil, пока body не запущен.
	DoneAt *time.Time `json:"done_at,omitempty"`
}

// Fired возвращает true, если собраны все части.
func (c *ChordRecord) Fired() bool {
	return c.Remaining <= 0 && c.DoneAt != nil
}

// Clone возвращает глубокую копию.
func (c *ChordRecord) Clone() *ChordRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.Children = append([]string(nil), c.Children...)
	out.Body = cloneRaw(c.Body)
	if c.DoneAt != nil {
		t := *c.DoneAt
		out.DoneAt = &t
	}
	out.Parts = make(map[string]ChordPart, len(c.Parts))
	for k, v := range c.Parts {
		v.Value = cloneRaw(v.Value)
		out.Parts[k] = v
	}
	return &out
}

// Ordered возвращает части в порядке header.
// Отсутствующие части возвращаются с пустым State.
func (c *ChordRecord) Ordered() []ChordPart {
	out := make([]ChordPart, len(c.Children))
	for i, id := range c.Children {
		out[i] = c.Parts[id]
	}
	return out
}

// Failed возвращает id детей, которые не завершились успешно.
func (c *ChordRecord) Failed() []string {
	var failed []string
	for _, id := range c.Children {
		if p, ok := c.Parts[id]; ok && p.State != StateSuccess {
			failed = append(failed, id)
		}
	}
	return failed
}

// ErrorMarker — значение, подставляемое в аргументы body на место
// упавшего ребёнка при ChordPolicyPropagate.
type ErrorMarker struct {
	ID    string     `json:"id"`
	State State      `json:"state"`
	Error *TaskError `json:"error"`
}
