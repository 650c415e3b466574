package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/canvas"
)

// Message — конверт одного invocation в очереди.
type Message struct {
	// ID — id invocation.
	ID string `json:"id"`

	// Task — имя задачи.
	Task string `json:"task"`

	// Args, Kwargs — аргументы.
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Queue — очередь, в которую опубликовано сообщение.
	Queue string `json:"queue"`

	// Retries — количество уже сделанных повторов.
	Retries int `json:"retries"`

	// ETA — не выполнять раньше этого времени.
	ETA *time.Time `json:"eta,omitempty"`

	// ParentID, RootID, GroupID — связи для записи результата.
	ParentID string `json:"parent_id,omitempty"`
	RootID   string `json:"root_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`

	// Chord — id chord, членом header которого является invocation.
	Chord string `json:"chord,omitempty"`

	// Link — остаток цепочки.
	Link canvas.Node `json:"-"`

	// Mirrors — invocation'ы, заменившие себя графом с этим терминалом.
	Mirrors []canvas.Continuation `json:"mirrors,omitempty"`

	// SentAt — время публикации.
	SentAt time.Time `json:"sent_at"`
}

// MarshalJSON кодирует сообщение вместе с Link.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	out := struct {
		alias
		Link json.RawMessage `json:"link,omitempty"`
	}{alias: alias(m)}

	if m.Link != nil {
		link, err := canvas.Marshal(m.Link)
		if err != nil {
			return nil, err
		}
		out.Link = link
	}
	return json.Marshal(out)
}

// UnmarshalJSON декодирует сообщение вместе с Link.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	in := struct {
		*alias
		Link json.RawMessage `json:"link,omitempty"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Link) > 0 {
		link, err := canvas.Unmarshal(in.Link)
		if err != nil {
			return err
		}
		m.Link = link
	}
	return nil
}

// Encode сериализует сообщение.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode десериализует сообщение.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.ID == "" || m.Task == "" {
		return nil, fmt.Errorf("%w: id and task are required", ErrMalformed)
	}
	return &m, nil
}

// FromSignature строит сообщение для замороженной сигнатуры.
func FromSignature(sig *canvas.Signature, queue, rootID string, now time.Time) *Message {
	m := &Message{
		ID:       sig.ID,
		Task:     sig.Task,
		Args:     sig.Args,
		Kwargs:   sig.Kwargs,
		Queue:    queue,
		ParentID: sig.ParentID,
		RootID:   rootID,
		GroupID:  sig.GroupID,
		Chord:    sig.Chord,
		Link:     sig.Link,
		Mirrors:  sig.Mirrors,
		SentAt:   now,
	}
	if m.Args == nil {
		m.Args = []any{}
	}

	switch {
	case sig.Options.ETA != nil:
		eta := *sig.Options.ETA
		m.ETA = &eta
	case sig.Options.Countdown > 0:
		eta := now.Add(sig.Options.Countdown)
		m.ETA = &eta
	}
	return m
}

// Continuation возвращает продолжение invocation.
func (m *Message) Continuation() canvas.Continuation {
	return canvas.Continuation{
		ID:      m.ID,
		Link:    m.Link,
		Chord:   m.Chord,
		Mirrors: m.Mirrors,
	}
}

// Clone возвращает копию сообщения для повторной публикации.
func (m *Message) Clone() *Message {
	c := *m
	c.Args = append([]any(nil), m.Args...)
	if m.ETA != nil {
		eta := *m.ETA
		c.ETA = &eta
	}
	return &c
}
