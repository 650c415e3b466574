package canvas

import (
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// AccumulateTask — встроенная задача, возвращающая свои аргументы списком.
//
// Используется как body, когда группе нужен единственный терминальный
// invocation: член chord header, цель replace.
const AccumulateTask = "conveyor.accumulate"

// Kind — тип узла графа.
type Kind string

const (
	KindSignature Kind = "signature"
	KindChain     Kind = "chain"
	KindGroup     Kind = "group"
	KindChord     Kind = "chord"
)

// Node — узел графа задач: *Signature, *Chain, *Group или *Chord.
type Node interface {
	Kind() Kind
	node()
}

// Options — параметры маршрутизации invocation.
type Options struct {
	// Queue — очередь; имеет приоритет над override при submit и над политикой задачи.
	Queue string `json:"queue,omitempty"`

	// Countdown — задержка перед выполнением относительно момента публикации.
	Countdown time.Duration `json:"countdown,omitempty"`

	// ETA — абсолютное время, не раньше которого invocation выполняется.
	ETA *time.Time `json:"eta,omitempty"`
}

// Signature — описание одного ещё не выполненного invocation.
type Signature struct {
	// ID — id invocation. Пустой до Freeze.
	ID string

	// Task — имя задачи в реестре.
	Task string

	// Args, Kwargs — аргументы.
	Args   []any
	Kwargs map[string]any

	// Options — маршрутизация.
	Options Options

	// Immutable — результат предыдущего этапа цепочки не добавляется в Args.
	Immutable bool

	// ParentID — id предыдущего этапа цепочки.
	ParentID string

	// GroupID — группа, непосредственным членом которой является invocation.
	GroupID string

	// Link — остаток цепочки, запускаемый после SUCCESS.
	Link Node

	// Chord — id chord, терминальным членом header которого является invocation.
	Chord string

	// Mirrors — invocation'ы, заменившие себя графом, который заканчивается здесь.
	Mirrors []Continuation
}

// Continuation — продолжение заменённого invocation.
//
// Когда терминал нового графа завершается, его исход зеркалится
// в запись ID, после чего выполняется собственное продолжение ID.
type Continuation struct {
	ID      string
	Link    Node
	Chord   string
	Mirrors []Continuation
}

// Chain — последовательность этапов: результат этапа i добавляется
// первым аргументом в этап i+1.
type Chain struct {
	Nodes []Node
}

// Group — набор независимых узлов с фиксированным порядком результатов.
type Group struct {
	ID    string
	Nodes []Node
}

// Chord — группа header и body, который вызывается один раз
// со списком результатов header в исходном порядке.
type Chord struct {
	Header *Group
	Body   Node

	// Policy — политика при неудаче header. Пустая — политика приложения.
	Policy domain.ChordPolicy
}

func (*Signature) Kind() Kind { return KindSignature }
func (*Chain) Kind() Kind     { return KindChain }
func (*Group) Kind() Kind     { return KindGroup }
func (*Chord) Kind() Kind     { return KindChord }

func (*Signature) node() {}
func (*Chain) node()     {}
func (*Group) node()     {}
func (*Chord) node()     {}

// NewSignature создаёт сигнатуру.
func NewSignature(task string, args []any, kwargs map[string]any, opts Options) *Signature {
	return &Signature{
		Task:    task,
		Args:    args,
		Kwargs:  kwargs,
		Options: opts,
	}
}

// S — короткая форма NewSignature для позиционных аргументов.
func S(task string, args ...any) *Signature {
	return &Signature{Task: task, Args: args}
}

// SI — неизменяемая сигнатура: не получает результат предыдущего этапа.
func SI(task string, args ...any) *Signature {
	return &Signature{Task: task, Args: args, Immutable: true}
}

// Accumulate возвращает сигнатуру встроенной задачи accumulate.
func Accumulate() *Signature {
	return &Signature{Task: AccumulateTask}
}

// Set задаёт очередь и возвращает сигнатуру.
func (s *Signature) Set(queue string) *Signature {
	s.Options.Queue = queue
	return s
}

// WithKwargs задаёт keyword-аргументы и возвращает сигнатуру.
func (s *Signature) WithKwargs(kwargs map[string]any) *Signature {
	s.Kwargs = kwargs
	return s
}

// NewChain создаёт цепочку.
//
// Вложенные цепочки разворачиваются. Группа, за которой следуют
// другие этапы, превращается в chord с остатком цепочки в качестве body.
func NewChain(nodes ...Node) *Chain {
	var flat []Node
	for _, n := range nodes {
		if c, ok := n.(*Chain); ok {
			flat = append(flat, c.Nodes...)
			continue
		}
		if n != nil {
			flat = append(flat, n)
		}
	}

	for i, n := range flat {
		g, ok := n.(*Group)
		if !ok || i == len(flat)-1 {
			continue
		}
		rest := NewChain(flat[i+1:]...)
		var body Node = rest
		if len(rest.Nodes) == 1 {
			body = rest.Nodes[0]
		}
		out := append([]Node(nil), flat[:i]...)
		out = append(out, NewChord(g, body))
		return &Chain{Nodes: out}
	}

	return &Chain{Nodes: flat}
}

// NewGroup создаёт группу.
func NewGroup(nodes ...Node) *Group {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return &Group{Nodes: out}
}

// NewChord создаёт chord.
//
// Члены header, которые заканчиваются группой, оборачиваются
// в chord(группа, accumulate), чтобы у каждого члена был один терминал.
func NewChord(header *Group, body Node) *Chord {
	if header == nil {
		header = &Group{}
	}
	for i, n := range header.Nodes {
		header.Nodes[i] = SingleTerminal(n)
	}
	return &Chord{Header: header, Body: body}
}

// WithPolicy задаёт политику chord и возвращает его.
func (c *Chord) WithPolicy(p domain.ChordPolicy) *Chord {
	c.Policy = p
	return c
}

// SingleTerminal гарантирует, что узел заканчивается одним invocation.
func SingleTerminal(n Node) Node {
	switch v := n.(type) {
	case *Group:
		return NewChord(v, Accumulate())
	case *Chain:
		if len(v.Nodes) == 0 {
			return v
		}
		last := len(v.Nodes) - 1
		v.Nodes[last] = SingleTerminal(v.Nodes[last])
		return v
	case *Chord:
		v.Body = SingleTerminal(v.Body)
		return v
	default:
		return n
	}
}

// Normalize применяет правила конструкторов ко всему графу.
// Нужен для графов, собранных литералами структур. Идемпотентен.
func Normalize(n Node) Node {
	switch v := n.(type) {
	case *Chain:
		nodes := make([]Node, len(v.Nodes))
		for i, c := range v.Nodes {
			nodes[i] = Normalize(c)
		}
		out := NewChain(nodes...)
		v.Nodes = out.Nodes
		return v
	case *Group:
		for i, c := range v.Nodes {
			v.Nodes[i] = Normalize(c)
		}
		return v
	case *Chord:
		if v.Header == nil {
			v.Header = &Group{}
		}
		Normalize(v.Header)
		for i, c := range v.Header.Nodes {
			v.Header.Nodes[i] = SingleTerminal(c)
		}
		if v.Body == nil {
			v.Body = Accumulate()
		}
		v.Body = Normalize(v.Body)
		return v
	default:
		return n
	}
}
