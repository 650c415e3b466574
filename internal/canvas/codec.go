package canvas

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// wireNode — JSON-представление любого узла.
type wireNode struct {
	Kind Kind `json:"kind"`

	// Signature
	ID        string             `json:"id,omitempty"`
	Task      string             `json:"task,omitempty"`
	Args      []any              `json:"args,omitempty"`
	Kwargs    map[string]any     `json:"kwargs,omitempty"`
	Options   *Options           `json:"options,omitempty"`
	Immutable bool               `json:"immutable,omitempty"`
	ParentID  string             `json:"parent_id,omitempty"`
	GroupID   string             `json:"group_id,omitempty"`
	Link      *wireNode          `json:"link,omitempty"`
	Chord     string             `json:"chord,omitempty"`
	Mirrors   []wireContinuation `json:"mirrors,omitempty"`

	// Chain, Group
	Nodes []*wireNode `json:"nodes,omitempty"`

	// Chord
	Header *wireNode          `json:"header,omitempty"`
	Body   *wireNode          `json:"body,omitempty"`
	Policy domain.ChordPolicy `json:"policy,omitempty"`
}

type wireContinuation struct {
	ID      string             `json:"id"`
	Link    *wireNode          `json:"link,omitempty"`
	Chord   string             `json:"chord,omitempty"`
	Mirrors []wireContinuation `json:"mirrors,omitempty"`
}

// Marshal кодирует узел в JSON.
func Marshal(n Node) ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	return json.Marshal(toWire(n))
}

// Unmarshal декодирует узел из JSON. "null" даёт nil.
func Unmarshal(data []byte) (Node, error) {
	var w *wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	if w == nil {
		return nil, nil
	}
	return fromWire(w)
}

// MarshalJSON кодирует продолжение.
func (c Continuation) MarshalJSON() ([]byte, error) {
	return json.Marshal(continuationToWire(c))
}

// UnmarshalJSON декодирует продолжение.
func (c *Continuation) UnmarshalJSON(data []byte) error {
	var w wireContinuation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := continuationFromWire(w)
	if err != nil {
		return err
	}
	*c = out
	return nil
}

func toWire(n Node) *wireNode {
	switch v := n.(type) {
	case *Signature:
		w := &wireNode{
			Kind:      KindSignature,
			ID:        v.ID,
			Task:      v.Task,
			Args:      v.Args,
			Kwargs:    v.Kwargs,
			Immutable: v.Immutable,
			ParentID:  v.ParentID,
			GroupID:   v.GroupID,
			Chord:     v.Chord,
		}
		if v.Options != (Options{}) {
			opts := v.Options
			w.Options = &opts
		}
		if v.Link != nil {
			w.Link = toWire(v.Link)
		}
		for _, m := range v.Mirrors {
			w.Mirrors = append(w.Mirrors, continuationToWire(m))
		}
		return w
	case *Chain:
		w := &wireNode{Kind: KindChain}
		for _, c := range v.Nodes {
			w.Nodes = append(w.Nodes, toWire(c))
		}
		return w
	case *Group:
		w := &wireNode{Kind: KindGroup, ID: v.ID}
		for _, c := range v.Nodes {
			w.Nodes = append(w.Nodes, toWire(c))
		}
		return w
	case *Chord:
		w := &wireNode{Kind: KindChord, Policy: v.Policy}
		if v.Header != nil {
			w.Header = toWire(v.Header)
		}
		if v.Body != nil {
			w.Body = toWire(v.Body)
		}
		return w
	}
	return nil
}

func fromWire(w *wireNode) (Node, error) {
	switch w.Kind {
	case KindSignature, "":
		s := &Signature{
			ID:        w.ID,
			Task:      w.Task,
			Args:      w.Args,
			Kwargs:    w.Kwargs,
			Immutable: w.Immutable,
			ParentID:  w.ParentID,
			GroupID:   w.GroupID,
			Chord:     w.Chord,
		}
		if w.Options != nil {
			s.Options = *w.Options
		}
		if w.Link != nil {
			link, err := fromWire(w.Link)
			if err != nil {
				return nil, err
			}
			s.Link = link
		}
		for _, m := range w.Mirrors {
			c, err := continuationFromWire(m)
			if err != nil {
				return nil, err
			}
			s.Mirrors = append(s.Mirrors, c)
		}
		return s, nil

	case KindChain, KindGroup:
		nodes := make([]Node, 0, len(w.Nodes))
		for _, c := range w.Nodes {
			n, err := fromWire(c)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		if w.Kind == KindChain {
			return &Chain{Nodes: nodes}, nil
		}
		return &Group{ID: w.ID, Nodes: nodes}, nil

	case KindChord:
		c := &Chord{Header: &Group{}, Policy: w.Policy}
		if w.Header != nil {
			h, err := fromWire(w.Header)
			if err != nil {
				return nil, err
			}
			g, ok := h.(*Group)
			if !ok {
				return nil, fmt.Errorf("%w: chord header is %s", ErrInvalidNode, h.Kind())
			}
			c.Header = g
		}
		if w.Body != nil {
			b, err := fromWire(w.Body)
			if err != nil {
				return nil, err
			}
			c.Body = b
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidNode, w.Kind)
}

func continuationToWire(c Continuation) wireContinuation {
	w := wireContinuation{ID: c.ID, Chord: c.Chord}
	if c.Link != nil {
		w.Link = toWire(c.Link)
	}
	for _, m := range c.Mirrors {
		w.Mirrors = append(w.Mirrors, continuationToWire(m))
	}
	return w
}

func continuationFromWire(w wireContinuation) (Continuation, error) {
	c := Continuation{ID: w.ID, Chord: w.Chord}
	if w.Link != nil {
		link, err := fromWire(w.Link)
		if err != nil {
			return Continuation{}, err
		}
		c.Link = link
	}
	for _, m := range w.Mirrors {
		mc, err := continuationFromWire(m)
		if err != nil {
			return Continuation{}, err
		}
		c.Mirrors = append(c.Mirrors, mc)
	}
	return c, nil
}
