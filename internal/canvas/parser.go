package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Document — узел workflow в виде, удобном для написания руками.
//
//	{"task": "add", "args": [2, 3], "queue": "math", "countdown": "5s"}
//	{"chain": [{...}, {...}]}
//	{"group": [{...}, {...}]}
//	{"chord": {"header": [{...}], "body": {...}, "policy": "propagate"}}
type Document struct {
	ID        string         `json:"id,omitempty"`
	Task      string         `json:"task,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Countdown string         `json:"countdown,omitempty"`
	Immutable bool           `json:"immutable,omitempty"`

	Chain []Document     `json:"chain,omitempty"`
	Group []Document     `json:"group,omitempty"`
	Chord *ChordDocument `json:"chord,omitempty"`
}

// ChordDocument — chord в Document.
type ChordDocument struct {
	Header []Document `json:"header"`
	Body   *Document  `json:"body,omitempty"`
	Policy string     `json:"policy,omitempty"`
}

// ParseWorkflow разбирает и валидирует workflow-документ.
//
// known — зарегистрированные задачи; nil отключает проверку имён.
// Узлы собираются конструкторами, поэтому правила нормализации
// (группа посреди цепочки → chord) применяются и здесь.
func ParseWorkflow(data []byte, known []string) (Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	p := &parser{ids: make(map[string]bool)}
	if known != nil {
		p.known = make(map[string]bool, len(known))
		for _, name := range known {
			p.known[name] = true
		}
	}

	return p.node(&doc, "root")
}

type parser struct {
	known map[string]bool
	ids   map[string]bool
}

func (p *parser) node(d *Document, path string) (Node, error) {
	set := 0
	if d.Task != "" {
		set++
	}
	if len(d.Chain) > 0 {
		set++
	}
	if len(d.Group) > 0 {
		set++
	}
	if d.Chord != nil {
		set++
	}

	switch {
	case set > 1:
		return nil, NewValidationError(path, "", ErrAmbiguousNode.Error(), ErrAmbiguousNode)
	case set == 0:
		// Пустой group/chain неотличим от пустой сигнатуры.
		return nil, NewValidationError(path, "task", "signature has empty task name", ErrEmptyTask)
	}

	switch {
	case d.Task != "":
		return p.signature(d, path)

	case len(d.Chain) > 0:
		nodes, err := p.list(d.Chain, path+".chain")
		if err != nil {
			return nil, err
		}
		return NewChain(nodes...), nil

	case len(d.Group) > 0:
		nodes, err := p.list(d.Group, path+".group")
		if err != nil {
			return nil, err
		}
		return NewGroup(nodes...), nil
	}

	return p.chord(d.Chord, path+".chord")
}

func (p *parser) list(docs []Document, path string) ([]Node, error) {
	nodes := make([]Node, 0, len(docs))
	for i := range docs {
		n, err := p.node(&docs[i], fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (p *parser) signature(d *Document, path string) (Node, error) {
	if p.known != nil && !p.known[d.Task] {
		return nil, NewValidationError(path, "task",
			fmt.Sprintf("unknown task: %s", d.Task), ErrUnknownTask)
	}

	if d.ID != "" {
		if p.ids[d.ID] {
			return nil, NewValidationError(path, "id",
				fmt.Sprintf("duplicate id: %s", d.ID), ErrDuplicateID)
		}
		p.ids[d.ID] = true
	}

	s := &Signature{
		ID:        d.ID,
		Task:      d.Task,
		Args:      d.Args,
		Kwargs:    d.Kwargs,
		Immutable: d.Immutable,
		Options:   Options{Queue: d.Queue},
	}

	if d.Countdown != "" {
		cd, err := time.ParseDuration(d.Countdown)
		if err != nil || cd < 0 {
			return nil, NewValidationError(path, "countdown",
				fmt.Sprintf("invalid countdown: %s", d.Countdown), ErrInvalidCountdown)
		}
		s.Options.Countdown = cd
	}

	return s, nil
}

func (p *parser) chord(d *ChordDocument, path string) (Node, error) {
	header, err := p.list(d.Header, path+".header")
	if err != nil {
		return nil, err
	}

	var body Node = Accumulate()
	if d.Body != nil {
		body, err = p.node(d.Body, path+".body")
		if err != nil {
			return nil, err
		}
	}

	c := NewChord(NewGroup(header...), body)
	if d.Policy != "" {
		policy := domain.ChordPolicy(d.Policy)
		if !policy.IsValid() {
			return nil, NewValidationError(path, "policy",
				fmt.Sprintf("invalid chord policy: %s", d.Policy), ErrInvalidPolicy)
		}
		c.Policy = policy
	}
	return c, nil
}
