package canvas

import (
	"github.com/google/uuid"
)

// NewID генерирует id invocation.
func NewID() string {
	return uuid.NewString()
}

// Freeze рекурсивно назначает id всем узлам графа без отправки
// и возвращает терминальный id.
//
// Уже назначенные id не меняются, поэтому повторный Freeze
// возвращает те же id. Терминальный id:
//   - Signature — её id;
//   - Chain — терминал последнего этапа;
//   - Group — id группы;
//   - Chord — терминал body.
func Freeze(n Node) string {
	switch v := n.(type) {
	case *Signature:
		if v.ID == "" {
			v.ID = NewID()
		}
		return v.ID

	case *Chain:
		prev := ""
		for _, stage := range v.Nodes {
			if prev != "" {
				setParent(stage, prev)
			}
			prev = Freeze(stage)
		}
		return prev

	case *Group:
		if v.ID == "" {
			v.ID = NewID()
		}
		for _, child := range v.Nodes {
			Freeze(child)
			if t := Terminal(child); t != nil && t.GroupID == "" {
				t.GroupID = v.ID
			}
		}
		return v.ID

	case *Chord:
		if v.Header == nil {
			v.Header = &Group{}
		}
		id := Freeze(v.Header)
		if v.Body == nil {
			v.Body = Accumulate()
		}
		setParent(v.Body, id)
		return Freeze(v.Body)
	}
	return ""
}

// setParent задаёт ParentID первым invocation узла, если он ещё не задан.
func setParent(n Node, parent string) {
	switch v := n.(type) {
	case *Signature:
		if v.ParentID == "" {
			v.ParentID = parent
		}
	case *Chain:
		if len(v.Nodes) > 0 {
			setParent(v.Nodes[0], parent)
		}
	case *Group:
		for _, c := range v.Nodes {
			setParent(c, parent)
		}
	case *Chord:
		if v.Header != nil {
			setParent(v.Header, parent)
		}
	}
}

// Terminal возвращает последний invocation узла.
// Для группы терминального invocation нет — возвращается nil.
func Terminal(n Node) *Signature {
	switch v := n.(type) {
	case *Signature:
		return v
	case *Chain:
		if len(v.Nodes) == 0 {
			return nil
		}
		return Terminal(v.Nodes[len(v.Nodes)-1])
	case *Chord:
		return Terminal(v.Body)
	}
	return nil
}

// TerminalID возвращает терминальный id уже замороженного узла.
func TerminalID(n Node) string {
	if g, ok := n.(*Group); ok {
		return g.ID
	}
	if c, ok := n.(*Chain); ok && len(c.Nodes) > 0 {
		return TerminalID(c.Nodes[len(c.Nodes)-1])
	}
	if c, ok := n.(*Chord); ok {
		return TerminalID(c.Body)
	}
	if t := Terminal(n); t != nil {
		return t.ID
	}
	return ""
}

// Leaves возвращает все invocation графа в порядке обхода:
// этапы цепочки, дети групп, header и body chord.
func Leaves(n Node) []*Signature {
	var out []*Signature
	walk(n, func(s *Signature) { out = append(out, s) }, nil)
	return out
}

// Groups возвращает все группы графа, включая header'ы chord.
func Groups(n Node) []*Group {
	var out []*Group
	walk(n, nil, func(g *Group) { out = append(out, g) })
	return out
}

func walk(n Node, onSig func(*Signature), onGroup func(*Group)) {
	switch v := n.(type) {
	case *Signature:
		if onSig != nil {
			onSig(v)
		}
	case *Chain:
		for _, c := range v.Nodes {
			walk(c, onSig, onGroup)
		}
	case *Group:
		if onGroup != nil {
			onGroup(v)
		}
		for _, c := range v.Nodes {
			walk(c, onSig, onGroup)
		}
	case *Chord:
		if v.Header != nil {
			walk(v.Header, onSig, onGroup)
		}
		if v.Body != nil {
			walk(v.Body, onSig, onGroup)
		}
	}
}

// Description — дерево id замороженного графа.
type Description struct {
	Kind     Kind          `json:"kind"`
	ID       string        `json:"id"`
	Task     string        `json:"task,omitempty"`
	Queue    string        `json:"queue,omitempty"`
	ParentID string        `json:"parent_id,omitempty"`
	Children []Description `json:"children,omitempty"`
}

// Describe возвращает дерево id графа. Граф должен быть заморожен.
//
// У chord первый ребёнок — header, второй — body.
func Describe(n Node) Description {
	switch v := n.(type) {
	case *Signature:
		return Description{
			Kind:     KindSignature,
			ID:       v.ID,
			Task:     v.Task,
			Queue:    v.Options.Queue,
			ParentID: v.ParentID,
		}
	case *Chain:
		d := Description{Kind: KindChain, ID: TerminalID(v)}
		for _, c := range v.Nodes {
			d.Children = append(d.Children, Describe(c))
		}
		return d
	case *Group:
		d := Description{Kind: KindGroup, ID: v.ID}
		for _, c := range v.Nodes {
			d.Children = append(d.Children, Describe(c))
		}
		return d
	case *Chord:
		d := Description{Kind: KindChord, ID: TerminalID(v)}
		if v.Header != nil {
			d.Children = append(d.Children, Describe(v.Header))
		}
		if v.Body != nil {
			d.Children = append(d.Children, Describe(v.Body))
		}
		return d
	}
	return Description{}
}
