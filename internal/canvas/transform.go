package canvas

// Copy возвращает глубокую копию узла с сохранением id.
func Copy(n Node) Node {
	return copyNode(n, false)
}

// Clone возвращает глубокую копию узла с пустыми id и без
// внутренних полей продолжения. Frozen-копия получит новые id.
func Clone(n Node) Node {
	return copyNode(n, true)
}

func copyNode(n Node, fresh bool) Node {
	switch v := n.(type) {
	case *Signature:
		return copySignature(v, fresh)
	case *Chain:
		out := &Chain{Nodes: make([]Node, len(v.Nodes))}
		for i, c := range v.Nodes {
			out.Nodes[i] = copyNode(c, fresh)
		}
		return out
	case *Group:
		out := &Group{ID: v.ID, Nodes: make([]Node, len(v.Nodes))}
		if fresh {
			out.ID = ""
		}
		for i, c := range v.Nodes {
			out.Nodes[i] = copyNode(c, fresh)
		}
		return out
	case *Chord:
		out := &Chord{Policy: v.Policy}
		if v.Header != nil {
			out.Header = copyNode(v.Header, fresh).(*Group)
		}
		if v.Body != nil {
			out.Body = copyNode(v.Body, fresh)
		}
		return out
	}
	return nil
}

func copySignature(s *Signature, fresh bool) *Signature {
	out := *s
	out.Args = append([]any(nil), s.Args...)
	if s.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(s.Kwargs))
		for k, v := range s.Kwargs {
			out.Kwargs[k] = v
		}
	}
	if s.Options.ETA != nil {
		t := *s.Options.ETA
		out.Options.ETA = &t
	}
	if fresh {
		out.ID = ""
		out.ParentID = ""
		out.GroupID = ""
		out.Link = nil
		out.Chord = ""
		out.Mirrors = nil
		return &out
	}
	if s.Link != nil {
		out.Link = copyNode(s.Link, false)
	}
	out.Mirrors = copyContinuations(s.Mirrors)
	return &out
}

func copyContinuations(in []Continuation) []Continuation {
	if in == nil {
		return nil
	}
	out := make([]Continuation, len(in))
	for i, c := range in {
		out[i] = Continuation{ID: c.ID, Chord: c.Chord, Mirrors: copyContinuations(c.Mirrors)}
		if c.Link != nil {
			out[i].Link = copyNode(c.Link, false)
		}
	}
	return out
}

// Prepend возвращает копию узла, в которой value добавлен первым
// позиционным аргументом в первые invocation узла.
//
//   - Signature — в Args, если она не Immutable;
//   - Chain — в первый этап;
//   - Group — в каждого ребёнка;
//   - Chord — в каждого ребёнка header.
func Prepend(n Node, value any) Node {
	out := Copy(n)
	prependInPlace(out, value)
	return out
}

func prependInPlace(n Node, value any) {
	switch v := n.(type) {
	case *Signature:
		if !v.Immutable {
			v.Args = append([]any{value}, v.Args...)
		}
	case *Chain:
		if len(v.Nodes) > 0 {
			prependInPlace(v.Nodes[0], value)
		}
	case *Group:
		for _, c := range v.Nodes {
			prependInPlace(c, value)
		}
	case *Chord:
		if v.Header != nil {
			prependInPlace(v.Header, value)
		}
	}
}

// Then возвращает узел n, за которым следует link.
// Если link пуст, возвращается n.
func Then(n Node, link Node) Node {
	if link == nil {
		return n
	}
	if n == nil {
		return link
	}
	return &Chain{Nodes: flatten(n, link)}
}

func flatten(nodes ...Node) []Node {
	var out []Node
	for _, n := range nodes {
		if c, ok := n.(*Chain); ok {
			out = append(out, c.Nodes...)
			continue
		}
		out = append(out, n)
	}
	return out
}
