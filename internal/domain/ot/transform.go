package ot

import (
	"fmt"
)

// edit is the common shape of insert, delete and replace: replace the
// range [pos, pos+length) with text.
type edit struct {
	pos    int
	length int
	text   string
}

func (e edit) end() int { return e.pos + e.length }

func (e edit) delta() int { return runeLen(e.text) - e.length }

func asEdit(op Operation) edit {
	switch op.Type {
	case OpInsert:
		return edit{pos: op.Position, text: op.Content}
	case OpDelete:
		return edit{pos: op.Position, length: op.Length}
	default:
		return edit{pos: op.Position, length: op.Length, text: op.Content}
	}
}

// fromEdit rebuilds op with a new range and picks the narrowest type.
func fromEdit(op Operation, e edit) Operation {
	out := op
	out.Position = e.pos
	out.Length = e.length
	out.Content = e.text
	out.Target = 0
	switch {
	case e.length == 0 && e.text != "":
		out.Type = OpInsert
	case e.text == "":
		out.Type = OpDelete
	default:
		out.Type = OpReplace
	}
	return out
}

// precedes orders two concurrent edits anchored at the same position.
// The lower user id wins; content breaks ties between edits of one user.
func precedes(a, b Operation) bool {
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.Content < b.Content
}

// Transform rewrites op so that applying it after against preserves its
// intent. For any pair of concurrent operations a and b on the same content,
// applying a then Transform(b, a) yields the same text as applying b then
// Transform(a, b).
func Transform(op, against Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	if err := against.Validate(); err != nil {
		return Operation{}, err
	}

	if against.IsNoop() {
		return op, nil
	}
	if op.Type == OpMove || against.Type == OpMove {
		return transformMove(op, against)
	}
	if op.Type == OpRetain {
		return transformRetain(op, asEdit(against)), nil
	}

	a, b := asEdit(op), asEdit(against)
	if op.IsNoop() {
		out := op
		out.Position = shiftIndex(a.pos, b, false)
		return out, nil
	}

	switch {
	case a.length == 0 && b.length == 0 && a.pos == b.pos:
		if precedes(op, against) {
			return op, nil
		}
		a.pos += runeLen(b.text)
		return fromEdit(op, a), nil
	case a.end() <= b.pos:
		return op, nil
	case a.pos >= b.end():
		a.pos += b.delta()
		return fromEdit(op, a), nil
	}

	if a == b {
		// Both sides made the same edit; it is already present.
		out := op
		out.Type = OpRetain
		out.Position = b.pos
		out.Length = 0
		out.Content = ""
		return out, nil
	}

	// Overlap: rewrite the union of both ranges as seen after against.
	start := min(a.pos, b.pos)
	end := max(a.end(), b.end())
	var text string
	if a.pos < b.pos || (a.pos == b.pos && precedes(op, against)) {
		text = a.text + b.text
	} else {
		text = b.text + a.text
	}
	return fromEdit(op, edit{
		pos:    start,
		length: end - start - b.length + runeLen(b.text),
		text:   text,
	}), nil
}

// TransformAll transforms ops against a concurrent sequence. Both sequences
// start from the same content; the result applies after against.
func TransformAll(ops, against []Operation) ([]Operation, error) {
	current := append([]Operation(nil), ops...)
	for _, other := range against {
		next := make([]Operation, 0, len(current))
		for _, op := range current {
			transformed, err := Transform(op, other)
			if err != nil {
				return nil, err
			}
			t, err := Transform(other, op)
			if err != nil {
				return nil, err
			}
			next = append(next, transformed)
			other = t
		}
		current = next
	}
	return current, nil
}

func transformRetain(op Operation, b edit) Operation {
	start := shiftIndex(op.Position, b, true)
	end := shiftIndex(op.End(), b, false)
	out := op
	out.Position = start
	out.Length = max(0, end-start)
	return out
}

// shiftIndex maps gap x through edit b. A gap inside the replaced range
// collapses to its start; a gap at an insertion point moves past the
// inserted text only when stickRight is set.
func shiftIndex(x int, b edit, stickRight bool) int {
	switch {
	case x < b.pos:
		return x
	case x > b.end():
		return x + b.delta()
	case b.length == 0:
		if stickRight {
			return x + b.delta()
		}
		return x
	case x == b.pos:
		return x
	case x == b.end():
		return x + b.delta()
	default:
		return b.pos
	}
}

func transformMove(op, against Operation) (Operation, error) {
	if op.Type == OpMove && against.Type == OpMove {
		return Operation{}, fmt.Errorf("%w: concurrent moves", ErrIncompatibleOps)
	}
	if op.Type == OpMove {
		return moveAgainstEdit(op, against)
	}
	return editAgainstMove(op, against)
}

// moveIndex maps gap x through move m. x must not lie strictly inside the
// moved block. A gap equal to the target lands after the block when
// stickRight is set.
func moveIndex(x int, m Operation, stickRight bool) int {
	p, n, t := m.Position, m.Length, m.Target
	if t <= p {
		switch {
		case x < t:
			return x
		case x == t && !stickRight:
			return x
		case x <= p:
			return x + n
		default:
			return x
		}
	}
	switch {
	case x <= p:
		return x
	case x < t:
		return x - n
	case x == t && stickRight:
		return x
	case x == t:
		return x - n
	default:
		return x
	}
}

func editAgainstMove(op, m Operation) (Operation, error) {
	blockStart, blockEnd := m.Position, m.End()
	out := op
	if op.Length == 0 {
		if op.Position > blockStart && op.Position < blockEnd {
			return Operation{}, fmt.Errorf("%w: %s inside moved block", ErrIncompatibleOps, op.Type)
		}
		out.Position = moveIndex(op.Position, m, false)
		return out, nil
	}
	if op.Position < blockEnd && blockStart < op.End() {
		return Operation{}, fmt.Errorf("%w: %s overlaps moved block", ErrIncompatibleOps, op.Type)
	}
	if op.Position < m.Target && m.Target < op.End() {
		return Operation{}, fmt.Errorf("%w: move target inside %s range", ErrIncompatibleOps, op.Type)
	}
	start := moveIndex(op.Position, m, true)
	end := moveIndex(op.End(), m, false)
	out.Position = start
	out.Length = end - start
	return out, nil
}

func moveAgainstEdit(m, against Operation) (Operation, error) {
	if against.Type == OpRetain {
		return m, nil
	}
	b := asEdit(against)
	if m.IsNoop() {
		out := m
		out.Type = OpRetain
		out.Position = shiftIndex(m.Position, b, true)
		out.Length = 0
		out.Target = 0
		return out, nil
	}
	if b.length == 0 {
		if b.pos > m.Position && b.pos < m.End() {
			return Operation{}, fmt.Errorf("%w: insert inside moved block", ErrIncompatibleOps)
		}
	} else {
		if b.pos < m.End() && m.Position < b.end() {
			return Operation{}, fmt.Errorf("%w: %s overlaps moved block", ErrIncompatibleOps, against.Type)
		}
		if b.pos < m.Target && m.Target < b.end() {
			return Operation{}, fmt.Errorf("%w: move target inside %s range", ErrIncompatibleOps, against.Type)
		}
	}
	start := shiftIndex(m.Position, b, true)
	end := shiftIndex(m.End(), b, false)
	out := m
	out.Position = start
	out.Length = end - start
	out.Target = shiftIndex(m.Target, b, true)
	return out, nil
}
