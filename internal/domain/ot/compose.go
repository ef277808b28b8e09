package ot

import (
	"fmt"
)

// Compose reduces a sequential list of operations by one author stream to a
// shorter equivalent list. Adjacent inserts, deletes and retains are merged
// and no-op edits are dropped. Applying the result yields the same content
// as applying ops in order.
func Compose(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.IsNoop() && op.Type != OpRetain {
			continue
		}
		if n := len(out); n > 0 {
			if merged, ok := mergeAdjacent(out[n-1], op); ok {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

func mergeAdjacent(prev, next Operation) (Operation, bool) {
	if prev.Type != next.Type || prev.UserID != next.UserID {
		return Operation{}, false
	}
	merged := prev
	merged.Timestamp = next.Timestamp
	switch prev.Type {
	case OpInsert:
		switch next.Position {
		case prev.Position + runeLen(prev.Content):
			merged.Content = prev.Content + next.Content
			return merged, true
		case prev.Position:
			merged.Content = next.Content + prev.Content
			return merged, true
		}
	case OpDelete:
		switch {
		case next.Position == prev.Position:
			merged.Length = prev.Length + next.Length
			return merged, true
		case next.End() == prev.Position:
			merged.Position = next.Position
			merged.Length = prev.Length + next.Length
			return merged, true
		}
	case OpRetain:
		if next.Position == prev.End() {
			merged.Length = prev.Length + next.Length
			return merged, true
		}
	}
	return Operation{}, false
}

// Invert returns the operation that undoes op when applied to the result of
// applying op to content.
func Invert(content string, op Operation) (Operation, error) {
	if _, err := Apply(content, op); err != nil {
		return Operation{}, err
	}
	runes := []rune(content)
	inv := op
	switch op.Type {
	case OpRetain:
		return op, nil
	case OpInsert:
		inv.Type = OpDelete
		inv.Length = runeLen(op.Content)
		inv.Content = ""
	case OpDelete:
		inv.Type = OpInsert
		inv.Length = 0
		inv.Content = string(runes[op.Position:op.End()])
	case OpReplace:
		inv.Length = runeLen(op.Content)
		inv.Content = string(runes[op.Position:op.End()])
	case OpMove:
		if op.IsNoop() {
			return op, nil
		}
		if op.Target <= op.Position {
			inv.Position = op.Target
			inv.Target = op.End()
		} else {
			inv.Position = op.Target - op.Length
			inv.Target = op.Position
		}
	default:
		return Operation{}, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return inv, nil
}
