// Package ot implements operational transformation over rune-indexed text.
//
// Positions are gap indices counted in runes: position 0 is before the first
// rune, position len is after the last. All functions are pure and safe to
// call concurrently.
package ot

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrIncompatibleOps  = errors.New("incompatible operations")
)

// OpType names an edit primitive.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpRetain  OpType = "retain"
	OpReplace OpType = "replace"
	OpMove    OpType = "move"
)

// Operation is one atomic edit.
//
// Insert uses Position and Content. Delete uses Position and Length. Replace
// uses all three. Move relocates [Position, Position+Length) to the gap at
// Target, measured before the block is removed. Retain only carries
// positional bookkeeping.
type Operation struct {
	Type      OpType    `json:"type"`
	Position  int       `json:"position"`
	Length    int       `json:"length,omitempty"`
	Content   string    `json:"content,omitempty"`
	Target    int       `json:"target,omitempty"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewInsert(userID string, position int, content string) Operation {
	return Operation{Type: OpInsert, Position: position, Content: content, UserID: userID}
}

func NewDelete(userID string, position, length int) Operation {
	return Operation{Type: OpDelete, Position: position, Length: length, UserID: userID}
}

func NewReplace(userID string, position, length int, content string) Operation {
	return Operation{Type: OpReplace, Position: position, Length: length, Content: content, UserID: userID}
}

func NewRetain(userID string, position, length int) Operation {
	return Operation{Type: OpRetain, Position: position, Length: length, UserID: userID}
}

func NewMove(userID string, position, length, target int) Operation {
	return Operation{Type: OpMove, Position: position, Length: length, Target: target, UserID: userID}
}

// Validate checks structural constraints that do not depend on content.
func (op Operation) Validate() error {
	if op.Position < 0 || op.Length < 0 || op.Target < 0 {
		return fmt.Errorf("%w: negative position or length", ErrInvalidOperation)
	}
	switch op.Type {
	case OpInsert, OpDelete, OpRetain, OpReplace:
		return nil
	case OpMove:
		if op.Target > op.Position && op.Target < op.Position+op.Length {
			return fmt.Errorf("%w: move target %d inside moved block", ErrInvalidOperation, op.Target)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
}

// IsNoop reports whether applying op never changes content.
func (op Operation) IsNoop() bool {
	switch op.Type {
	case OpRetain:
		return true
	case OpInsert:
		return op.Content == ""
	case OpDelete:
		return op.Length == 0
	case OpReplace:
		return op.Length == 0 && op.Content == ""
	case OpMove:
		return op.Length == 0 || op.Target == op.Position || op.Target == op.Position+op.Length
	}
	return false
}

// End is the exclusive end of the range the operation reads.
func (op Operation) End() int {
	return op.Position + op.Length
}

// Apply executes op against content.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	runes := []rune(content)
	size := len(runes)

	switch op.Type {
	case OpRetain:
		if op.End() > size {
			return "", outOfRange(op, size)
		}
		return content, nil
	case OpInsert:
		if op.Position > size {
			return "", outOfRange(op, size)
		}
		return string(runes[:op.Position]) + op.Content + string(runes[op.Position:]), nil
	case OpDelete, OpReplace:
		if op.End() > size {
			return "", outOfRange(op, size)
		}
		text := ""
		if op.Type == OpReplace {
			text = op.Content
		}
		return string(runes[:op.Position]) + text + string(runes[op.End():]), nil
	case OpMove:
		if op.End() > size || op.Target > size {
			return "", outOfRange(op, size)
		}
		if op.IsNoop() {
			return content, nil
		}
		block := string(runes[op.Position:op.End()])
		rest := []rune(string(runes[:op.Position]) + string(runes[op.End():]))
		target := op.Target
		if target >= op.End() {
			target -= op.Length
		}
		return string(rest[:target]) + block + string(rest[target:]), nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
}

// ApplyAll applies ops in order.
func ApplyAll(content string, ops []Operation) (string, error) {
	var err error
	for i, op := range ops {
		content, err = Apply(content, op)
		if err != nil {
			return "", fmt.Errorf("applying operation %d: %w", i, err)
		}
	}
	return content, nil
}

func outOfRange(op Operation, size int) error {
	return fmt.Errorf("%w: %s at %d+%d on length %d", ErrIndexOutOfRange, op.Type, op.Position, op.Length, size)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
