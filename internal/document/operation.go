package document

import (
	"fmt"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Operation is a single client edit. Position counts characters (code points),
// not bytes, and is ignored for replace.
type Operation struct {
	Kind     Kind
	Position int
	Text     string
}

func Insert(pos int, text string) Operation { return Operation{Kind: KindInsert, Position: pos, Text: text} }
func Delete(pos int, text string) Operation { return Operation{Kind: KindDelete, Position: pos, Text: text} }
func Replace(text string) Operation         { return Operation{Kind: KindReplace, Text: text} }

// applyTo returns the text produced by op, or ErrInvalidOperation / ErrResyncRequired.
// It never guesses a repair for a delete that does not match.
func (op Operation) applyTo(text string) (string, error) {
	switch op.Kind {
	case KindReplace:
		return op.Text, nil

	case KindInsert:
		runes := []rune(text)
		if op.Position < 0 || op.Position > len(runes) {
			return "", fmt.Errorf("%w: insert at %d outside [0,%d]", ErrInvalidOperation, op.Position, len(runes))
		}
		return string(runes[:op.Position]) + op.Text + string(runes[op.Position:]), nil

	case KindDelete:
		if op.Text == "" {
			return "", fmt.Errorf("%w: empty delete", ErrInvalidOperation)
		}
		runes := []rune(text)
		n := len([]rune(op.Text))
		if n > len(runes) || op.Position < 0 || op.Position > len(runes)-n {
			return "", fmt.Errorf("%w: delete of %d at %d outside [0,%d]", ErrInvalidOperation, n, op.Position, len(runes))
		}
		if string(runes[op.Position:op.Position+n]) != op.Text {
			return "", fmt.Errorf("%w: delete at %d does not match canonical text", ErrResyncRequired, op.Position)
		}
		return string(runes[:op.Position]) + string(runes[op.Position+n:]), nil

	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}
