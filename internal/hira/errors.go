package hira

import (
	"errors"
	"fmt"
	"strings"

	"hiraflow/internal/domain"
)

// Kind classifies a rejected operation.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindForbidden         Kind = "forbidden"
	KindInvalidTransition Kind = "invalid_transition"
	KindIncompleteData    Kind = "incomplete_data"
	KindEmptySelection    Kind = "empty_selection"
)

// RowProblem lists the required fields a worksheet row is missing.
type RowProblem struct {
	Index   int      `json:"index"`
	Missing []string `json:"missing"`
}

// Error is returned by every core operation that refuses a request.
// The assessment passed in is never modified when an Error is returned.
type Error struct {
	Kind    Kind
	Op      string
	Status  domain.Status
	Field   string
	Message string
	Rows    []RowProblem
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidTransition:
		return fmt.Sprintf("cannot %s assessment in status %s", e.Op, e.Status)
	case KindIncompleteData:
		if len(e.Rows) == 0 {
			return fmt.Sprintf("%s: %s", e.Op, e.Message)
		}
		idx := make([]string, 0, len(e.Rows))
		for _, r := range e.Rows {
			idx = append(idx, fmt.Sprintf("%d", r.Index))
		}
		return fmt.Sprintf("%s: incomplete rows [%s]", e.Op, strings.Join(idx, ","))
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsKind reports whether err carries a core error of kind k.
func IsKind(err error, k Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == k
	}
	return false
}

func invalidInput(op, field, msg string) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Field: field, Message: msg}
}

func invalidTransition(op string, status domain.Status) *Error {
	return &Error{Kind: KindInvalidTransition, Op: op, Status: status}
}

func forbidden(op string, actor domain.Actor) *Error {
	return &Error{Kind: KindForbidden, Op: op, Message: fmt.Sprintf("actor %s may not %s", actor.ID, op)}
}
