package broadcast

import (
	"errors"
	"fmt"

	"treehub/internal/store"
)

// Code classifies a rejected mutation.
type Code string

const (
	CodeForbidden Code = "forbidden"
	CodeConflict  Code = "conflict"
	CodeNotFound  Code = "not_found"
	CodeInvalid   Code = "invalid"
	CodeInternal  Code = "internal"
)

// Error rejects a single mutation. The connection stays open and nothing
// is broadcast. Current holds the authoritative node or tree on conflict.
type Error struct {
	Code    Code
	Message string
	Current interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var opErr *Error
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return CodeInternal
}

func forbiddenf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func invalidf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictWith(current interface{}, format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), Current: current}
}

// fromStore maps Graph Store failures onto the mutation taxonomy.
func fromStore(err error, what string) error {
	var conflict *store.ConflictError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &conflict):
		if conflict.Node != nil {
			return conflictWith(conflict.Node, "%s", conflict.Error())
		}
		return conflictWith(conflict.Tree, "%s", conflict.Error())
	case errors.Is(err, store.ErrNotFound):
		return notFoundf("%s not found", what)
	default:
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("%s: %v", what, err)}
	}
}
