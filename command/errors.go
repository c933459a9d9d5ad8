package command

import (
	"errors"
	"fmt"

	"github.com/awinterman/anarchokv/protocol"
)

var (
	ErrCommandNotFound   = errors.New("unknown command")
	ErrArity             = errors.New("wrong number of arguments")
	ErrMalformedArgument = errors.New("malformed argument")
	ErrPermissionDenied  = protocol.NewKindError("NOPERM", "permission denied")
)

// Phase names the step of a Dispatch that failed.
type Phase int

const (
	PhaseResolve Phase = iota
	PhaseAuthorize
	PhaseValidate
	PhaseExecute
)

func (p Phase) String() string {
	switch p {
	case PhaseResolve:
		return "resolve"
	case PhaseAuthorize:
		return "authorize"
	case PhaseValidate:
		return "validate"
	case PhaseExecute:
		return "execute"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Error tags a failure with the command and phase it came from.
type Error struct {
	Command string
	Phase   Phase
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ArgumentError names the argument that could not be parsed.
type ArgumentError struct {
	Field string
	Value string
	Err   error
}

// Malformed returns an ArgumentError for field.
func Malformed(field, value string, err error) *ArgumentError {
	return &ArgumentError{Field: field, Value: value, Err: err}
}

func (e *ArgumentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: invalid %s %q", ErrMalformedArgument, e.Field, e.Value)
	}
	return fmt.Sprintf("%s: invalid %s %q: %s", ErrMalformedArgument, e.Field, e.Value, e.Err)
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrMalformedArgument
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}
