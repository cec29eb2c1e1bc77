package qjsbind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an Error.
type Kind string

const (
	KindConversion        Kind = "conversion"
	KindInternal          Kind = "internal"
	KindException         Kind = "exception"
	KindOutOfMemory       Kind = "out_of_memory"
	KindCircularReference Kind = "circular_reference"
)

// Error is the structured error type returned by every fallible operation.
type Error struct {
	Kind Kind
	// Op names the operation that failed, like "eval" or "property".
	Op     string
	Detail string
	// Value is the thrown value for KindException, the stringified exception
	// as an owned JS string. It is released with the context.
	Value *OwnedValue
	Cause error
}

var (
	ErrConversion        = &Error{Kind: KindConversion}
	ErrInternal          = &Error{Kind: KindInternal}
	ErrException         = &Error{Kind: KindException}
	ErrOutOfMemory       = &Error{Kind: KindOutOfMemory}
	ErrCircularReference = &Error{Kind: KindCircularReference}

	// The following are causes of conversion and internal errors. Match them
	// with errors.Is.
	ErrUnexpectedType        = errors.New("unexpected type")
	ErrNotFound              = errors.New("property not found")
	ErrInvalidArgumentCount  = errors.New("invalid argument count")
	ErrClosed                = errors.New("context closed")
	errCallbackPanicked      = errors.New("Callback panicked!")
	errNoPendingJobs         = errors.New("promise can not settle: no pending jobs")
	errUnknownException      = errors.New("Unknown exception")
	errExceptionNotCatchable = errors.New("could not retrieve the pending exception")
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindException:
		return e.Detail
	case KindOutOfMemory:
		return "Out of memory: runtime memory limit exceeded"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil && e.Cause.Error() != e.Detail {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same Kind, so errors.Is(err, ErrOutOfMemory)
// works for any out of memory error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// ErrorBuilder provides structured error construction.
type ErrorBuilder struct {
	err Error
}

func NewError(kind Kind) *ErrorBuilder {
	return &ErrorBuilder{err: Error{Kind: kind}}
}

func (b *ErrorBuilder) Op(op string) *ErrorBuilder {
	b.err.Op = op
	return b
}

func (b *ErrorBuilder) Detail(msg string, args ...any) *ErrorBuilder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *ErrorBuilder) Value(v *OwnedValue) *ErrorBuilder {
	b.err.Value = v
	return b
}

func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

func (b *ErrorBuilder) Build() *Error {
	return &b.err
}

func conversionError(op string, cause error, format string, args ...any) *Error {
	return NewError(KindConversion).Op(op).Cause(cause).Detail(format, args...).Build()
}

func internalError(op string, cause error) *Error {
	return NewError(KindInternal).Op(op).Cause(cause).Detail("%s", cause.Error()).Build()
}

// unexpectedType is the error of a failed typed view downcast.
func unexpectedType(op, want string, got *OwnedValue) *Error {
	return conversionError(op, ErrUnexpectedType, "expected %s, got %s", want, got.Tag())
}
