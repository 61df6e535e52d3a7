// Package errs provides structured error types and helpers for Relay services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category shared by every Relay component.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict or duplicate registration.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component cannot serve the call right now.
	CodeUnavailable Code = "unavailable"
	// CodeStorage indicates a relational store failure.
	CodeStorage Code = "storage"
	// CodeHandler indicates a failure raised by a registered outbox or job handler.
	CodeHandler Code = "handler"
)

// E is the error envelope returned by relay components. Metadata carries identifiers
// such as queue or handler names.
type E struct {
	Component string
	Code      Code
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	message = strings.TrimSpace(message)
	return func(e *E) { e.Message = message }
}

// WithCause sets the wrapped error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithField records one metadata pair. Blank keys are ignored.
func WithField(key, value string) Option {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[key] = value
	}
}

// Error renders the envelope as space-separated key=value pairs with metadata keys sorted.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("component=")
	b.WriteString(orUnknown(e.Component))
	b.WriteString(" code=")
	b.WriteString(orUnknown(string(e.Code)))
	if e.Message != "" {
		b.WriteString(" message=")
		b.WriteString(strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" meta=")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strconv.Quote(e.Metadata[k]))
		}
	}
	if e.cause != nil {
		b.WriteString(" cause=")
		b.WriteString(strconv.Quote(e.cause.Error()))
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

// CodeOf returns the code of the first envelope in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
