// Package errs provides structured error types and helpers for fundwatch services.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category. The set is closed; retry and HTTP
// mapping decisions are made by code.
type Code string

const (
	// CodeCancelled indicates the operation was superseded or aborted.
	CodeCancelled Code = "cancelled"
	// CodeTimeout indicates no response arrived within the deadline.
	CodeTimeout Code = "timeout"
	// CodeTransport indicates a channel-level load failure.
	CodeTransport Code = "transport_failure"
	// CodeDataFormat indicates a response arrived but was malformed.
	CodeDataFormat Code = "data_format"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a duplicate or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeUnknown is reported by CodeOf for errors outside the taxonomy.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the fundwatch stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		RawMsg:    "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw upstream payload or message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf classifies err. Context cancellation maps to CodeCancelled and
// deadline expiry to CodeTimeout when no envelope is present in the chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeUnknown
}

// Is reports whether err is classified as code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Cancelled returns a standardized cancellation error for the component.
func Cancelled(component string, cause error) *E {
	return New(component, CodeCancelled, WithMessage("request cancelled"), WithCause(cause))
}

// ParseCode converts a configuration string into a known Code.
func ParseCode(raw string) (Code, bool) {
	switch code := Code(strings.ToLower(strings.TrimSpace(raw))); code {
	case CodeCancelled, CodeTimeout, CodeTransport, CodeDataFormat,
		CodeInvalid, CodeNotFound, CodeConflict, CodeUnavailable:
		return code, true
	}
	return "", false
}
