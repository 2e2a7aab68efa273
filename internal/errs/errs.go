// Package errs provides the structured error taxonomy shared across QuoteWire.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies an error category with fixed propagation rules.
type Kind string

const (
	// KindValidation indicates bad caller input (shape, range, size).
	KindValidation Kind = "validation"
	// KindNotFound indicates no provider or capability matched the request.
	KindNotFound Kind = "not_found"
	// KindUpstreamTimeout indicates a provider fetch exceeded its deadline.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindUpstreamFailure indicates the provider returned an error.
	KindUpstreamFailure Kind = "upstream_failure"
	// KindTransformFailure indicates field mapping failed for a payload.
	KindTransformFailure Kind = "transform_failure"
	// KindStorageFailure indicates a persist or cache store failed. Never user-visible.
	KindStorageFailure Kind = "storage_failure"
	// KindGatewayBroadcast indicates the gateway rejected a push. Counted, not retried.
	KindGatewayBroadcast Kind = "gateway_broadcast_error"
	// KindMemoryPressure indicates the governor detected high pressure.
	KindMemoryPressure Kind = "memory_pressure"
	// KindCircuitOpen indicates the breaker is suppressing downstream calls.
	KindCircuitOpen Kind = "circuit_open"
	// KindRateLimited indicates the connection limiter rejected the request.
	KindRateLimited Kind = "rate_limited"
)

// E is the error envelope produced across the QuoteWire stack.
type E struct {
	Op      string
	Kind    Kind
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for an operation and kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Kind: kind,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(format string, args ...any) Option {
	msg := fmt.Sprintf(format, args...)
	return func(e *E) {
		e.Message = msg
	}
}

// WithCause records the wrapped underlying error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField records a structured detail on the envelope.
func WithField(key, value string) Option {
	return func(e *E) {
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[key] = value
	}
}

func (e *E) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// KindUpstreamFailure, the conservative user-visible default.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamFailure
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps an error kind to its transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// UserVisible reports whether the kind may surface to a caller. Operational
// kinds are counted and logged but never poison in-flight responses.
func UserVisible(kind Kind) bool {
	switch kind {
	case KindValidation, KindNotFound, KindUpstreamTimeout, KindUpstreamFailure, KindTransformFailure, KindRateLimited:
		return true
	default:
		return false
	}
}
