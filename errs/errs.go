// Package errs provides structured error types and helpers for the
// execution engine.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeConfiguration indicates invalid or missing configuration; the
	// affected feature fails closed without crashing the loop.
	CodeConfiguration Code = "configuration"
	// CodeStateStoreInit indicates the persistent store could not be
	// opened or migrated; fatal for the cycle, no orders are submitted.
	CodeStateStoreInit Code = "state_store_init"
	// CodeSubmission indicates a per-order broker submission failure,
	// isolated from sibling orders and retried next cycle.
	CodeSubmission Code = "submission"
	// CodeLedgerWrite indicates an audit artifact could not be written;
	// the previous file version is guaranteed intact.
	CodeLedgerWrite Code = "ledger_write"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeNotFound indicates a missing record.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the engine.
type E struct {
	Origin   string
	Code     Code
	Message  string
	Symbol   string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating component and code.
func New(origin string, code Code, opts ...Option) *E {
	e := &E{
		Origin:   strings.TrimSpace(origin),
		Code:     code,
		Message:  "",
		Symbol:   "",
		Metadata: nil,
		cause:    nil,
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

// WithSymbol records the symbol the failure relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
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

	origin := strings.TrimSpace(e.Origin)
	if origin == "" {
		origin = "unknown"
	}
	parts = append(parts, "origin="+origin)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
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

// CodeOf extracts the engine error code from err, or the empty code when
// err carries no structured envelope.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
