// Package failure classifies pipeline errors so the run controller can tell
// retryable absence from schema mismatch and hard failures from best-effort ones.
package failure

import (
	"errors"
	"strings"
)

// Kind groups errors by how the run controller must react to them.
type Kind string

// Supported error kinds.
const (
	// KindTransport covers network failures, timeouts, non-2xx responses and
	// database connection failures. Only this kind is retried.
	KindTransport Kind = "transport"
	// KindValidation covers empty upstream payloads and malformed rows.
	KindValidation Kind = "validation"
	// KindPersistence names a duplicate-date conflict in a sink. The stores
	// resolve conflicts by upsert, so no component returns it.
	KindPersistence Kind = "persistence"
	// KindEnvironment covers expected environment gaps such as a missing repository.
	KindEnvironment Kind = "environment"
	// KindTool covers external tool failures, including missing snapshot metadata.
	KindTool Kind = "tool"
	// KindInternal is the default for unclassified errors.
	KindInternal Kind = "internal"
)

// Sentinel causes callers match with errors.Is.
var (
	ErrNoData          = errors.New("no data received")
	ErrMalformed       = errors.New("malformed record")
	ErrMetadataMissing = errors.New("snapshot metadata file not created")
)

// Error is a classified error. It wraps the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs a classified error.
func New(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// Transport marks err as a transient transport failure.
func Transport(op string, err error) *Error {
	return New(KindTransport, op, "", err)
}

// Validation marks a payload or schema problem. cause is usually ErrNoData or ErrMalformed.
func Validation(op, msg string, cause error) *Error {
	return New(KindValidation, op, msg, cause)
}

// Tool marks an external tool failure.
func Tool(op, msg string, cause error) *Error {
	return New(KindTool, op, msg, cause)
}

// Environment marks an expected environment gap.
func Environment(op, msg string) *Error {
	return New(KindEnvironment, op, msg, nil)
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a stage failing with err is worth another attempt.
func Retryable(err error) bool {
	return Is(err, KindTransport)
}
