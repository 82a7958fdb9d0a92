// Package transform defines the contract between the pipeline and the
// external content-transformation service.
//
// The service is a black box: given document text it returns transformed text
// or fails. Failures carry a machine-distinguishable kind so callers can
// decide between retrying, backing off, giving up on one document, or
// aborting the whole run.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request carries a document to the transformation service. Identity and
// Category are context for the service only; no other pipeline state crosses
// this boundary.
type Request struct {
	// Identity is the document's normalized path, included so the service
	// can tailor output to the file.
	Identity string

	// Category is a caller-supplied classification hint (e.g. "markdown").
	Category string

	// Content is the document text to transform.
	Content string
}

// Transformer turns document content into transformed content.
type Transformer interface {
	Transform(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to the Transformer interface.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Transform(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrorKind classifies a transformation failure.
type ErrorKind int

const (
	// KindTransient marks failures believed to be temporary: 5xx responses,
	// timeouts, connection errors. Retried with exponential backoff.
	KindTransient ErrorKind = iota

	// KindRateLimited marks a server-signaled throttling condition. Retried
	// with longer, escalating delays.
	KindRateLimited

	// KindFatal marks failures that will not self-resolve, such as invalid
	// credentials. Aborts the whole run.
	KindFatal

	// KindProtocol marks a malformed or unparsable service response.
	// Terminal for the document, but the run continues.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified transformation failure.
type Error struct {
	Kind ErrorKind

	// RetryAfter is a server-suggested wait before the next attempt, when
	// the server provided one. Zero otherwise.
	RetryAfter time.Duration

	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transient builds a transient failure.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, Cause: cause}
}

// RateLimited builds a throttling failure. retryAfter may be zero.
func RateLimited(message string, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Message: message, Cause: cause}
}

// Fatal builds a non-retryable failure.
func Fatal(message string, cause error) *Error {
	return &Error{Kind: KindFatal, Message: message, Cause: cause}
}

// Protocol builds a malformed-response failure.
func Protocol(message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Cause: cause}
}

// KindOf returns the classification of err, or (0, false) when err is not a
// transform error.
func KindOf(err error) (ErrorKind, bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err is a fatal transformation failure.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindFatal
}
