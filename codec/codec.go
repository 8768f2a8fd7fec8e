// Package codec converts handler invocations and result values to and
// from opaque byte envelopes.
//
// Callables cannot be serialized in Go, so an envelope carries a stable
// handler name instead; the worker resolves it against a process-local
// Registry populated at startup. The queue and worker treat envelopes and
// encoded values as opaque bytes.
package codec

import (
	"context"
	"fmt"
)

// Invocation carries the decoded arguments of one envelope.
type Invocation struct {
	// Positional arguments, in submission order.
	Args []any
	// Keyword arguments.
	Kwargs map[string]any
	// Optional opaque per-task context persisted with the envelope. The
	// core never interprets it; it is handed back to the handler verbatim.
	Context map[string]string
}

// HandlerFunc executes one task invocation and returns its result value.
// Handlers run on their own goroutine and may block; they must be
// idempotent because delivery is at-least-once.
type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

// Codec is the envelope and value codec consumed by the queue and worker.
//
// EncodeEnvelope/DecodeEnvelope and EncodeValue/DecodeValue must round-trip,
// including a nil result value.
type Codec interface {
	EncodeEnvelope(handler string, inv Invocation) ([]byte, error)
	DecodeEnvelope(data []byte) (handler string, inv Invocation, err error)
	EncodeValue(v any) ([]byte, error)
	DecodeValue(data []byte) (any, error)
}

// Error reports an encode or decode failure.
type Error struct {
	Op  string // "encode envelope", "decode value", ...
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
