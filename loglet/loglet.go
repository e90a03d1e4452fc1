// Package loglet defines the contract every loglet provider satisfies
// (spec.md §4.4) and the error taxonomy shared by both implementations
// (spec.md §7).
package loglet

import (
	"context"

	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logs"
)

// ErrorKind classifies a loglet error so callers can branch on taxonomy
// instead of string matching, per spec.md §7.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindShutdown
	KindSealed
	KindInsufficientReplication
	KindEncode
	KindDecode
	KindStorage
	KindTransport
)

// Error is the common error type every loglet operation returns on failure.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

var (
	// ErrShutdown: the process is terminating. Not retryable.
	ErrShutdown = newError(KindShutdown, "loglet: shutdown")
	// ErrSealed: the loglet cannot accept further writes.
	ErrSealed = newError(KindSealed, "loglet: sealed")
	// ErrInsufficientReplication: the sequencer could not secure N copies
	// within its retry budget. Triggers auto-seal.
	ErrInsufficientReplication = newError(KindInsufficientReplication, "loglet: insufficient replication")
)

// WrapStorage tags err as a storage-layer failure (spec.md §7's
// Rocksdb/Io bucket).
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return wrapError(KindStorage, "loglet: storage error", err)
}

// WrapTransport tags err as an RPC transport failure, retryable by the
// sequencer/client but not by user code.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return wrapError(KindTransport, "loglet: transport error", err)
}

// WrapDecode tags err as a corrupt-record/bad-payload failure: fatal to the
// single operation, but never poisons the loglet.
func WrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return wrapError(KindDecode, "loglet: decode error", err)
}

// KindOf extracts the ErrorKind from err, defaulting to KindUnknown for
// errors this package didn't produce.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// CommitToken resolves once the batch containing the corresponding append
// has committed (or failed). On success it carries the offset assigned to
// the first record of the batch (spec.md §4.4).
type CommitToken struct {
	done chan struct{}
	off  logs.LogletOffset
	err  error
}

// NewCommitToken constructs a token in its pending state. Resolve must be
// called exactly once.
func NewCommitToken() (*CommitToken, func(logs.LogletOffset, error)) {
	t := &CommitToken{done: make(chan struct{})}
	resolve := func(off logs.LogletOffset, err error) {
		t.off = off
		t.err = err
		close(t.done)
	}
	return t, resolve
}

// Wait blocks until the token resolves or ctx is cancelled.
func (t *CommitToken) Wait(ctx context.Context) (logs.LogletOffset, error) {
	select {
	case <-t.done:
		return t.off, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Loglet is the capability set every provider (local, replicated) exposes
// (spec.md §4.4). Ordering guarantee: for append calls whose returned
// tokens are t1 then t2 in caller order on the same Loglet, the assigned
// offsets satisfy o1 < o2. Records within one EnqueueBatch call occupy a
// contiguous offset range.
type Loglet interface {
	// EnqueueBatch appends an ordered batch of records, returning a token
	// that resolves to the first assigned offset.
	EnqueueBatch(ctx context.Context, records []logs.Record) (*CommitToken, error)

	// FindTail returns the loglet's current tail state.
	FindTail(ctx context.Context) (logs.TailState, error)

	// GetTrimPoint returns the highest offset guaranteed removed, or
	// (0, false) if nothing has been trimmed.
	GetTrimPoint(ctx context.Context) (logs.LogletOffset, bool, error)

	// Trim advances the trim point to newTrimPoint (inclusive). Idempotent:
	// trimming to an offset at or below the current trim point is a no-op.
	Trim(ctx context.Context, newTrimPoint logs.LogletOffset) error

	// Seal marks the loglet as immutable. Idempotent.
	Seal(ctx context.Context) error

	// CreateReadStream returns a stream over [from, to) (to == nil means
	// unbounded) honoring filter.
	CreateReadStream(filter logs.KeyFilter, from logs.LogletOffset, to *logs.LogletOffset) ReadStream

	// WatchTail returns a channel of TailState updates. The channel is
	// lossy: subscribers observe the latest value, not every intermediate
	// one, which is sufficient because the tail is monotone.
	WatchTail() <-chan logs.TailState
}

// ReadStream iterates (offset, MaybeRecord) pairs in offset order.
type ReadStream interface {
	// Next blocks until the next entry is available, ctx is cancelled, or
	// the stream is exhausted (ok == false).
	Next(ctx context.Context) (offset logs.LogletOffset, rec logs.MaybeRecord, ok bool, err error)
	Close() error
}
