// Package logstore implements the persistent ordered record store shared by
// the local loglet (C5) and the replicated loglet's remote log servers
// (C7/C8): spec.md §4.2 (Store) and §4.3 (Writer).
package logstore

import (
	"context"

	"github.com/restatedev/bifrost/logs"
)

// Marker is the one-shot per-data-directory identifier proving a store
// belongs to a particular node (spec.md §3).
type Marker struct {
	NodeID string
	Token  string
}

// LogletState is the batched multi-key read LoadLogletState returns:
// sequencer identity (if any), the computed local tail, whether the loglet
// is sealed, and the trim point.
type LogletState struct {
	Sequencer string // empty if unset
	LocalTail logs.LogletOffset
	IsSealed  bool
	TrimPoint logs.LogletOffset
	HasTrim   bool
}

// Store is an enqueued batch of records starting at FirstOffset, occupying
// the contiguous range [FirstOffset, FirstOffset+len(Records)).
type Store struct {
	Loglet      logs.LogletID
	FirstOffset logs.LogletOffset
	Records     []logs.Record
}

// Seal marks a loglet immutable.
type Seal struct {
	Loglet logs.LogletID
}

// Trim advances a loglet's trim point.
type Trim struct {
	Loglet       logs.LogletID
	NewTrimPoint logs.LogletOffset
}

// SetSequencer records the (write-once) sequencer identity for a loglet.
type SetSequencer struct {
	Loglet logs.LogletID
	NodeID string
}

// GetRecords requests an ordered read over [From, To] (inclusive), bounded
// by ByteBudget, honoring Filter.
type GetRecords struct {
	Loglet     logs.LogletID
	From       logs.LogletOffset
	To         logs.LogletOffset
	Filter     logs.KeyFilter
	ByteBudget int
}

// Records is the ordered sequence of (offset, MaybeRecord) GetRecords
// returns, plus the offset the next call should resume from.
type Records struct {
	Entries    []Entry
	NextOffset logs.LogletOffset
}

// Entry pairs an offset with the record/gap found there.
type Entry struct {
	Offset logs.LogletOffset
	Rec    logs.MaybeRecord
}

// AsyncToken resolves once the enqueued write is durable (WAL synced if WAL
// is enabled, or the memtable flushed to an fsync boundary if it isn't).
type AsyncToken interface {
	Wait(ctx context.Context) error
}

// LogStore is the persistent engine interface. Read operations are
// synchronous; writes are handed to the Writer (writer.go) and return a
// token.
type LogStore interface {
	LoadMarker() (*Marker, error)
	StoreMarker(m Marker) error

	LoadLogletState(id logs.LogletID) (LogletState, error)

	ReadRecords(req GetRecords, state LogletState) (Records, error)

	Close() error
}
