// Package logs holds the core data model shared by every Bifrost component:
// log/loglet identifiers, offsets, tail state, and the provider-agnostic
// record type. Storage and wire codecs for these types live alongside them
// in this package (keys.go, record.go) since every consumer — the local log
// store, the replicated log server, and the facade — must agree on the same
// bit-exact layout.
package logs

import "fmt"

// LogID identifies a logical log.
type LogID uint64

// LSN is a monotonically increasing offset inside a logical log.
type LSN uint64

const (
	// InvalidLSN is never assigned to a record.
	InvalidLSN LSN = 0
	// OldestLSN is the first assignable LSN in a log.
	OldestLSN LSN = 1
)

// LogletOffset is a monotonically increasing offset inside a single loglet
// (one segment of a log).
type LogletOffset uint32

const (
	// InvalidOffset is never assigned to a record.
	InvalidOffset LogletOffset = 0
	// OldestOffset is the first assignable offset in a loglet.
	OldestOffset LogletOffset = 1
)

// SegmentIndex is the position of a segment within a log's chain. It
// increases strictly with each new segment.
type SegmentIndex uint32

// ProviderKind identifies which loglet implementation backs a segment.
type ProviderKind uint8

const (
	ProviderLocal ProviderKind = iota + 1
	ProviderReplicated
	// ProviderFile is an intentional stub: the spec calls out a file-backed
	// loglet provider as future work (spec.md §9). It is enumerated so
	// registry dispatch stays exhaustive, but never constructible.
	ProviderFile
)

func (p ProviderKind) String() string {
	switch p {
	case ProviderLocal:
		return "local"
	case ProviderReplicated:
		return "replicated"
	case ProviderFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// LogletParams is opaque, provider-specific configuration: a filesystem path
// for the local provider, a serialized ReplicatedLogletParams for the
// replicated provider.
type LogletParams string

// LogletID uniquely identifies one loglet instance (one segment's runtime
// identity), scoped within the provider that owns it. The first segment of
// a log uses the LogID as its LogletID; each later segment gets a distinct
// LogletID, so several segments of the same log never share storage. Local
// loglets key storage by LogletID.
type LogletID uint64

// KeyFilter lets a reader skip records that don't match a key, without the
// store needing to understand application-level semantics. NoFilter matches
// everything.
type KeyFilter struct {
	// Any, if true, matches every record regardless of Keys.
	Any bool
	// Keys, when Any is false, is the set of keys a record's Keys must
	// intersect to match. An empty Keys matches every record.
	Keys []uint64
}

// NoFilter matches every record.
func NoFilter() KeyFilter { return KeyFilter{Any: true} }

// Matches reports whether the filter accepts a record carrying the given
// keys.
func (f KeyFilter) Matches(recordKeys []uint64) bool {
	if f.Any {
		return true
	}
	if len(f.Keys) == 0 {
		return true
	}
	want := make(map[uint64]struct{}, len(f.Keys))
	for _, k := range f.Keys {
		want[k] = struct{}{}
	}
	for _, k := range recordKeys {
		if _, ok := want[k]; ok {
			return true
		}
	}
	return false
}

// TailKind distinguishes an open (appendable) tail from a sealed one.
type TailKind uint8

const (
	TailOpen TailKind = iota
	TailSealed
)

// TailState describes the state of a loglet's tail. NextOffset is one past
// the last durable record. Once Sealed, the tail is frozen forever: Equal
// TailStates compare by (Kind, NextOffset).
type TailState struct {
	Kind       TailKind
	NextOffset LogletOffset
}

// Open constructs an open TailState.
func Open(next LogletOffset) TailState { return TailState{Kind: TailOpen, NextOffset: next} }

// Sealed constructs a sealed TailState.
func Sealed(next LogletOffset) TailState { return TailState{Kind: TailSealed, NextOffset: next} }

// IsSealed reports whether the tail is sealed.
func (t TailState) IsSealed() bool { return t.Kind == TailSealed }

// Regressed reports whether next is a regression relative to t — used to
// assert the "find_tail never regresses" invariant (spec.md §8.3).
func (t TailState) Regressed(next TailState) bool {
	if t.IsSealed() {
		// Once sealed, only the identical sealed tail may be observed again.
		return !(next.IsSealed() && next.NextOffset == t.NextOffset)
	}
	if next.IsSealed() {
		return next.NextOffset < t.NextOffset
	}
	return next.NextOffset < t.NextOffset
}

// GapKind distinguishes the two reasons a read stream may skip an offset
// without an error.
type GapKind uint8

const (
	// TrimGap covers a run of offsets removed by trim.
	TrimGap GapKind = iota
	// FilteredGap is a single record that exists but didn't match the
	// reader's KeyFilter.
	FilteredGap
)

// Gap represents a run of offsets (TrimGap) or a single offset
// (FilteredGap, where Until == From) that a read stream skips without
// error.
type Gap struct {
	Kind  GapKind
	From  LogletOffset
	Until LogletOffset // inclusive
}

// Record is the provider-agnostic envelope every loglet stores and returns.
type Record struct {
	Payload   []byte
	Keys      []uint64
	CreatedAt int64 // unix nanos
}

// EstimatedEncodedSize approximates the on-the-wire/on-disk size of the
// record, used by the record cache (spec.md §4.6) and by read-path byte
// budgets (spec.md §4.2) to account for space without re-encoding.
func (r Record) EstimatedEncodedSize() int {
	return len(r.Payload) + 8*len(r.Keys) + recordHeaderSize
}

// MaybeRecord is what a read returns for a single offset: either a Data
// record, or a Gap explaining why there's no data at that offset.
type MaybeRecord struct {
	IsData bool
	Data   Record
	Gap    Gap
}
