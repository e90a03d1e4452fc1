package bifrost

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/metadatastore"
)

// ErrLogNotFound is returned for any operation on a LogID that has never
// been created.
var ErrLogNotFound = errors.New("bifrost: log not found")

// Bifrost is the facade the rest of the platform consumes (C10, spec.md
// §1/§6): append/read/trim/seal/find_tail/get_trim_point in terms of LSNs,
// composed from the chain registry (C9) and whichever loglet provider
// backs each segment.
type Bifrost struct {
	metadata *metadatastore.Store
	registry *ProviderRegistry
	logger   logger.Logger

	mu      sync.Mutex
	chains  map[logs.LogID]*LogChain
	loglets map[logs.LogletID]loglet.Loglet
}

// New constructs a Bifrost facade over an already-open metadata store and
// provider registry.
func New(metadata *metadatastore.Store, registry *ProviderRegistry, log logger.Logger) *Bifrost {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bifrost{
		metadata: metadata,
		registry: registry,
		logger:   log,
		chains:   make(map[logs.LogID]*LogChain),
		loglets:  make(map[logs.LogletID]loglet.Loglet),
	}
}

// CreateLog creates a new log with a single initial segment backed by the
// given provider. logID must not already exist.
func (b *Bifrost) CreateLog(ctx context.Context, logID logs.LogID, provider logs.ProviderKind, params logs.LogletParams) error {
	chain := LogChain{
		LogID: logID,
		Segments: []Segment{{
			Index:    0,
			BaseLSN:  logs.OldestLSN,
			Provider: provider,
			Params:   params,
			LogletID: logs.LogletID(logID),
		}},
	}
	encoded, err := encodeChain(chain)
	if err != nil {
		return err
	}
	version, err := b.metadata.StoreChain(ctx, logID, 0, encoded)
	if err != nil {
		return err
	}
	chain.Version = version

	b.mu.Lock()
	b.chains[logID] = &chain
	b.mu.Unlock()
	return nil
}

func (b *Bifrost) getChain(ctx context.Context, logID logs.LogID) (*LogChain, error) {
	b.mu.Lock()
	if c, ok := b.chains[logID]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	data, version, err := b.metadata.LoadChain(logID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrLogNotFound
	}
	chain, err := decodeChain(data)
	if err != nil {
		return nil, err
	}
	chain.Version = version

	b.mu.Lock()
	b.chains[logID] = &chain
	b.mu.Unlock()
	return &chain, nil
}

func (b *Bifrost) openLoglet(logID logs.LogID, seg Segment) (loglet.Loglet, error) {
	b.mu.Lock()
	if ll, ok := b.loglets[seg.LogletID]; ok {
		b.mu.Unlock()
		return ll, nil
	}
	b.mu.Unlock()

	ll, err := b.registry.Open(logID, seg)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.loglets[seg.LogletID]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.loglets[seg.LogletID] = ll
	b.mu.Unlock()
	return ll, nil
}

// lsnFor translates a segment-local offset into the log-wide LSN space.
func lsnFor(seg Segment, offset logs.LogletOffset) logs.LSN {
	return seg.BaseLSN + logs.LSN(offset-logs.OldestOffset)
}

// offsetFor translates a log-wide LSN into seg's local offset space.
// Callers must ensure lsn falls within seg's range.
func offsetFor(seg Segment, lsn logs.LSN) logs.LogletOffset {
	return logs.OldestOffset + logs.LogletOffset(lsn-seg.BaseLSN)
}

// Append appends records to logID's tail segment, extending the chain
// (sealing the current segment and opening a new one) if the tail loglet
// reports itself sealed — either because the loglet was sealed directly, or
// because it seals itself after an append failure (spec.md §4.5). A log
// sealed through Seal is not extended: Append returns loglet.ErrSealed.
func (b *Bifrost) Append(ctx context.Context, logID logs.LogID, records []logs.Record) (logs.LSN, error) {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		seg, ok := chain.TailSegment()
		if !ok {
			return 0, ErrLogNotFound
		}
		if seg.Sealed {
			return 0, loglet.ErrSealed
		}
		ll, err := b.openLoglet(logID, seg)
		if err != nil {
			return 0, err
		}

		tok, err := ll.EnqueueBatch(ctx, records)
		if err == nil {
			off, waitErr := tok.Wait(ctx)
			if waitErr == nil {
				return lsnFor(seg, off), nil
			}
			err = waitErr
		}
		if loglet.KindOf(err) != loglet.KindSealed {
			return 0, err
		}

		chain, err = b.extendChain(ctx, logID, chain, seg)
		if err != nil {
			return 0, err
		}
	}
	return 0, errors.New("bifrost: append failed after chain extension")
}

// extendChain seals seg's loglet (if not already sealed) and appends a new
// segment to the chain using the same provider/params. On a metadata version
// conflict from a concurrent extender it does not retry itself: it reloads
// and returns the current chain, and the caller retries against it.
func (b *Bifrost) extendChain(ctx context.Context, logID logs.LogID, chain *LogChain, seg Segment) (*LogChain, error) {
	ll, err := b.openLoglet(logID, seg)
	if err != nil {
		return nil, err
	}
	if err := ll.Seal(ctx); err != nil && loglet.KindOf(err) != loglet.KindSealed {
		return nil, err
	}
	tail, err := ll.FindTail(ctx)
	if err != nil {
		return nil, err
	}

	next := LogChain{LogID: chain.LogID, Segments: append([]Segment(nil), chain.Segments...), Version: chain.Version}
	next.Segments[len(next.Segments)-1].Sealed = true
	newSeg := Segment{
		Index:    seg.Index + 1,
		BaseLSN:  lsnFor(seg, tail.NextOffset),
		Provider: seg.Provider,
		Params:   seg.Params,
		LogletID: logs.LogletID(uint64(logID)<<20 | uint64(seg.Index+1)),
	}
	next.Segments = append(next.Segments, newSeg)

	encoded, err := encodeChain(next)
	if err != nil {
		return nil, err
	}
	version, err := b.metadata.StoreChain(ctx, logID, chain.Version, encoded)
	if err != nil {
		if errors.Is(err, metadatastore.ErrVersionConflict) {
			// Someone else extended first: reload and let the caller retry
			// against the fresh chain.
			b.mu.Lock()
			delete(b.chains, logID)
			b.mu.Unlock()
			return b.getChain(ctx, logID)
		}
		return nil, err
	}
	next.Version = version

	b.mu.Lock()
	b.chains[logID] = &next
	b.mu.Unlock()
	return &next, nil
}

// FindTail returns the log's current tail LSN and whether it is sealed.
func (b *Bifrost) FindTail(ctx context.Context, logID logs.LogID) (logs.LSN, bool, error) {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return 0, false, err
	}
	seg, ok := chain.TailSegment()
	if !ok {
		return 0, false, ErrLogNotFound
	}
	ll, err := b.openLoglet(logID, seg)
	if err != nil {
		return 0, false, err
	}
	tail, err := ll.FindTail(ctx)
	if err != nil {
		return 0, false, err
	}
	return lsnFor(seg, tail.NextOffset), tail.IsSealed(), nil
}

// Seal permanently seals logID: no further Append calls succeed, and the
// chain never extends again.
func (b *Bifrost) Seal(ctx context.Context, logID logs.LogID) error {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return err
	}
	seg, ok := chain.TailSegment()
	if !ok {
		return ErrLogNotFound
	}
	ll, err := b.openLoglet(logID, seg)
	if err != nil {
		return err
	}
	if err := ll.Seal(ctx); err != nil && loglet.KindOf(err) != loglet.KindSealed {
		return err
	}

	next := LogChain{LogID: chain.LogID, Segments: append([]Segment(nil), chain.Segments...), Version: chain.Version}
	next.Segments[len(next.Segments)-1].Sealed = true
	encoded, err := encodeChain(next)
	if err != nil {
		return err
	}
	version, err := b.metadata.StoreChain(ctx, logID, chain.Version, encoded)
	if err != nil {
		return err
	}
	next.Version = version

	b.mu.Lock()
	b.chains[logID] = &next
	b.mu.Unlock()
	return nil
}

// GetTrimPoint returns the highest LSN guaranteed trimmed, or (0, false) if
// nothing has been trimmed yet.
func (b *Bifrost) GetTrimPoint(ctx context.Context, logID logs.LogID) (logs.LSN, bool, error) {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return 0, false, err
	}

	var highest logs.LSN
	found := false
	for _, seg := range chain.Segments {
		ll, err := b.openLoglet(logID, seg)
		if err != nil {
			return 0, false, err
		}
		tp, has, err := ll.GetTrimPoint(ctx)
		if err != nil {
			return 0, false, err
		}
		if !has {
			break
		}
		highest = lsnFor(seg, tp)
		found = true
		tail, err := ll.FindTail(ctx)
		if err != nil {
			return 0, false, err
		}
		if !tail.IsSealed() || tp < tail.NextOffset-1 {
			// This segment isn't fully trimmed: the global trim point stops
			// here, don't look at later segments.
			break
		}
	}
	return highest, found, nil
}

// Trim advances the log's trim point to lsn (inclusive). Segments entirely
// below lsn are trimmed in full; the segment containing lsn is trimmed
// partially.
func (b *Bifrost) Trim(ctx context.Context, logID logs.LogID, lsn logs.LSN) error {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return err
	}

	for _, seg := range chain.Segments {
		ll, err := b.openLoglet(logID, seg)
		if err != nil {
			return err
		}
		if seg.Sealed {
			tail, err := ll.FindTail(ctx)
			if err != nil {
				return err
			}
			segLastLSN := lsnFor(seg, tail.NextOffset-1)
			if segLastLSN <= lsn {
				if err := ll.Trim(ctx, tail.NextOffset-1); err != nil {
					return err
				}
				continue
			}
		}
		if lsn < seg.BaseLSN {
			break
		}
		if err := ll.Trim(ctx, offsetFor(seg, lsn)); err != nil {
			return err
		}
		break
	}
	return nil
}

// CreateReadStream returns a stream over [fromLSN, toLSN) crossing segment
// boundaries as needed (toLSN == nil means unbounded).
func (b *Bifrost) CreateReadStream(ctx context.Context, logID logs.LogID, filter logs.KeyFilter, fromLSN logs.LSN, toLSN *logs.LSN) (*LogReadStream, error) {
	chain, err := b.getChain(ctx, logID)
	if err != nil {
		return nil, err
	}
	seg, ok := chain.FindSegmentForLSN(fromLSN)
	if !ok {
		seg, ok = chain.Segments[0], len(chain.Segments) > 0
		if !ok {
			return nil, ErrLogNotFound
		}
	}
	return newLogReadStream(b, logID, filter, fromLSN, toLSN, seg), nil
}
