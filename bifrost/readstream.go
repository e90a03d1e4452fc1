package bifrost

import (
	"context"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
)

// LogReadStream iterates (LSN, MaybeRecord) pairs across a log's chain,
// crossing segment boundaries transparently and parking at an open tail
// until a new segment appears or the requested upper bound is reached
// (spec.md §5, §9).
type LogReadStream struct {
	b      *Bifrost
	logID  logs.LogID
	filter logs.KeyFilter
	to     *logs.LSN

	seg     Segment
	current loglet.ReadStream
}

func newLogReadStream(b *Bifrost, logID logs.LogID, filter logs.KeyFilter, fromLSN logs.LSN, toLSN *logs.LSN, seg Segment) *LogReadStream {
	localFrom := logs.OldestOffset
	if fromLSN > seg.BaseLSN {
		localFrom = offsetFor(seg, fromLSN)
	}
	s := &LogReadStream{b: b, logID: logID, filter: filter, to: toLSN, seg: seg}
	s.current = s.openFor(seg, localFrom)
	return s
}

// openFor opens (or reuses) seg's loglet and returns a raw loglet read
// stream bounded by this LogReadStream's overall `to`, if it falls within
// seg's range.
func (s *LogReadStream) openFor(seg Segment, localFrom logs.LogletOffset) loglet.ReadStream {
	ll, err := s.b.openLoglet(s.logID, seg)
	if err != nil {
		return errStream{err: err}
	}
	var localTo *logs.LogletOffset
	if s.to != nil {
		lt := offsetFor(seg, *s.to)
		localTo = &lt
	}
	return ll.CreateReadStream(s.filter, localFrom, localTo)
}

// Next implements the same shape as loglet.ReadStream.Next, in LSN terms.
func (s *LogReadStream) Next(ctx context.Context) (logs.LSN, logs.MaybeRecord, bool, error) {
	for {
		off, rec, ok, err := s.current.Next(ctx)
		if err != nil {
			return 0, logs.MaybeRecord{}, false, err
		}
		if ok {
			lsn := lsnFor(s.seg, off)
			if s.to != nil && lsn >= *s.to {
				return 0, logs.MaybeRecord{}, false, nil
			}
			return lsn, rec, true, nil
		}

		// This segment's stream ended: either its sealed tail was reached,
		// or a bound was hit. Check whether the chain has grown a successor
		// segment to cross into.
		chain, err := s.b.getChain(ctx, s.logID)
		if err != nil {
			return 0, logs.MaybeRecord{}, false, err
		}
		next, found := chain.NextSegment(s.seg.Index)
		if !found {
			return 0, logs.MaybeRecord{}, false, nil
		}
		s.current.Close()
		s.seg = next
		s.current = s.openFor(next, logs.OldestOffset)
	}
}

// Close releases the current segment's underlying read stream.
func (s *LogReadStream) Close() error {
	return s.current.Close()
}

// errStream is a loglet.ReadStream that immediately fails every Next call,
// used when opening a segment's loglet fails partway through a cross-segment
// read so the error surfaces from Next rather than from the constructor.
type errStream struct{ err error }

func (e errStream) Next(ctx context.Context) (logs.LogletOffset, logs.MaybeRecord, bool, error) {
	return 0, logs.MaybeRecord{}, false, e.err
}
func (e errStream) Close() error { return nil }
