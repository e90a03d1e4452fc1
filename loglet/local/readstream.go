package local

import (
	"context"
	"sync"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
)

// defaultReadByteBudget bounds a single logstore.ReadRecords call so one
// Next() call never pulls an unbounded amount of data into memory.
const defaultReadByteBudget = 1 << 20 // 1MiB

// localReadStream implements loglet.ReadStream over a LocalLoglet. It keeps
// a small backlog of already-fetched entries (original_source/read_stream.rs:
// flush what's buffered before asking the store for more) and re-checks the
// trim point before handing out a buffered entry, since a trim can advance
// past an offset between the fetch and the delivery (spec.md §4.2).
type localReadStream struct {
	l      *LocalLoglet
	filter logs.KeyFilter
	from   logs.LogletOffset
	to     *logs.LogletOffset

	backlog []logstore.Entry

	changed   <-chan logs.TailState
	closed    chan struct{}
	closeOnce sync.Once
}

func newReadStream(l *LocalLoglet, filter logs.KeyFilter, from logs.LogletOffset, to *logs.LogletOffset) *localReadStream {
	closed := make(chan struct{})
	return &localReadStream{
		l:       l,
		filter:  filter,
		from:    from,
		to:      to,
		changed: Subscribe(l.tail, closed),
		closed:  closed,
	}
}

// Next implements loglet.ReadStream.
func (s *localReadStream) Next(ctx context.Context) (logs.LogletOffset, logs.MaybeRecord, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, logs.MaybeRecord{}, false, ctx.Err()
		case <-s.closed:
			return 0, logs.MaybeRecord{}, false, nil
		default:
		}

		if s.to != nil && s.from >= *s.to {
			return 0, logs.MaybeRecord{}, false, nil
		}

		if entry, ok := s.nextFromBacklog(); ok {
			return entry.Offset, entry.Rec, true, nil
		}

		tail := s.l.tail.Load()
		upper := tail.NextOffset
		if s.to != nil && *s.to < upper {
			upper = *s.to
		}

		if s.from >= upper {
			if tail.IsSealed() {
				return 0, logs.MaybeRecord{}, false, nil
			}
			select {
			case <-ctx.Done():
				return 0, logs.MaybeRecord{}, false, ctx.Err()
			case <-s.closed:
				return 0, logs.MaybeRecord{}, false, nil
			case <-s.changed:
				continue
			}
		}

		trimPoint, hasTrim, _ := s.l.GetTrimPoint(ctx)
		state := logstore.LogletState{
			LocalTail: tail.NextOffset,
			IsSealed:  tail.IsSealed(),
			TrimPoint: trimPoint,
			HasTrim:   hasTrim,
		}
		req := logstore.GetRecords{
			Loglet:     s.l.id,
			From:       s.from,
			To:         upper - 1,
			Filter:     s.filter,
			ByteBudget: defaultReadByteBudget,
		}
		recs, err := s.l.store.ReadRecords(req, state)
		if err != nil {
			return 0, logs.MaybeRecord{}, false, loglet.WrapStorage(err)
		}
		s.from = recs.NextOffset
		s.backlog = recs.Entries
	}
}

// nextFromBacklog pops the next buffered entry, first collapsing any prefix
// of the backlog that a concurrent trim has since covered into a single
// TrimGap (spec.md §4.2).
func (s *localReadStream) nextFromBacklog() (logstore.Entry, bool) {
	if len(s.backlog) == 0 {
		return logstore.Entry{}, false
	}
	trimPoint, hasTrim, _ := s.l.GetTrimPoint(context.Background())
	if hasTrim {
		i := 0
		for i < len(s.backlog) && s.backlog[i].Offset <= trimPoint {
			i++
		}
		if i > 0 {
			dropped := s.backlog[:i]
			s.backlog = s.backlog[i:]
			until := dropped[len(dropped)-1].Offset
			if last := dropped[len(dropped)-1].Rec; !last.IsData && last.Gap.Until > until {
				until = last.Gap.Until
			}
			gap := logs.Gap{Kind: logs.TrimGap, From: dropped[0].Offset, Until: until}
			return logstore.Entry{Offset: gap.From, Rec: logs.MaybeRecord{Gap: gap}}, true
		}
	}
	entry := s.backlog[0]
	s.backlog = s.backlog[1:]
	return entry, true
}

// Close implements loglet.ReadStream.
func (s *localReadStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
