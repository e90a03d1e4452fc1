package replicated

import (
	"context"
	"sync"
	"time"

	"github.com/restatedev/bifrost/logs"
)

const clientReadByteBudget = 1 << 20 // 1MiB per fetch, matching the local read stream's budget

// clientReadStream is a sequencer-less read stream over a replicated
// loglet's node set (C8). It reads from one node at a time, failing over
// to the next on a transport error or an unconvincing gap, and polls
// find_tail to decide whether to keep waiting on an open tail.
type clientReadStream struct {
	client *Client
	filter logs.KeyFilter
	from   logs.LogletOffset
	to     *logs.LogletOffset
	node   int // index into client.params.NodeSet of the node currently being read from

	backlog []Entry

	closed    chan struct{}
	closeOnce sync.Once
}

// Entry mirrors logstore.Entry field for field (GetRecordsResponse.Entries
// is []logstore.Entry); it is a thin local alias used only inside the
// backlog.
type Entry = struct {
	Offset logs.LogletOffset
	Rec    logs.MaybeRecord
}

func (s *clientReadStream) currentNode() string {
	set := s.client.params.NodeSet
	if len(set) == 0 {
		return ""
	}
	return set[s.node%len(set)]
}

func (s *clientReadStream) advanceNode() {
	s.node++
}

func (s *clientReadStream) Next(ctx context.Context) (logs.LogletOffset, logs.MaybeRecord, bool, error) {
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

		if len(s.backlog) > 0 {
			entry := s.backlog[0]
			if entry.Rec.IsData || s.confirmGap(ctx, entry) {
				s.backlog = s.backlog[1:]
				return entry.Offset, entry.Rec, true, nil
			}
			// A sibling node had real data at this offset: refetch from
			// there instead of trusting the gap.
			s.backlog = nil
			continue
		}

		tail, err := s.client.FindTail(ctx)
		if err != nil {
			return 0, logs.MaybeRecord{}, false, err
		}
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
			case <-time.After(s.client.opts.RequestTimeout):
				continue
			}
		}

		node := s.currentNode()
		resp, err := s.client.transport.GetRecords(ctx, node, GetRecordsRequest{
			Loglet:     s.client.params.LogletID,
			From:       s.from,
			To:         upper - 1,
			Filter:     s.filter,
			ByteBudget: clientReadByteBudget,
		})
		if err != nil || resp.Err != "" {
			s.advanceNode()
			continue
		}
		s.from = resp.NextOffset
		for _, e := range resp.Entries {
			s.backlog = append(s.backlog, Entry{Offset: e.Offset, Rec: e.Rec})
		}
	}
}

// confirmGap cross-checks a gap entry against the rest of the node set.
// Returns true if the gap is real (no sibling had data there), false if a
// sibling produced real data — in which case the caller should refetch
// starting at entry.Offset from that sibling.
func (s *clientReadStream) confirmGap(ctx context.Context, entry Entry) bool {
	if entry.Rec.Gap.Kind != logs.TrimGap {
		return true // FilteredGap is never a hole, it's a legitimate filter miss
	}
	set := s.client.params.NodeSet
	for i := 1; i < len(set); i++ {
		node := set[(s.node+i)%len(set)]
		resp, err := s.client.transport.GetRecords(ctx, node, GetRecordsRequest{
			Loglet:     s.client.params.LogletID,
			From:       entry.Offset,
			To:         entry.Offset,
			Filter:     s.filter,
			ByteBudget: clientReadByteBudget,
		})
		if err != nil || resp.Err != "" || len(resp.Entries) == 0 {
			continue
		}
		if resp.Entries[0].Rec.IsData {
			s.node = (s.node + i) % len(set)
			s.from = entry.Offset
			return false
		}
	}
	return true
}

func (s *clientReadStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
