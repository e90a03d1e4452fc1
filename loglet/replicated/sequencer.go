package replicated

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/loglet/local"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// SequencerOptions configures a Sequencer (spec.md §4.5).
type SequencerOptions struct {
	// MaxInFlight bounds next_offset - known_global_tail: the sequencer
	// back-pressures appenders once this many offsets are unconfirmed
	// contiguously durable (spec.md §4.5 Open Question, SPEC_FULL.md §13).
	MaxInFlight int
	// MaxRetries bounds how many replication attempts a batch gets before
	// the sequencer gives up and seals.
	MaxRetries int
	// RetryBaseDelay is the first retry backoff; each subsequent retry
	// doubles it.
	RetryBaseDelay time.Duration
	Logger         logger.Logger
}

func (o *SequencerOptions) setDefaults() {
	if o.MaxInFlight == 0 {
		o.MaxInFlight = 1000
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

type pendingAppend struct {
	count   int
	resolve func(logs.LogletOffset, error)
}

// Sequencer is the single node elected to order and replicate appends for
// one replicated-loglet segment (C7, spec.md §4.5): it assigns contiguous
// offsets, fans each batch out to the segment's node set, and resolves each
// append's CommitToken as soon as that batch alone reaches quorum, while
// separately tracking known_global_tail as the contiguous prefix every
// batch up to that point has reached quorum — the boundary readers may
// safely observe.
type Sequencer struct {
	params    ReplicatedLogletParams
	selfNode  string
	transport Transport
	opts      SequencerOptions
	latency   *hdrhistogram.Histogram

	mu              sync.Mutex
	nextOffset      logs.LogletOffset
	knownGlobalTail logs.LogletOffset
	sealed          bool
	pending         map[logs.LogletOffset]*pendingAppend
	committedRanges map[logs.LogletOffset]int // quorum-committed but not yet folded into knownGlobalTail
	capacityFreed   chan struct{}              // closed+replaced whenever knownGlobalTail advances

	tail *local.TailWatch
}

// NewSequencer constructs a Sequencer for a freshly-opened or recovered
// segment starting at startOffset (spec.md §4.5: a new sequencer always
// picks up where the previous one left off).
func NewSequencer(params ReplicatedLogletParams, selfNode string, transport Transport, startOffset logs.LogletOffset, opts SequencerOptions) *Sequencer {
	opts.setDefaults()
	hist := hdrhistogram.New(1, int64(10*time.Second), 3)
	return &Sequencer{
		params:          params,
		selfNode:        selfNode,
		transport:       transport,
		opts:            opts,
		latency:         hist,
		nextOffset:      startOffset,
		knownGlobalTail: startOffset,
		pending:         make(map[logs.LogletOffset]*pendingAppend),
		committedRanges: make(map[logs.LogletOffset]int),
		capacityFreed:   make(chan struct{}),
		tail:            local.NewTailWatch(logs.Open(startOffset)),
	}
}

// EnqueueBatch reserves offsets and replicates the batch to the node set,
// blocking only for back-pressure admission, never for replication itself.
func (s *Sequencer) EnqueueBatch(ctx context.Context, records []logs.Record) (*loglet.CommitToken, error) {
	if len(records) == 0 {
		return nil, nil
	}
	n := logs.LogletOffset(len(records))

	for {
		s.mu.Lock()
		if s.sealed {
			s.mu.Unlock()
			return nil, loglet.ErrSealed
		}
		if s.opts.MaxInFlight <= 0 || s.nextOffset-s.knownGlobalTail+n <= logs.LogletOffset(s.opts.MaxInFlight) {
			first := s.nextOffset
			s.nextOffset += n
			tok, resolve := loglet.NewCommitToken()
			s.pending[first] = &pendingAppend{count: int(n), resolve: resolve}
			s.mu.Unlock()
			go s.replicate(ctx, first, records)
			return tok, nil
		}
		wait := s.capacityFreed
		s.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Sequencer) nodeSetFor(attempt int) NodeSet {
	if s.params.Policy.Spread == Balanced && attempt == 0 {
		factor := s.params.Policy.ReplicationFactor
		if factor > 0 && factor < len(s.params.NodeSet) {
			return s.params.NodeSet[:factor]
		}
	}
	// Flood, or Balanced falling back after a failed attempt: race every
	// node in the set against the same in-flight budget (SPEC_FULL.md §13).
	return s.params.NodeSet
}

func (s *Sequencer) replicate(ctx context.Context, first logs.LogletOffset, records []logs.Record) {
	quorum := s.params.Policy.QuorumSize(len(s.params.NodeSet))
	started := time.Now()

	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.opts.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			s.opts.Logger.Warnf("replicated: retrying append at offset %d after %s (attempt %d)",
				first, durafmt.Parse(backoff).String(), attempt+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.failAppend(first, ctx.Err())
				return
			}
		}

		acks, err := s.floodAppend(ctx, s.nodeSetFor(attempt), first, records, quorum)
		if acks >= quorum {
			s.latency.RecordValue(int64(time.Since(started)))
			s.completeAppend(first, len(records))
			return
		}
		lastErr = err
		if errors.Is(err, loglet.ErrSealed) {
			// A replication quorum of replicas already refused this write
			// as sealed; no amount of retrying will change that outcome.
			break
		}
	}

	s.opts.Logger.Errorf("replicated: append at offset %d failed to reach quorum %d: %v", first, quorum, lastErr)
	s.failAppend(first, loglet.ErrInsufficientReplication)
	s.sealSelf()
}

// floodAppend sends the Store RPC to every node in set concurrently and
// returns the number of acks received (bounded by ctx). A StoreResponse
// carrying a non-empty Err (including a replica's sealed refusal) counts
// as a failed ack just as much as a transport-level error — the response
// envelope must always be inspected, not just the transport error, or a
// sealed replica's refusal would be mistaken for a successful write.
func (s *Sequencer) floodAppend(ctx context.Context, set NodeSet, first logs.LogletOffset, records []logs.Record, quorum int) (int, error) {
	type result struct {
		sealed bool
		err    error
	}
	results := make(chan result, len(set))
	for _, node := range set {
		node := node
		go func() {
			resp, err := s.transport.Store(ctx, node, StoreRequest{Loglet: s.params.LogletID, FirstOffset: first, Records: records})
			if err == nil && resp.Err != "" {
				if resp.Err == errSealedWire {
					results <- result{sealed: true, err: errors.Errorf("replicated: %s refused store: sealed", node)}
					return
				}
				err = errors.Errorf("replicated: %s refused store: %s", node, resp.Err)
			}
			results <- result{err: err}
		}()
	}

	acks := 0
	sealedAcks := 0
	var lastErr error
	for i := 0; i < len(set); i++ {
		r := <-results
		if r.err == nil {
			acks++
			if acks >= quorum {
				return acks, nil
			}
		} else {
			lastErr = r.err
			if r.sealed {
				sealedAcks++
			}
		}
	}
	if sealedAcks >= quorum {
		return acks, loglet.ErrSealed
	}
	return acks, lastErr
}

// completeAppend resolves the CommitToken for the batch starting at first,
// then folds it into the contiguous known_global_tail if possible.
func (s *Sequencer) completeAppend(first logs.LogletOffset, count int) {
	s.mu.Lock()
	if p, ok := s.pending[first]; ok {
		p.resolve(first, nil)
		delete(s.pending, first)
	}
	s.committedRanges[first] = count
	s.advanceKnownGlobalTailLocked()
	s.mu.Unlock()
}

func (s *Sequencer) advanceKnownGlobalTailLocked() {
	advanced := false
	for {
		count, ok := s.committedRanges[s.knownGlobalTail]
		if !ok {
			break
		}
		delete(s.committedRanges, s.knownGlobalTail)
		s.knownGlobalTail += logs.LogletOffset(count)
		advanced = true
	}
	if advanced {
		if s.sealed {
			s.tail.Set(logs.Sealed(s.knownGlobalTail))
		} else {
			s.tail.Set(logs.Open(s.knownGlobalTail))
		}
		old := s.capacityFreed
		s.capacityFreed = make(chan struct{})
		close(old)
	}
}

func (s *Sequencer) failAppend(first logs.LogletOffset, err error) {
	s.mu.Lock()
	if p, ok := s.pending[first]; ok {
		p.resolve(0, err)
		delete(s.pending, first)
	}
	s.mu.Unlock()
}

// sealSelf seals the sequencer after an unrecoverable replication failure
// (spec.md §4.5): every still-pending append fails Sealed, and all future
// EnqueueBatch calls are rejected.
func (s *Sequencer) sealSelf() {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.sealed = true
	for first, p := range s.pending {
		p.resolve(0, loglet.ErrSealed)
		delete(s.pending, first)
	}
	s.tail.Set(logs.Sealed(s.knownGlobalTail))
	s.mu.Unlock()
}

// FindTail returns the sequencer's locally-known tail: the contiguous
// known_global_tail, which is always safe for readers even though
// individual later batches may already have committed out of order.
func (s *Sequencer) FindTail() logs.TailState {
	return s.tail.Load()
}

// WatchTail returns a channel of TailState updates.
func (s *Sequencer) WatchTail() <-chan logs.TailState {
	done := make(chan struct{})
	return local.Subscribe(s.tail, done)
}

// Seal initiates a graceful seal: fans a Seal RPC to the node set, then
// reconciles on the highest tail reported by a seal-quorum (node_set - F) of
// responding replicas, which need not agree on the value (spec.md §4.5's
// seal-quorum reconciliation).
func (s *Sequencer) Seal(ctx context.Context, transport Transport) (logs.LogletOffset, error) {
	s.mu.Lock()
	if s.sealed {
		tail := s.knownGlobalTail
		s.mu.Unlock()
		return tail, nil
	}
	nodeSet := s.params.NodeSet
	need := s.params.Policy.SealQuorumSize(len(nodeSet))
	s.mu.Unlock()

	type sealResult struct {
		tail logs.LogletOffset
		err  error
	}
	results := make(chan sealResult, len(nodeSet))
	for _, node := range nodeSet {
		node := node
		go func() {
			resp, err := transport.Seal(ctx, node, SealRequest{Loglet: s.params.LogletID})
			if err == nil && resp.Err != "" {
				err = errors.New(resp.Err)
			}
			results <- sealResult{tail: resp.LocalTail, err: err}
		}()
	}

	// Replicas normally disagree on their local tail after a crash mid-append
	// (spec.md §8's seal-reconciliation scenario: {100, 102, 101}). The seal
	// quorum is a count of successful responses, not of identical values —
	// the reconciled tail is the highest one any respondent in that quorum
	// reported.
	var successes int
	var best logs.LogletOffset
	for i := 0; i < len(nodeSet); i++ {
		r := <-results
		if r.err != nil {
			continue
		}
		successes++
		if r.tail > best {
			best = r.tail
		}
	}
	if successes < need {
		return 0, loglet.ErrInsufficientReplication
	}

	s.sealSelf()
	s.mu.Lock()
	if best > s.knownGlobalTail {
		s.knownGlobalTail = best
	}
	s.tail.Set(logs.Sealed(s.knownGlobalTail))
	final := s.knownGlobalTail
	s.mu.Unlock()
	return final, nil
}
