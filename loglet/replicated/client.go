package replicated

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	RequestTimeout time.Duration
	Logger         logger.Logger
}

func (o *ClientOptions) setDefaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Client is the sequencer-less side of the replicated loglet (C8, spec.md
// §4.5): find_tail, trim, and reads, issued against any node in the
// segment's node set rather than routed through the elected sequencer.
type Client struct {
	params    ReplicatedLogletParams
	transport Transport
	opts      ClientOptions
}

// NewClient constructs a Client over params's node set.
func NewClient(params ReplicatedLogletParams, transport Transport, opts ClientOptions) *Client {
	opts.setDefaults()
	return &Client{params: params, transport: transport, opts: opts}
}

// FindTail queries every node in the node set and returns the tail a
// quorum agrees on: a sealed tail wins if a seal-quorum of nodes report
// sealed, taking the highest of their (possibly differing, spec.md §8's
// seal-reconciliation scenario) tails, otherwise the highest open tail
// observed among a replication quorum of responses (spec.md §4.5,
// "find_tail never regresses" is the caller's responsibility to enforce
// across repeated calls via logs.TailState.Regressed).
func (c *Client) FindTail(ctx context.Context) (logs.TailState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	type resp struct {
		tail logs.TailState
		err  error
	}
	results := make(chan resp, len(c.params.NodeSet))
	for _, node := range c.params.NodeSet {
		node := node
		go func() {
			r, err := c.transport.FindTail(ctx, node, FindTailRequest{Loglet: c.params.LogletID})
			if err == nil && r.Err != "" {
				err = errors.New(r.Err)
			}
			results <- resp{tail: r.Tail, err: err}
		}()
	}

	sealQuorum := c.params.Policy.SealQuorumSize(len(c.params.NodeSet))
	readQuorum := c.params.Policy.QuorumSize(len(c.params.NodeSet))

	var sealedResponses, openResponses int
	var maxSealed, maxOpen logs.LogletOffset
	for i := 0; i < len(c.params.NodeSet); i++ {
		r := <-results
		if r.err != nil {
			continue
		}
		if r.tail.IsSealed() {
			sealedResponses++
			if r.tail.NextOffset > maxSealed {
				maxSealed = r.tail.NextOffset
			}
			continue
		}
		openResponses++
		if r.tail.NextOffset > maxOpen {
			maxOpen = r.tail.NextOffset
		}
	}
	if sealedResponses >= sealQuorum {
		return logs.Sealed(maxSealed), nil
	}
	if openResponses >= readQuorum {
		return logs.Open(maxOpen), nil
	}
	return logs.TailState{}, loglet.ErrInsufficientReplication
}

// Trim fans a Trim RPC out to every node in the node set, succeeding once a
// replication quorum acknowledges (spec.md §4.5). Individual node failures
// beyond the quorum are ignored, not fatal — a node that missed a trim will
// catch up the next time it processes a later, higher trim.
func (c *Client) Trim(ctx context.Context, newTrimPoint logs.LogletOffset) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	results := make(chan error, len(c.params.NodeSet))
	for _, node := range c.params.NodeSet {
		node := node
		go func() {
			r, err := c.transport.Trim(ctx, node, TrimRequest{Loglet: c.params.LogletID, NewTrimPoint: newTrimPoint})
			if err == nil && r.Err != "" {
				err = errors.New(r.Err)
			}
			results <- err
		}()
	}

	acks := 0
	quorum := c.params.Policy.QuorumSize(len(c.params.NodeSet))
	for i := 0; i < len(c.params.NodeSet); i++ {
		if err := <-results; err == nil {
			acks++
			if acks >= quorum {
				return nil
			}
		}
	}
	return loglet.ErrInsufficientReplication
}

// CreateReadStream returns a sequencer-less read stream with hole-detection
// failover (spec.md §4.5): a TrimGap reported by one node is cross-checked
// against the rest of the node set before being trusted, since a replica
// that simply never received a write reports an indistinguishable gap
// (logstore.PebbleStore.ReadRecords's own comment on this).
func (c *Client) CreateReadStream(filter logs.KeyFilter, from logs.LogletOffset, to *logs.LogletOffset) loglet.ReadStream {
	return &clientReadStream{
		client: c,
		filter: filter,
		from:   from,
		to:     to,
		node:   0,
		closed: make(chan struct{}),
	}
}
