// Package replicated implements the replicated loglet (spec.md §4.4, §4.5
// as generalized to a multi-node quorum): a sequencer-driven append path
// (C7) and a sequencer-less read/find_tail/trim client (C8) sharing one
// wire protocol over a NATS transport.
package replicated

import "github.com/restatedev/bifrost/logs"

// SpreadStrategy controls how the sequencer fans an append out to a
// segment's node set (spec.md §4.5 Open Question, decided in SPEC_FULL.md
// §13).
type SpreadStrategy uint8

const (
	// Flood sends the append to every node in the node set concurrently and
	// waits for the first N acks.
	Flood SpreadStrategy = iota
	// Balanced sends each append's first attempt to the first
	// replication-factor nodes of the node set, falling back to flooding the
	// whole set on retries.
	Balanced
)

func (s SpreadStrategy) String() string {
	if s == Balanced {
		return "balanced"
	}
	return "flood"
}

// NodeSetID stably identifies a segment's node set (original_source/loglets/
// replicated_loglet/provider.rs; see SPEC_FULL.md §12). It is carried in
// ReplicatedLogletParams only; RPC fan-out uses NodeSet and NATS subjects
// are scoped by loglet ID.
type NodeSetID uint32

// NodeSet is the ordered set of nodes a segment replicates across.
type NodeSet []string

// Contains reports whether node is a member of the set.
func (ns NodeSet) Contains(node string) bool {
	for _, n := range ns {
		if n == node {
			return true
		}
	}
	return false
}

// Policy is the replication policy for one segment: N copies required,
// tolerate F node failures, using Spread to fan out appends.
type Policy struct {
	ReplicationFactor int // N
	MaxFailures       int // F
	Spread            SpreadStrategy
}

// QuorumSize is the number of acks required for an append, read, or trim to
// commit: the full replication factor N (spec.md §4.7 point 4:
// "copies_acked >= N"), clamped to nodeSetSize. F is never subtracted here —
// that's only SealQuorumSize's job, for reconciling on a node-set minority
// that may never come back.
func (p Policy) QuorumSize(nodeSetSize int) int {
	q := p.ReplicationFactor
	if q < 1 {
		q = 1
	}
	if nodeSetSize > 0 && q > nodeSetSize {
		q = nodeSetSize
	}
	return q
}

// SealQuorumSize is the number of nodes that must agree on a sealed tail
// before the sequencer can report a seal complete: node_set - F (spec.md
// §4.5's seal-quorum reconciliation).
func (p Policy) SealQuorumSize(nodeSetSize int) int {
	q := nodeSetSize - p.MaxFailures
	if q < 1 {
		q = 1
	}
	return q
}

// ReplicatedLogletParams is the provider-specific configuration serialized
// into logs.LogletParams for a replicated-provider segment (spec.md §3).
type ReplicatedLogletParams struct {
	LogletID  logs.LogletID
	NodeSetID NodeSetID
	NodeSet   NodeSet
	Sequencer string // node ID of the current sequencer, empty if unelected
	Policy    Policy
}
