// Package metadatastore implements the narrow versioned chain-metadata
// load/store interface Bifrost (C9) consumes (spec.md §1): "somewhere to
// durably and consistently store each log's chain of segments." It is
// intentionally opaque to the chain's own encoding — callers pass an
// already-encoded blob and an expected version, and get back the version
// that was actually committed.
package metadatastore

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// ErrVersionConflict is returned by StoreChain when expectedVersion doesn't
// match the metadata's current version — an optimistic-concurrency
// failure, the caller should reload and retry.
var ErrVersionConflict = errors.New("metadatastore: version conflict")

// Options configures a Store.
type Options struct {
	// NodeID is this raft node's unique ID.
	NodeID string
	// Dir is where the raft log/stable store and local snapshot file live.
	Dir string
	// Bootstrap, when true, bootstraps a brand-new single-node cluster.
	// Real multi-node deployments join via raft.Raft.AddVoter out of band.
	Bootstrap bool
	// CheckpointInterval is stored with a default of one second but is not
	// consulted: the local read-through snapshot (chain_checkpoint.gob) is
	// rewritten after every applied command, on snapshot restore and on
	// Close.
	CheckpointInterval time.Duration

	Logger logger.Logger
}

func (o *Options) setDefaults() {
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Store is a raft-replicated key-value store keyed by logs.LogID, values
// opaque version-tagged blobs.
type Store struct {
	raft *raft.Raft
	fsm  *fsm
	opts Options
}

// Open starts (or rejoins) the raft-backed metadata store at opts.Dir.
func Open(opts Options) (*Store, error) {
	opts.setDefaults()

	f := newFSM(opts.Dir, opts.Logger)
	if err := f.loadCheckpoint(); err != nil {
		return nil, err
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(opts.NodeID)

	logStore, stableStore, err := raftboltdb.NewBoltStore(opts.Dir + "/raft.db")
	if err != nil {
		return nil, errors.Wrap(err, "metadatastore: open boltdb")
	}
	snapStore := raft.NewInmemSnapshotStore()

	// Single-node in-memory transport by default; multi-node deployments
	// wire a real raft.NetworkTransport in its place out of band.
	addr, transport := raft.NewInmemTransport(raft.ServerAddress(opts.NodeID))

	r, err := raft.NewRaft(raftConfig, f, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, errors.Wrap(err, "metadatastore: new raft")
	}

	if opts.Bootstrap {
		cfg := raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: addr}},
		}
		if fut := r.BootstrapCluster(cfg); fut.Error() != nil {
			return nil, errors.Wrap(fut.Error(), "metadatastore: bootstrap")
		}
	}

	return &Store{raft: r, fsm: f, opts: opts}, nil
}

// StoreChain durably applies a CAS write: data is committed only if
// expectedVersion matches the metadata's current version for logID
// (0 means "doesn't exist yet"). Returns the new version on success.
func (s *Store) StoreChain(ctx context.Context, logID logs.LogID, expectedVersion uint64, data []byte) (uint64, error) {
	cmd := command{LogID: logID, ExpectedVersion: expectedVersion, Data: data}
	payload, err := encodeCommand(cmd)
	if err != nil {
		return 0, err
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	fut := s.raft.Apply(payload, timeout)
	if err := fut.Error(); err != nil {
		return 0, errors.Wrap(err, "metadatastore: raft apply")
	}
	resp, ok := fut.Response().(applyResult)
	if !ok {
		return 0, errors.New("metadatastore: unexpected apply response")
	}
	if resp.err != nil {
		return 0, resp.err
	}
	return resp.version, nil
}

// LoadChain returns the current blob and version for logID, or
// (nil, 0, nil) if nothing has been stored yet. Served from the local FSM
// state, which is kept current by raft.Apply on this node (spec.md §1:
// Bifrost needs this to be fast and local, not a round trip per read).
func (s *Store) LoadChain(logID logs.LogID) ([]byte, uint64, error) {
	return s.fsm.load(logID)
}

// IsLeader reports whether this node currently holds raft leadership. Tests
// and single-node callers poll this after Open with Bootstrap set, since
// leadership election happens asynchronously.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Close shuts down raft and flushes a final local checkpoint.
func (s *Store) Close() error {
	if fut := s.raft.Shutdown(); fut.Error() != nil {
		return errors.Wrap(fut.Error(), "metadatastore: raft shutdown")
	}
	return s.fsm.checkpoint()
}

func checkpointPath(dir string) string {
	return fmt.Sprintf("%s/chain_checkpoint.gob", dir)
}
