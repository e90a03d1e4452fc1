package metadatastore

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/raft"
	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// command is the raft log entry: a CAS write of logID's chain blob,
// succeeding only if ExpectedVersion matches the current version.
type command struct {
	LogID           logs.LogID
	ExpectedVersion uint64
	Data            []byte
}

type applyResult struct {
	version uint64
	err     error
}

type entry struct {
	Version uint64
	Data    []byte
}

func encodeCommand(cmd command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, errors.Wrap(err, "metadatastore: encode command")
	}
	return buf.Bytes(), nil
}

// fsm is the raft.FSM backing Store: an in-memory map of logID to its
// current (version, blob), checkpointed to a local file with
// natefinch/atomic so a restarting node can serve LoadChain immediately,
// before raft finishes replaying its log — the same crash-safe
// single-file-write pattern liftbridge's checkpointHW uses
// (server/commitlog/commitlog.go).
type fsm struct {
	mu      sync.RWMutex
	entries map[logs.LogID]entry
	dir     string
	logger  logger.Logger
}

func newFSM(dir string, log logger.Logger) *fsm {
	return &fsm{entries: make(map[logs.LogID]entry), dir: dir, logger: log}
}

// Apply implements raft.FSM.
func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := gob.NewDecoder(bytes.NewReader(l.Data)).Decode(&cmd); err != nil {
		return applyResult{err: errors.Wrap(err, "metadatastore: decode command")}
	}

	f.mu.Lock()
	current := f.entries[cmd.LogID]
	if current.Version != cmd.ExpectedVersion {
		f.mu.Unlock()
		return applyResult{err: ErrVersionConflict}
	}
	newVersion := current.Version + 1
	f.entries[cmd.LogID] = entry{Version: newVersion, Data: cmd.Data}
	f.mu.Unlock()

	if err := f.checkpoint(); err != nil {
		f.logger.Warnf("metadatastore: checkpoint after apply failed: %v", err)
	}
	return applyResult{version: newVersion}
}

func (f *fsm) load(logID logs.LogID) ([]byte, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[logID]
	if !ok {
		return nil, 0, nil
	}
	return e.Data, e.Version, nil
}

// Snapshot implements raft.FSM.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snapshot := make(map[logs.LogID]entry, len(f.entries))
	for k, v := range f.entries {
		snapshot[k] = v
	}
	return &fsmSnapshot{entries: snapshot}, nil
}

// Restore implements raft.FSM.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var entries map[logs.LogID]entry
	if err := gob.NewDecoder(rc).Decode(&entries); err != nil {
		return errors.Wrap(err, "metadatastore: decode snapshot")
	}
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return f.checkpoint()
}

type fsmSnapshot struct {
	entries map[logs.LogID]entry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(s.entries); err != nil {
		sink.Cancel()
		return errors.Wrap(err, "metadatastore: persist snapshot")
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// checkpoint atomically writes the current state to a local file, so a
// restart can serve LoadChain from disk before raft replays its log.
func (f *fsm) checkpoint() error {
	if f.dir == "" {
		return nil
	}
	f.mu.RLock()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(f.entries)
	f.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "metadatastore: encode checkpoint")
	}
	if err := natomic.WriteFile(checkpointPath(f.dir), &buf); err != nil {
		return errors.Wrap(err, "metadatastore: write checkpoint")
	}
	return nil
}

// loadCheckpoint seeds the FSM from the last local checkpoint, if any, so
// LoadChain has something to serve immediately on restart.
func (f *fsm) loadCheckpoint() error {
	if f.dir == "" {
		return nil
	}
	file, err := os.Open(checkpointPath(f.dir))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "metadatastore: open checkpoint")
	}
	defer file.Close()

	var entries map[logs.LogID]entry
	if err := gob.NewDecoder(file).Decode(&entries); err != nil {
		return errors.Wrap(err, "metadatastore: decode checkpoint")
	}
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return nil
}
