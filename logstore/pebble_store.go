package logstore

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// dataKeyComparer is pebble.DefaultComparer with Split taught the data CF's
// fixed 9-byte prefix ('d' | log_id): spec.md §4.2's prefix extractor,
// which is what lets a level's bloom filter and prefix-bounded iteration
// (logs.DataKeyPrefix) key off log_id alone rather than the full
// offset-qualified key.
var dataKeyComparer = func() *pebble.Comparer {
	c := *pebble.DefaultComparer
	c.Split = func(key []byte) int {
		if len(key) >= int(logs.DataKeyLen) && key[0] == logs.DataPrefix {
			return 9
		}
		return len(key)
	}
	c.Name = "bifrost.dataprefix.v1"
	return &c
}()

// PebbleOptions configures the on-disk engine (spec.md §4.2, §6). Pebble has
// no native column-family concept; DataPrefix/MetaPrefix key namespacing
// (logs.DataPrefix / logs.MetaPrefix) stands in for RocksDB's data/metadata
// CFs, and because both namespaces live in one pebble.DB there is only one
// WAL/memtable to sequence through — "atomic flush" (spec.md §4.2) holds
// without extra configuration.
type PebbleOptions struct {
	Dir string

	// WALEnabled toggles whether writes go through pebble's WAL at all.
	WALEnabled bool
	// BatchWALFlushes: when true the writer (C3) syncs the WAL once per
	// batch instead of once per individual write within the batch.
	// PebbleStore itself does not read this field; the writer acts on
	// WriterOptions.BatchWALFlushes.
	BatchWALFlushes bool

	// MemtableCount bounds how many memtables pebble keeps before stalling
	// writes; mirrors RocksDB's max_write_buffer_number.
	MemtableCount int

	// LevelCompression gives the per-level compression spec.md §4.2
	// requires: None -> Snappy -> Zstd, progressively stronger starting at
	// L0.
	LevelCompression []pebble.Compression

	Logger logger.Logger
}

func (o *PebbleOptions) setDefaults() {
	if o.MemtableCount == 0 {
		o.MemtableCount = 4
	}
	if len(o.LevelCompression) == 0 {
		o.LevelCompression = []pebble.Compression{
			pebble.NoCompression,
			pebble.SnappyCompression,
			pebble.SnappyCompression,
			pebble.ZstdCompression,
			pebble.ZstdCompression,
			pebble.ZstdCompression,
			pebble.ZstdCompression,
		}
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// PebbleStore is the pebble-backed LogStore (spec.md §4.2).
type PebbleStore struct {
	db   *pebble.DB
	opts PebbleOptions
}

// Open opens (or creates) the store at opts.Dir.
func Open(opts PebbleOptions) (*PebbleStore, error) {
	opts.setDefaults()

	pebbleOpts := &pebble.Options{
		Merger:   newPebbleMerger(),
		Comparer: dataKeyComparer,
	}
	// 10 bits/key is pebble's bloom-filter analog of RocksDB's
	// memtable_prefix_bloom_size_ratio=0.2 (spec.md §4.2): both land around a
	// ~1% false-positive rate per level; pebble has no separate
	// memtable-only bloom knob, so this filter policy is what both the
	// memtable's flush-time sstable and every later compacted level carry.
	filterPolicy := bloom.FilterPolicy(10)
	pebbleOpts.Levels = make([]pebble.LevelOptions, len(opts.LevelCompression))
	for i, c := range opts.LevelCompression {
		pebbleOpts.Levels[i] = pebble.LevelOptions{
			Compression:  c,
			FilterPolicy: filterPolicy,
			FilterType:   pebble.TableFilter,
		}
	}
	pebbleOpts.MemTableStopWritesThreshold = opts.MemtableCount
	if !opts.WALEnabled {
		pebbleOpts.DisableWAL = true
	}

	db, err := pebble.Open(opts.Dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrap(err, "logstore: open pebble")
	}
	opts.Logger.Infof("logstore: opened %s (wal=%v, memtables=%d)", opts.Dir, opts.WALEnabled, opts.MemtableCount)
	return &PebbleStore{db: db, opts: opts}, nil
}

func (s *PebbleStore) writeOpts(forceSync bool) *pebble.WriteOptions {
	if !s.opts.WALEnabled {
		return pebble.NoSync
	}
	if forceSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// LoadMarker reads the one-shot per-directory marker, or (nil, nil) if this
// store has never had one written.
func (s *PebbleStore) LoadMarker() (*Marker, error) {
	value, closer, err := s.db.Get(logs.MarkerKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "logstore: load marker")
	}
	defer closer.Close()
	if len(value) < 2 {
		return nil, errors.New("logstore: truncated marker")
	}
	nodeLen := int(binary.BigEndian.Uint16(value[:2]))
	if len(value) < 2+nodeLen {
		return nil, errors.New("logstore: truncated marker")
	}
	m := &Marker{
		NodeID: string(value[2 : 2+nodeLen]),
		Token:  string(value[2+nodeLen:]),
	}
	return m, nil
}

// StoreMarker writes the marker synchronously with the WAL flushed — used
// once, on first start.
func (s *PebbleStore) StoreMarker(m Marker) error {
	buf := make([]byte, 2+len(m.NodeID)+len(m.Token))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(m.NodeID)))
	copy(buf[2:], m.NodeID)
	copy(buf[2+len(m.NodeID):], m.Token)
	if err := s.db.Set(logs.MarkerKey, buf, pebble.Sync); err != nil {
		return errors.Wrap(err, "logstore: store marker")
	}
	return nil
}

// LoadLogletState performs the batched multi-key read spec.md §4.2
// describes: the LogState metadata entry, plus a reverse seek bounded by
// the loglet's data-key prefix to compute local_tail = max_existing_offset+1.
func (s *PebbleStore) LoadLogletState(id logs.LogletID) (LogletState, error) {
	var state LogletState

	metaKey := logs.EncodeMetaKey(id, logs.MetaLogState)
	value, closer, err := s.db.Get(metaKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		// No metadata yet: defaults apply.
	case err != nil:
		return state, errors.Wrap(err, "logstore: load loglet state")
	default:
		lv, decErr := decodeLogStateValue(value)
		closer.Close()
		if decErr != nil {
			return state, errors.Wrap(decErr, "logstore: decode loglet state")
		}
		state.Sequencer = lv.sequencer
		state.IsSealed = lv.sealed
		state.HasTrim = lv.hasTrim
		state.TrimPoint = lv.trimPoint
	}

	maxOffset, found, err := s.maxDataOffset(id)
	if err != nil {
		return state, err
	}
	switch {
	case found:
		state.LocalTail = maxOffset + 1
	case state.HasTrim:
		state.LocalTail = state.TrimPoint + 1
	default:
		state.LocalTail = logs.OldestOffset
	}
	return state, nil
}

// maxDataOffset reverse-seeks within the loglet's data-key prefix to find
// the highest stored offset.
func (s *PebbleStore) maxDataOffset(id logs.LogletID) (logs.LogletOffset, bool, error) {
	prefix := logs.DataKeyPrefix(id)
	upper := prefixUpperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, false, errors.Wrap(err, "logstore: new iterator")
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, nil
	}
	_, offset, err := logs.DecodeDataKey(append([]byte(nil), iter.Key()...))
	if err != nil {
		return 0, false, errors.Wrap(err, "logstore: decode data key")
	}
	return offset, true, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, used as an iterator's exclusive upper bound.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	// All 0xff: no finite upper bound, caller should pass nil instead in
	// this (practically unreachable, given the log-id/offset prefix width)
	// case.
	return nil
}

// ReadRecords implements spec.md §4.2's read semantics: starts from
// max(from, trim_point+1), stops at min(to, local_tail-1), respects a byte
// budget, and fills missing offsets with TrimGap/FilteredGap markers.
func (s *PebbleStore) ReadRecords(req GetRecords, state LogletState) (Records, error) {
	from := req.From
	if state.HasTrim && state.TrimPoint+1 > from {
		from = state.TrimPoint + 1
	}
	to := req.To
	if state.LocalTail > 0 && state.LocalTail-1 < to {
		to = state.LocalTail - 1
	}
	if from > to {
		return Records{NextOffset: from}, nil
	}

	lower := logs.EncodeDataKey(req.Loglet, from)
	upperOffsetKey := logs.EncodeDataKey(req.Loglet, to)
	upper := prefixUpperBound(upperOffsetKey)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Records{}, errors.Wrap(err, "logstore: new iterator")
	}
	defer iter.Close()

	var (
		entries  []Entry
		budget   = req.ByteBudget
		next     = from
		haveMore = iter.First()
	)
	for next <= to {
		if req.ByteBudget > 0 && budget <= 0 {
			break
		}
		if !haveMore {
			entries = append(entries, Entry{Offset: next, Rec: logs.MaybeRecord{Gap: logs.Gap{Kind: logs.TrimGap, From: next, Until: to}}})
			next = to + 1
			break
		}
		_, keyOffset, decErr := logs.DecodeDataKey(append([]byte(nil), iter.Key()...))
		if decErr != nil {
			return Records{}, errors.Wrap(decErr, "logstore: decode data key")
		}
		if keyOffset > next {
			// Gap: offsets [next, keyOffset-1] are missing (already trimmed
			// past from beneath us, or never written — both read as a
			// TrimGap since only trim removes records once written).
			until := keyOffset - 1
			if until > to {
				until = to
			}
			entries = append(entries, Entry{Offset: next, Rec: logs.MaybeRecord{Gap: logs.Gap{Kind: logs.TrimGap, From: next, Until: until}}})
			next = until + 1
			continue
		}
		rec, decErr := logs.DecodeRecord(append([]byte(nil), iter.Value()...))
		if decErr != nil {
			return Records{}, errors.Wrap(decErr, "logstore: decode record")
		}
		if req.Filter.Matches(rec.Keys) {
			entries = append(entries, Entry{Offset: next, Rec: logs.MaybeRecord{IsData: true, Data: rec}})
			budget -= rec.EstimatedEncodedSize()
		} else {
			entries = append(entries, Entry{Offset: next, Rec: logs.MaybeRecord{Gap: logs.Gap{Kind: logs.FilteredGap, From: next, Until: next}}})
		}
		next = keyOffset + 1
		haveMore = iter.Next()
	}

	return Records{Entries: entries, NextOffset: next}, nil
}

// Close closes the underlying pebble.DB.
func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "logstore: close pebble")
	}
	return nil
}

// --- low-level batch primitives used by Writer (C3) ---

// NewBatch creates an empty write batch.
func (s *PebbleStore) NewBatch() *pebble.Batch { return s.db.NewBatch() }

// ApplyStore stages a Store write into batch: one data-key/value pair per
// record in the contiguous offset range.
func (s *PebbleStore) ApplyStore(batch *pebble.Batch, st Store) error {
	offset := st.FirstOffset
	for _, rec := range st.Records {
		key := logs.EncodeDataKey(st.Loglet, offset)
		value := logs.EncodeRecord(rec, false)
		if err := batch.Set(key, value, nil); err != nil {
			return errors.Wrap(err, "logstore: stage store")
		}
		offset++
	}
	return nil
}

// ApplySeal stages a Seal merge operand into batch.
func (s *PebbleStore) ApplySeal(batch *pebble.Batch, sl Seal) error {
	key := logs.EncodeMetaKey(sl.Loglet, logs.MetaLogState)
	if err := batch.Merge(key, encodeSealOperand(), nil); err != nil {
		return errors.Wrap(err, "logstore: stage seal")
	}
	return nil
}

// ApplyTrim stages a Trim merge operand into batch.
func (s *PebbleStore) ApplyTrim(batch *pebble.Batch, tr Trim) error {
	key := logs.EncodeMetaKey(tr.Loglet, logs.MetaLogState)
	if err := batch.Merge(key, encodeTrimOperand(tr.NewTrimPoint), nil); err != nil {
		return errors.Wrap(err, "logstore: stage trim")
	}
	return nil
}

// ApplySetSequencer stages a write-once SetSequencer merge operand.
func (s *PebbleStore) ApplySetSequencer(batch *pebble.Batch, ss SetSequencer) error {
	key := logs.EncodeMetaKey(ss.Loglet, logs.MetaLogState)
	if err := batch.Merge(key, encodeSetSequencerOperand(ss.NodeID), nil); err != nil {
		return errors.Wrap(err, "logstore: stage set-sequencer")
	}
	return nil
}

// CommitBatch commits batch, syncing the WAL when sync is requested and WAL
// is enabled.
func (s *PebbleStore) CommitBatch(batch *pebble.Batch, sync bool) error {
	size := batch.Len()
	if err := batch.Commit(s.writeOpts(sync)); err != nil {
		return errors.Wrap(err, "logstore: commit batch")
	}
	s.opts.Logger.Debugf("logstore: committed batch (%s)", humanize.Bytes(uint64(size)))
	return nil
}
