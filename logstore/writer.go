package logstore

import (
	"context"
	"sync"

	datastructures "github.com/Workiva/go-datastructures/queue"
	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logger"
)

// Priority tiers for batch admission (spec.md §4.3): seals/trims/markers
// preempt appends so control-plane operations never wait behind a large
// append batch.
const (
	PriorityNormal = iota // appends
	PriorityHigh          // seals, trims, markers
)

// writeRequest is one pending call to the writer. It implements
// go-datastructures/queue.Item so pending requests are drained in priority
// order, then FIFO within a priority.
type writeRequest struct {
	priority int
	seq      int64
	kind     requestKind
	store    Store
	seal     Seal
	trim     Trim
	setSeq   SetSequencer
	resultCh chan error
}

type requestKind int

const (
	kindStore requestKind = iota
	kindSeal
	kindTrim
	kindSetSequencer
)

// Compare implements queue.Item: higher priority sorts first; ties break by
// insertion order (lower seq first) so FIFO holds within a tier.
func (w *writeRequest) Compare(other datastructures.Item) int {
	o := other.(*writeRequest)
	// PriorityQueue in go-datastructures is a min-heap by Compare (Get
	// returns the item that compares lowest), so the higher priority and
	// the smaller seq (older request) must compare lower to drain first.
	if w.priority != o.priority {
		return o.priority - w.priority
	}
	if w.seq == o.seq {
		return 0
	}
	if w.seq < o.seq {
		return -1
	}
	return 1
}

// token implements AsyncToken over a plain error channel.
type token struct {
	resultCh <-chan error
}

func (t *token) Wait(ctx context.Context) error {
	select {
	case err := <-t.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriterOptions bounds a single in-flight batch (spec.md §4.3).
type WriterOptions struct {
	MaxBatchRecords int
	MaxBatchBytes   int
	BatchWALFlushes bool
	Logger          logger.Logger
}

func (o *WriterOptions) setDefaults() {
	if o.MaxBatchRecords == 0 {
		o.MaxBatchRecords = 1000
	}
	if o.MaxBatchBytes == 0 {
		o.MaxBatchBytes = 4 << 20 // 4MiB
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Writer is the single-writer actor that multiplexes concurrent enqueue_*
// calls into RocksDB/Pebble write batches (spec.md §4.3). At most one batch
// per priority tier is in flight at a time; a batch commits as soon as
// either bound (count or bytes) is reached, or when no higher-priority work
// is pending and the queue drains.
type Writer struct {
	store *PebbleStore
	opts  WriterOptions

	mu      sync.Mutex
	pending *datastructures.PriorityQueue
	seq     int64
	notify  chan struct{}
	closed  chan struct{}
	closeWG sync.WaitGroup
}

// NewWriter starts the writer's background goroutine.
func NewWriter(store *PebbleStore, opts WriterOptions) *Writer {
	opts.setDefaults()
	w := &Writer{
		store:   store,
		opts:    opts,
		pending: datastructures.NewPriorityQueue(64, false),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	w.closeWG.Add(1)
	go w.loop()
	return w
}

func (w *Writer) enqueue(req *writeRequest) AsyncToken {
	resultCh := make(chan error, 1)
	req.resultCh = resultCh
	w.mu.Lock()
	w.seq++
	req.seq = w.seq
	if err := w.pending.Put(req); err != nil {
		w.mu.Unlock()
		resultCh <- wrapStorageErr(err)
		return &token{resultCh: resultCh}
	}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return &token{resultCh: resultCh}
}

// EnqueueStore hands a Store write to the writer.
func (w *Writer) EnqueueStore(st Store) AsyncToken {
	return w.enqueue(&writeRequest{priority: PriorityNormal, kind: kindStore, store: st})
}

// EnqueueSeal hands a Seal write to the writer.
func (w *Writer) EnqueueSeal(sl Seal) AsyncToken {
	return w.enqueue(&writeRequest{priority: PriorityHigh, kind: kindSeal, seal: sl})
}

// EnqueueTrim hands a Trim write to the writer.
func (w *Writer) EnqueueTrim(tr Trim) AsyncToken {
	return w.enqueue(&writeRequest{priority: PriorityHigh, kind: kindTrim, trim: tr})
}

// EnqueueSetSequencer hands a write-once SetSequencer write to the writer.
func (w *Writer) EnqueueSetSequencer(ss SetSequencer) AsyncToken {
	return w.enqueue(&writeRequest{priority: PriorityHigh, kind: kindSetSequencer, setSeq: ss})
}

// Close stops the writer, flushing any in-flight batch and failing anything
// still queued with errShutdown.
func (w *Writer) Close() {
	close(w.closed)
	w.closeWG.Wait()
}

func (w *Writer) loop() {
	defer w.closeWG.Done()
	for {
		batch, reqs := w.drainBatch()
		if batch == nil {
			select {
			case <-w.notify:
				continue
			case <-w.closed:
				w.failRemaining()
				return
			}
		}

		// Every batch is committed with a sync request; when
		// BatchWALFlushes is false drainBatch puts one request per batch,
		// so the WAL is synced once per individual write.
		err := w.store.CommitBatch(batch, true)
		for _, r := range reqs {
			r.resultCh <- err
		}
		if err != nil {
			w.opts.Logger.Errorf("logstore: write batch failed (%s): %v",
				humanize.Comma(int64(len(reqs))), err)
		}

		select {
		case <-w.closed:
			w.failRemaining()
			return
		default:
		}
	}
}

// drainBatch pulls pending requests off the priority queue until a bound is
// hit, building one pebble.Batch. Returns (nil, nil) if nothing is pending.
func (w *Writer) drainBatch() (*pebble.Batch, []*writeRequest) {
	w.mu.Lock()
	if w.pending.Empty() {
		w.mu.Unlock()
		return nil, nil
	}
	w.mu.Unlock()

	batch := w.store.NewBatch()
	var reqs []*writeRequest
	recordCount := 0

	for recordCount < w.opts.MaxBatchRecords && batch.Len() < w.opts.MaxBatchBytes &&
		(w.opts.BatchWALFlushes || len(reqs) == 0) {
		w.mu.Lock()
		if w.pending.Empty() {
			w.mu.Unlock()
			break
		}
		items, err := w.pending.Get(1)
		w.mu.Unlock()
		if err != nil || len(items) == 0 {
			break
		}
		req := items[0].(*writeRequest)

		var applyErr error
		switch req.kind {
		case kindStore:
			applyErr = w.store.ApplyStore(batch, req.store)
			recordCount += len(req.store.Records)
		case kindSeal:
			applyErr = w.store.ApplySeal(batch, req.seal)
			recordCount++
		case kindTrim:
			applyErr = w.store.ApplyTrim(batch, req.trim)
			recordCount++
		case kindSetSequencer:
			applyErr = w.store.ApplySetSequencer(batch, req.setSeq)
			recordCount++
		}
		if applyErr != nil {
			req.resultCh <- wrapStorageErr(applyErr)
			continue
		}
		reqs = append(reqs, req)
	}

	if len(reqs) == 0 {
		return nil, nil
	}
	return batch, reqs
}

func (w *Writer) failRemaining() {
	for {
		w.mu.Lock()
		if w.pending.Empty() {
			w.mu.Unlock()
			return
		}
		items, err := w.pending.Get(1)
		w.mu.Unlock()
		if err != nil || len(items) == 0 {
			return
		}
		req := items[0].(*writeRequest)
		req.resultCh <- errShutdown
	}
}

// errShutdown mirrors loglet.ErrShutdown without importing the loglet
// package here (logstore sits below loglet in the dependency graph).
var errShutdown = errors.New("logstore: shutdown")

// wrapStorageErr mirrors loglet.WrapStorage for the same layering
// reason: logstore must not import loglet (loglet imports logs; logstore
// would create a cycle if it imported loglet for error wrapping). Errors
// surfaced here are re-wrapped as loglet.Error by local/replicated callers.
func wrapStorageErr(err error) error {
	return errors.Wrap(err, "logstore: storage error")
}
