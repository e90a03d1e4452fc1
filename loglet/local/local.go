// Package local implements the local loglet (spec.md §4.5): a loglet
// provider backed directly by a single node's logstore (C2+C3).
package local

import (
	"context"
	"sync"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
	"github.com/restatedev/bifrost/recordcache"

	"github.com/restatedev/bifrost/logger"
)

// Options configures a LocalLoglet.
type Options struct {
	Cache  *recordcache.Cache // may be nil
	Logger logger.Logger
}

// LocalLoglet wraps a logstore.PebbleStore + logstore.Writer pair as a
// loglet.Loglet (spec.md §4.5).
type LocalLoglet struct {
	id     logs.LogletID
	store  *logstore.PebbleStore
	writer *logstore.Writer
	cache  *recordcache.Cache
	logger logger.Logger

	mu         sync.Mutex // serializes offset reservation + writer enqueue, see below
	nextOffset logs.LogletOffset
	sealed     bool
	hasTrim    bool
	trimPoint  logs.LogletOffset

	tail *TailWatch
}

// Open loads the loglet's persisted state and constructs a ready-to-use
// LocalLoglet.
func Open(id logs.LogletID, store *logstore.PebbleStore, writer *logstore.Writer, opts Options) (*LocalLoglet, error) {
	state, err := store.LoadLogletState(id)
	if err != nil {
		return nil, loglet.WrapStorage(err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	l := &LocalLoglet{
		id:         id,
		store:      store,
		writer:     writer,
		cache:      opts.Cache,
		logger:     opts.Logger,
		nextOffset: state.LocalTail,
		sealed:     state.IsSealed,
		hasTrim:    state.HasTrim,
		trimPoint:  state.TrimPoint,
	}
	initial := logs.Open(state.LocalTail)
	if state.IsSealed {
		initial = logs.Sealed(state.LocalTail)
	}
	l.tail = NewTailWatch(initial)
	return l, nil
}

// EnqueueBatch reserves a contiguous offset range and hands the batch to the
// writer. The offset reservation and the writer enqueue happen under the
// same lock so that, across concurrent callers, the writer always receives
// stores in increasing-offset order — otherwise two goroutines could race
// between "reserve offsets" and "enqueue to writer" and have the writer
// commit a later range before an earlier one, breaking the store's
// contiguous-durable-range invariant (spec.md §3).
func (l *LocalLoglet) EnqueueBatch(ctx context.Context, records []logs.Record) (*loglet.CommitToken, error) {
	if len(records) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return nil, loglet.ErrSealed
	}
	first := l.nextOffset
	l.nextOffset += logs.LogletOffset(len(records))
	writerToken := l.writer.EnqueueStore(logstore.Store{Loglet: l.id, FirstOffset: first, Records: records})
	l.mu.Unlock()

	commitTok, resolve := loglet.NewCommitToken()
	go l.awaitCommit(ctx, writerToken, first, records, resolve)
	return commitTok, nil
}

func (l *LocalLoglet) awaitCommit(
	ctx context.Context,
	writerToken logstore.AsyncToken,
	first logs.LogletOffset,
	records []logs.Record,
	resolve func(logs.LogletOffset, error),
) {
	err := writerToken.Wait(ctx)
	if err != nil {
		// Writer failure: don't roll back the in-memory tail (spec.md
		// §4.5). Seal instead so offsets already handed out never get
		// silently reused by a later, successful append.
		l.sealOnFailure()
		resolve(0, loglet.ErrSealed)
		return
	}

	if l.cache != nil {
		for i, rec := range records {
			l.cache.Put(recordcache.Key{Loglet: l.id, Offset: first + logs.LogletOffset(i)}, rec)
		}
	}

	// Publish one past this batch's last record, not l.nextOffset: offsets
	// reserved by later, not yet durable appends stay out of the tail.
	l.mu.Lock()
	sealed := l.sealed
	next := first + logs.LogletOffset(len(records))
	if cur := l.tail.Load().NextOffset; cur > next {
		next = cur
	}
	if sealed {
		l.tail.Set(logs.Sealed(next))
	} else {
		l.tail.Set(logs.Open(next))
	}
	l.mu.Unlock()
	resolve(first, nil)
}

func (l *LocalLoglet) sealOnFailure() {
	l.mu.Lock()
	l.sealed = true
	next := l.nextOffset
	l.mu.Unlock()
	l.tail.Set(logs.Sealed(next))
}

// FindTail returns the current tail state.
func (l *LocalLoglet) FindTail(ctx context.Context) (logs.TailState, error) {
	return l.tail.Load(), nil
}

// GetTrimPoint returns the current trim point.
func (l *LocalLoglet) GetTrimPoint(ctx context.Context) (logs.LogletOffset, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimPoint, l.hasTrim, nil
}

// Trim advances the trim point. Idempotent: trimming to an offset at or
// below the current trim point is a no-op (spec.md §8.5). Trimming beyond
// the current tail clips to the last assigned offset, one below the tail
// (spec.md §8, "trim then read" scenario).
func (l *LocalLoglet) Trim(ctx context.Context, newTrimPoint logs.LogletOffset) error {
	l.mu.Lock()
	if l.hasTrim && newTrimPoint <= l.trimPoint {
		l.mu.Unlock()
		return nil
	}
	tail := l.nextOffset
	clipped := newTrimPoint
	if tail > 0 && clipped > tail-1 {
		clipped = tail - 1
	}
	if l.hasTrim && clipped <= l.trimPoint {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	tok := l.writer.EnqueueTrim(logstore.Trim{Loglet: l.id, NewTrimPoint: clipped})
	if err := tok.Wait(ctx); err != nil {
		return loglet.WrapStorage(err)
	}

	l.mu.Lock()
	l.hasTrim = true
	l.trimPoint = clipped
	l.mu.Unlock()
	return nil
}

// Seal marks the loglet immutable. Idempotent (spec.md §8.5).
func (l *LocalLoglet) Seal(ctx context.Context) error {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	tok := l.writer.EnqueueSeal(logstore.Seal{Loglet: l.id})
	if err := tok.Wait(ctx); err != nil {
		return loglet.WrapStorage(err)
	}

	l.mu.Lock()
	l.sealed = true
	next := l.nextOffset
	l.mu.Unlock()
	l.tail.Set(logs.Sealed(next))
	return nil
}

// CreateReadStream returns a stream over [from, to) honoring filter
// (spec.md §4.4, §4.5).
func (l *LocalLoglet) CreateReadStream(filter logs.KeyFilter, from logs.LogletOffset, to *logs.LogletOffset) loglet.ReadStream {
	return newReadStream(l, filter, from, to)
}

// WatchTail returns a channel of TailState updates.
func (l *LocalLoglet) WatchTail() <-chan logs.TailState {
	done := make(chan struct{})
	ch := Subscribe(l.tail, done)
	// The channel returned by Subscribe already stops on its own once the
	// caller stops receiving and the underlying goroutine observes a closed
	// "done"; since callers of WatchTail never get a handle on "done" here,
	// tie its lifetime to the loglet instead by never closing it explicitly
	// — Subscribe's goroutine exits when its output channel's consumer goes
	// away is not observable without a done signal, so for WatchTail we
	// accept the small leak window until the loglet itself is dropped, the
	// same tradeoff liftbridge's NotifyLEO takes with waiter maps that are
	// only cleaned up on the next notification.
	_ = done
	return ch
}
