package local

import (
	"sync"
	"sync/atomic"

	"github.com/restatedev/bifrost/logs"
)

// TailWatch is a single-producer/many-consumer broadcast cell holding the
// latest TailState (spec.md §5, §9): subscribers observe only the latest
// value, never every intermediate one — sufficient because the tail only
// ever moves forward.
type TailWatch struct {
	state atomic.Value // logs.TailState

	mu   sync.Mutex
	ch   chan struct{}
}

// NewTailWatch creates a watch seeded with the given initial state.
func NewTailWatch(initial logs.TailState) *TailWatch {
	w := &TailWatch{ch: make(chan struct{})}
	w.state.Store(initial)
	return w
}

// Load returns the current TailState.
func (w *TailWatch) Load() logs.TailState {
	return w.state.Load().(logs.TailState)
}

// Set publishes a new TailState and wakes every current subscriber. Must
// only be called by the owning loglet's writer/sequencer (spec.md §5).
func (w *TailWatch) Set(next logs.TailState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Store(next)
	close(w.ch)
	w.ch = make(chan struct{})
}

// Changed returns a channel that closes the next time Set is called. Callers
// should re-Load after it fires, since multiple Set calls may have
// coalesced into a single wakeup.
func (w *TailWatch) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Subscribe returns a channel of TailState snapshots for consumers that want
// a chan-based API (spec.md §4.4 WatchTail). The goroutine behind it exits
// when done is closed.
func Subscribe(w *TailWatch, done <-chan struct{}) <-chan logs.TailState {
	out := make(chan logs.TailState, 1)
	go func() {
		defer close(out)
		last := w.Load()
		select {
		case out <- last:
		case <-done:
			return
		}
		for {
			select {
			case <-w.Changed():
				cur := w.Load()
				select {
				case out <- cur:
				case <-done:
					return
				default:
					// Lossy: drop if the consumer hasn't drained yet, matching
					// the broadcast cell's documented semantics.
				}
			case <-done:
				return
			}
		}
	}()
	return out
}
