package device

import (
	"context"
	"sync"
)

// Signal is a one-shot notification. Set may be called any number of
// times; Done is closed on the first call and stays closed.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call concurrently and repeatedly.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel that is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// latch is a resettable level-triggered flag. Waiters observe the
// current level: Wait returns a channel that is closed while the latch
// is set, and a fresh open channel after Clear.
type latch struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newLatch(set bool) *latch {
	l := &latch{set: set, ch: make(chan struct{})}
	if set {
		close(l.ch)
	}
	return l
}

func (l *latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

func (l *latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Wait returns the channel for the current level. Callers must re-check
// after waking since the latch may have been cleared again.
func (l *latch) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// WaitSet blocks until the latch is set or ctx is done.
func (l *latch) WaitSet(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.set {
			l.mu.Unlock()
			return nil
		}
		ch := l.ch
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fifo is an unbounded FIFO queue. Put never blocks.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{ready: make(chan struct{})}
}

func (f *fifo[T]) Put(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, v)
	select {
	case <-f.ready:
	default:
		close(f.ready)
	}
}

// Ready returns a channel that is closed while the queue is non-empty.
func (f *fifo[T]) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fifo[T]) TryGet() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if len(f.items) == 0 {
		return zero, false
	}
	v := f.items[0]
	f.items = f.items[1:]
	if len(f.items) == 0 {
		f.ready = make(chan struct{})
	}
	return v, true
}

// Get blocks until an item is available or ctx is done.
func (f *fifo[T]) Get(ctx context.Context) (T, error) {
	for {
		if v, ok := f.TryGet(); ok {
			return v, nil
		}
		ready := f.Ready()
		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (f *fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
