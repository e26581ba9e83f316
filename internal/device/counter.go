package device

import (
	"context"
	"log/slog"
	"sync"
)

// Counter tracks the number of balls physically present in a device.
// Implementations watch hardware switches and publish settled ball
// movements as activities.
type Counter interface {
	// Start begins watching switches. The counter stops when ctx is
	// cancelled.
	Start(ctx context.Context) error

	// CountBalls waits for the switches to settle and returns the count.
	CountBalls(ctx context.Context) (int, error)

	// CountBallsSync returns the count immediately or ErrCountUnstable
	// while switches are still settling.
	CountBallsSync() (int, error)

	// Capacity is the most balls the device can hold.
	Capacity() int

	// IsJammed reports whether the jam switch is active.
	IsJammed() bool

	// IsCountUnreliable reports whether balls are stacked in a way that
	// hides the true count.
	IsCountUnreliable() bool

	// IsReadyToReceive reports whether another ball fits right now.
	IsReadyToReceive() bool

	// WaitForReadyToReceive blocks until another ball fits.
	WaitForReadyToReceive(ctx context.Context) error

	// WaitForCountStable blocks until the switches have settled.
	WaitForCountStable(ctx context.Context) error

	// WaitForBallActivity returns a one-shot signal fired on the next
	// settled count change.
	WaitForBallActivity() *Signal

	// WaitForBallCountChanges blocks until the settled count differs
	// from old and returns the new count.
	WaitForBallCountChanges(ctx context.Context, old int) (int, error)

	// WaitForBallToLeave waits for the count to settle, then arms a
	// watcher on the balls currently present. The signal fires when one
	// of them departs. The cancel func disarms the watcher.
	WaitForBallToLeave(ctx context.Context) (*Signal, func(), error)

	// RegisterChangeStream subscribes to the activity feed.
	RegisterChangeStream() *ActivityStream

	// UnregisterChangeStream drops a subscription.
	UnregisterChangeStream(s *ActivityStream)

	// ReceivedEntranceEvent records an entrance observation used to
	// classify the next new ball as an entrance rather than unknown.
	ReceivedEntranceEvent()
}

// baseCounter carries the bookkeeping shared by the switch based
// counter implementations.
type baseCounter struct {
	name string
	log  *slog.Logger

	mu          sync.Mutex
	lastCount   int
	countValid  bool
	streams     []*ActivityStream
	activitySig []*Signal

	stable *latch
}

func newBaseCounter(name string, log *slog.Logger) baseCounter {
	return baseCounter{
		name:   name,
		log:    log.With("counter", name),
		stable: newLatch(false),
	}
}

// record publishes activities for a settled movement and remembers the
// new count. Callers hold no locks.
func (b *baseCounter) record(count int, activities []BallActivity) {
	b.mu.Lock()
	b.lastCount = count
	b.countValid = true
	streams := make([]*ActivityStream, len(b.streams))
	copy(streams, b.streams)
	var sigs []*Signal
	if len(activities) > 0 {
		sigs = b.activitySig
		b.activitySig = nil
	}
	b.mu.Unlock()

	for _, a := range activities {
		b.log.Debug("ball activity", "kind", a.Kind.String(), "count", count)
		for _, s := range streams {
			s.put(a)
		}
	}
	for _, s := range sigs {
		s.Set()
	}
}

func (b *baseCounter) markUnstable() { b.stable.Clear() }
func (b *baseCounter) markStable()   { b.stable.Set() }

func (b *baseCounter) lastKnown() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCount, b.countValid
}

func (b *baseCounter) WaitForCountStable(ctx context.Context) error {
	return b.stable.WaitSet(ctx)
}

func (b *baseCounter) WaitForBallActivity() *Signal {
	s := NewSignal()
	b.mu.Lock()
	b.activitySig = append(b.activitySig, s)
	b.mu.Unlock()
	return s
}

func (b *baseCounter) RegisterChangeStream() *ActivityStream {
	s := newActivityStream()
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s
}

func (b *baseCounter) UnregisterChangeStream(s *ActivityStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.streams {
		if cur == s {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			return
		}
	}
}
