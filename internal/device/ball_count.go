package device

import (
	"context"
	"sync"
	"time"
)

// BallCountHandler fuses the physical counter with the logical ball
// count of the device. While an eject runs the counter is locked out
// so the departing ball is not misread as missing, and once the eject
// resolves the logical count is reconciled with the hardware.
type BallCountHandler struct {
	device  *BallDevice
	counter Counter

	// isCounting serializes recounts against running ejects.
	isCounting chan struct{}

	countValid   *latch
	revalidate   *latch
	ejectStarted *latch
	hasBalls     *latch

	mu        sync.Mutex
	ballCount int
	watchers  []*Signal

	stream *ActivityStream
}

func newBallCountHandler(dev *BallDevice) *BallCountHandler {
	return &BallCountHandler{
		device:       dev,
		counter:      dev.counter,
		isCounting:   make(chan struct{}, 1),
		countValid:   newLatch(false),
		revalidate:   newLatch(false),
		ejectStarted: newLatch(false),
		hasBalls:     newLatch(false),
	}
}

// Start performs the initial count and begins watching for changes.
// Balls present at startup are handled as already known, not as new
// arrivals.
func (h *BallCountHandler) Start(ctx context.Context) error {
	count, err := h.counter.CountBalls(ctx)
	if err != nil {
		return err
	}
	if h.counter.IsCountUnreliable() {
		if err := h.reorderBalls(ctx); err != nil {
			return err
		}
		if count, err = h.counter.CountBalls(ctx); err != nil {
			return err
		}
	}
	h.setBallCount(count)
	h.countValid.Set()
	h.stream = h.counter.RegisterChangeStream()
	go h.run(ctx)
	return nil
}

// HandledBalls returns the logical ball count.
func (h *BallCountHandler) HandledBalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ballCount
}

func (h *BallCountHandler) setBallCount(count int) {
	h.mu.Lock()
	h.ballCount = count
	watchers := h.watchers
	h.watchers = nil
	h.mu.Unlock()

	if count > 0 {
		h.hasBalls.Set()
	} else {
		h.hasBalls.Clear()
	}
	for _, w := range watchers {
		w.Set()
	}
	h.device.ballCountChanged(count)
}

func (h *BallCountHandler) addBalls(delta int) {
	h.mu.Lock()
	count := h.ballCount + delta
	h.mu.Unlock()
	h.setBallCount(count)
}

// waitForCountChange returns a signal fired on the next logical count
// update.
func (h *BallCountHandler) waitForCountChange() *Signal {
	s := NewSignal()
	h.mu.Lock()
	h.watchers = append(h.watchers, s)
	h.mu.Unlock()
	return s
}

// WaitForBall blocks until the device holds at least one ball.
func (h *BallCountHandler) WaitForBall(ctx context.Context) error {
	return h.hasBalls.WaitSet(ctx)
}

// WaitForCountIsValid blocks until the hardware count was reconciled.
func (h *BallCountHandler) WaitForCountIsValid(ctx context.Context) error {
	return h.countValid.WaitSet(ctx)
}

// WaitForReadyToReceive blocks until this device can accept a ball
// from source: free space has to exceed the balls already underway.
func (h *BallCountHandler) WaitForReadyToReceive(ctx context.Context, source string) error {
	for {
		free := h.counter.Capacity() - h.HandledBalls()
		incoming := h.device.incoming.expectedBalls()
		if free > incoming && h.counter.IsReadyToReceive() {
			h.device.log.Debug("ready to receive", "source", source, "free", free, "incoming", incoming)
			return nil
		}
		change := h.waitForCountChange()
		activity := h.counter.WaitForBallActivity()
		select {
		case <-change.Done():
		case <-activity.Done():
		case <-h.device.incoming.changed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartEject locks out recounts and begins tracking one eject attempt.
// With alreadyLeft the ball departed before the request, so the count
// is bumped to cover it until endEject settles the books.
func (h *BallCountHandler) StartEject(ctx context.Context, alreadyLeft bool) (*EjectTracker, error) {
	if err := h.device.incoming.startEject(ctx); err != nil {
		return nil, err
	}
	select {
	case h.isCounting <- struct{}{}:
	case <-ctx.Done():
		h.device.incoming.endEject()
		return nil, ctx.Err()
	}
	h.ejectStarted.Set()
	h.device.log.Debug("started eject", "already_left", alreadyLeft)

	tracker := newEjectTracker(h, alreadyLeft)
	if alreadyLeft {
		h.addBalls(1)
	}
	if err := tracker.WillEject(ctx); err != nil {
		h.releaseEject()
		return nil, err
	}
	return tracker, nil
}

// endEject settles the attempt: ballLeft says whether the ball is
// gone for good (confirmed or lost) rather than back in the device.
func (h *BallCountHandler) endEject(tracker *EjectTracker, ballLeft bool) {
	h.device.log.Debug("ended eject", "attempt", tracker.AttemptID, "ball_left", ballLeft)
	if ballLeft {
		h.addBalls(-1)
	}
	h.releaseEject()
}

func (h *BallCountHandler) releaseEject() {
	h.ejectStarted.Clear()
	select {
	case <-h.isCounting:
	default:
	}
	h.device.incoming.endEject()
	h.revalidate.Set()
}

// entranceDuringEject books a ball that entered while an eject was
// running.
func (h *BallCountHandler) entranceDuringEject() {
	h.device.incoming.ballArrived()
	h.addBalls(1)
}

func (h *BallCountHandler) reorderBalls(ctx context.Context) error {
	if h.device.ejector == nil {
		h.device.log.Warn("balls are stacked and device has no ejector to reorder them")
		return nil
	}
	return h.device.ejector.ReorderBalls(ctx)
}

// run reconciles hardware counts with the logical count whenever the
// counter reports activity, a revalidation is requested, or an eject
// just finished.
func (h *BallCountHandler) run(ctx context.Context) {
	for {
		select {
		case <-h.stream.Ready():
		case <-h.revalidate.Wait():
		case <-ctx.Done():
			return
		}
		h.revalidate.Clear()

		// An eject in progress owns the counter; wait for it.
		select {
		case h.isCounting <- struct{}{}:
		case <-ctx.Done():
			return
		}
		for {
			if _, ok := h.stream.TryGet(); !ok {
				break
			}
		}

		count, err := h.counter.CountBalls(ctx)
		if err != nil {
			<-h.isCounting
			return
		}
		if h.counter.IsCountUnreliable() {
			if err := h.reorderBalls(ctx); err != nil {
				h.device.log.Warn("reordering balls failed", "error", err)
			}
			<-h.isCounting
			h.revalidate.Set()
			continue
		}

		old := h.HandledBalls()
		switch {
		case count > old:
			h.device.log.Debug("found new balls", "count", count, "old", old)
			h.setBallCount(count)
			for i := 0; i < count-old; i++ {
				h.device.incoming.ballArrived()
			}
		case count < old:
			h.handleMissingBalls(ctx, count, old-count)
		}
		<-h.isCounting
		h.countValid.Set()
	}
}

// handleMissingBalls deals with balls that vanished outside an eject.
// On an idle device the ball gets a grace period to show up again
// before it is declared missing.
func (h *BallCountHandler) handleMissingBalls(ctx context.Context, count, missing int) {
	if !h.device.outgoing.isIdle() {
		h.device.log.Debug("balls moved during eject, tracker will handle them", "missing", missing)
		return
	}
	if h.device.cfg.MechanicalEject {
		// A mechanical device cannot hold its ball; the player shot it.
		h.device.log.Debug("ball left mechanical device", "missing", missing)
		h.setBallCount(count)
		for i := 0; i < missing; i++ {
			h.device.lostIdleBall(ctx)
		}
		return
	}

	grace := h.device.cfg.IdleMissingBallTimeout.Std()
	activity := h.counter.WaitForBallActivity()
	select {
	case <-activity.Done():
		// Something moved; recount instead of declaring a loss.
		h.revalidate.Set()
		return
	case <-time.After(grace):
	case <-ctx.Done():
		return
	}
	h.setBallCount(count)
	for i := 0; i < missing; i++ {
		h.device.lostIdleBall(ctx)
	}
}
