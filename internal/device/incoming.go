package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IncomingBall tracks one ball that is expected to arrive at a target.
type IncomingBall struct {
	// ID tags the expectation in logs.
	ID uuid.UUID

	source *BallDevice
	target Target

	mu    sync.Mutex
	state incomingState

	// deadline is set once an external confirm reported the ball en
	// route; zero means no timeout is armed.
	deadline time.Time

	confirmed       *Signal
	canSkip         *Signal
	externalConfirm bool
	externalSeen    bool
}

type incomingState int

const (
	incomingLeftDevice incomingState = iota
	incomingArrived
	incomingLost
)

func newIncomingBall(source *BallDevice, target Target) *IncomingBall {
	return &IncomingBall{
		ID:        uuid.New(),
		source:    source,
		target:    target,
		confirmed: NewSignal(),
		canSkip:   NewSignal(),
	}
}

// Source returns the device the ball left.
func (b *IncomingBall) Source() *BallDevice { return b.source }

// WillConfirmExternally marks that a confirm switch or event between
// source and target will report the ball before it arrives.
func (b *IncomingBall) WillConfirmExternally() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.externalConfirm = true
}

// ExternalConfirmSeen records the external confirm: the eject counts
// as confirmed, and the arrival timeout restarts because the ball is
// known to be on its way.
func (b *IncomingBall) ExternalConfirmSeen(missingTimeout time.Duration) {
	b.mu.Lock()
	b.externalSeen = true
	b.deadline = time.Now().Add(missingTimeout)
	b.mu.Unlock()
	b.confirmed.Set()
}

// Confirm resolves the expectation successfully.
func (b *IncomingBall) Confirm() {
	b.mu.Lock()
	b.state = incomingArrived
	b.deadline = time.Time{}
	b.mu.Unlock()
	b.confirmed.Set()
}

// ConfirmDone fires once the ball was confirmed.
func (b *IncomingBall) ConfirmDone() <-chan struct{} { return b.confirmed.Done() }

// CanArrive reports whether an arrival at the target right now can be
// this ball. With an external confirm pending the ball cannot have
// arrived yet.
func (b *IncomingBall) CanArrive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != incomingLeftDevice {
		return false
	}
	return !b.externalConfirm || b.externalSeen
}

// SetCanSkip marks that the ball may roll through the target without
// settling there.
func (b *IncomingBall) SetCanSkip() { b.canSkip.Set() }

// CanSkipDone fires when the ball may skip the target.
func (b *IncomingBall) CanSkipDone() <-chan struct{} { return b.canSkip.Done() }

func (b *IncomingBall) currentDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != incomingLeftDevice || b.deadline.IsZero() {
		return time.Time{}, false
	}
	return b.deadline, true
}

func (b *IncomingBall) markLost() {
	b.mu.Lock()
	b.state = incomingLost
	b.mu.Unlock()
}

// IncomingBallsHandler keeps the list of balls expected at a device
// and times out the ones that never show up.
type IncomingBallsHandler struct {
	device *BallDevice

	mu       sync.Mutex
	expected []*IncomingBall
	changeCh chan struct{}

	// isTimeouting keeps arrival timeouts from racing our own ejects.
	isTimeouting chan struct{}
}

func newIncomingBallsHandler(dev *BallDevice) *IncomingBallsHandler {
	return &IncomingBallsHandler{
		device:       dev,
		changeCh:     make(chan struct{}),
		isTimeouting: make(chan struct{}, 1),
	}
}

func (h *IncomingBallsHandler) Start(ctx context.Context) error {
	go h.run(ctx)
	return nil
}

// expectedBalls returns how many balls are currently inbound.
func (h *IncomingBallsHandler) expectedBalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.expected)
}

// changed returns a channel closed on the next list change.
func (h *IncomingBallsHandler) changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changeCh
}

func (h *IncomingBallsHandler) notifyLocked() {
	close(h.changeCh)
	h.changeCh = make(chan struct{})
}

// addIncomingBall registers an expectation.
func (h *IncomingBallsHandler) addIncomingBall(ball *IncomingBall) {
	h.mu.Lock()
	h.expected = append(h.expected, ball)
	h.notifyLocked()
	h.mu.Unlock()
	h.device.log.Debug("expecting incoming ball", "incoming", ball.ID, "source", ball.source.Name())
}

// removeIncomingBall drops an expectation.
func (h *IncomingBallsHandler) removeIncomingBall(ball *IncomingBall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.expected {
		if cur == ball {
			h.expected = append(h.expected[:i], h.expected[i+1:]...)
			h.notifyLocked()
			return
		}
	}
}

// startEject pauses arrival timeouts while this device ejects, so a
// timed-out inbound ball cannot be repaired mid-eject.
func (h *IncomingBallsHandler) startEject(ctx context.Context) error {
	select {
	case h.isTimeouting <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *IncomingBallsHandler) endEject() {
	select {
	case <-h.isTimeouting:
	default:
	}
}

// ballArrived matches a physical arrival against the expectation list.
// The oldest expectation that can be this ball claims it; with no
// match the ball is unexpected.
func (h *IncomingBallsHandler) ballArrived() {
	h.mu.Lock()
	var match *IncomingBall
	for i, ball := range h.expected {
		if ball.CanArrive() {
			match = ball
			h.expected = append(h.expected[:i], h.expected[i+1:]...)
			h.notifyLocked()
			break
		}
	}
	h.mu.Unlock()

	if match != nil {
		h.device.log.Debug("expected ball arrived", "incoming", match.ID)
		match.Confirm()
		h.device.expectedBallReceived()
	} else {
		h.device.log.Debug("unexpected ball arrived")
		h.device.unexpectedBallReceived()
	}
}

// run times out expectations whose deadline passed.
func (h *IncomingBallsHandler) run(ctx context.Context) {
	for {
		deadline, armed := h.earliestDeadline()

		var timer *time.Timer
		var timeout <-chan time.Time
		if armed {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}
		select {
		case <-h.changed():
		case <-timeout:
			h.expireBalls(ctx)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (h *IncomingBallsHandler) earliestDeadline() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var earliest time.Time
	found := false
	for _, ball := range h.expected {
		if d, ok := ball.currentDeadline(); ok && (!found || d.Before(earliest)) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

func (h *IncomingBallsHandler) expireBalls(ctx context.Context) {
	select {
	case h.isTimeouting <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-h.isTimeouting }()

	now := time.Now()
	h.mu.Lock()
	var expired []*IncomingBall
	remaining := h.expected[:0]
	for _, ball := range h.expected {
		if d, ok := ball.currentDeadline(); ok && !d.After(now) {
			expired = append(expired, ball)
		} else {
			remaining = append(remaining, ball)
		}
	}
	h.expected = remaining
	if len(expired) > 0 {
		h.notifyLocked()
	}
	h.mu.Unlock()

	for _, ball := range expired {
		h.device.log.Warn("incoming ball never arrived", "incoming", ball.ID, "source", ball.source.Name())
		ball.markLost()
		h.device.lostIncomingBall(ctx, ball.source)
	}
}
