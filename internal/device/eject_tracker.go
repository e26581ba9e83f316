package device

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EjectTracker follows the ball activity of one eject attempt from
// just before the actuator fires until the attempt is resolved. It
// answers three questions for the outgoing handler: did the ball
// leave, did it bounce back, and did balls appear that we cannot
// explain.
type EjectTracker struct {
	handler *BallCountHandler

	// AttemptID tags the attempt in logs and the event journal.
	AttemptID uuid.UUID

	alreadyLeft bool

	stream     *ActivityStream
	ballLeft   *Signal
	leftCancel func()

	ballReturned *Signal
	unknownBalls *latch

	mu      sync.Mutex
	unknown int
	lost    int

	cancelRun context.CancelFunc
	done      *Signal
}

func newEjectTracker(h *BallCountHandler, alreadyLeft bool) *EjectTracker {
	return &EjectTracker{
		handler:      h,
		AttemptID:    uuid.New(),
		alreadyLeft:  alreadyLeft,
		ballReturned: NewSignal(),
		unknownBalls: newLatch(false),
		done:         NewSignal(),
	}
}

// WillEject arms the tracker. It must run before the actuator fires:
// the departure watcher has to be in place when the ball moves.
func (t *EjectTracker) WillEject(ctx context.Context) error {
	if err := t.handler.counter.WaitForCountStable(ctx); err != nil {
		return err
	}
	t.stream = t.handler.counter.RegisterChangeStream()
	if !t.alreadyLeft {
		sig, cancel, err := t.handler.counter.WaitForBallToLeave(ctx)
		if err != nil {
			t.handler.counter.UnregisterChangeStream(t.stream)
			return err
		}
		t.ballLeft = sig
		t.leftCancel = cancel
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancelRun = cancel
	go t.run(runCtx)
	return nil
}

// run consumes the activity stream for the duration of the attempt.
func (t *EjectTracker) run(ctx context.Context) {
	departed := t.alreadyLeft
	for {
		act, err := t.stream.Get(ctx)
		if err != nil {
			return
		}
		switch act.Kind {
		case ActivityLost:
			// The first loss after the departure watcher fired is the
			// ejected ball itself, not a missing ball.
			if !departed && t.ballLeft != nil && t.ballLeft.IsSet() {
				departed = true
				continue
			}
			t.trackLost(1)
		case ActivityReturn:
			t.ballReturned.Set()
		case ActivityUnknown:
			t.trackUnknown(1)
		case ActivityEntrance:
			t.handler.entranceDuringEject()
		}
	}
}

func (t *EjectTracker) trackUnknown(n int) {
	t.mu.Lock()
	t.unknown += n
	t.mu.Unlock()
	t.unknownBalls.Set()
}

func (t *EjectTracker) trackLost(n int) {
	t.mu.Lock()
	t.lost += n
	balanced := t.lost >= t.unknown
	t.mu.Unlock()
	// A loss that balances an earlier unknown ball means the stray
	// ball moved on; stop reporting it.
	if balanced {
		t.unknownBalls.Clear()
	}
}

// NumUnknownBalls returns unexplained new balls minus later losses.
func (t *EjectTracker) NumUnknownBalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.unknown - t.lost
	if n < 0 {
		n = 0
	}
	return n
}

// BallLeftDone fires when the ejected ball physically left. For
// already-left attempts it is nil.
func (t *EjectTracker) BallLeftDone() <-chan struct{} {
	if t.ballLeft == nil {
		return nil
	}
	return t.ballLeft.Done()
}

// BallReturnDone fires when the ball bounced back into the device.
func (t *EjectTracker) BallReturnDone() <-chan struct{} { return t.ballReturned.Done() }

func (t *EjectTracker) BallReturnSeen() bool { return t.ballReturned.IsSet() }

// UnknownBallsWait is closed while unexplained balls are present.
func (t *EjectTracker) UnknownBallsWait() <-chan struct{} { return t.unknownBalls.Wait() }

// IsJammed reports the jam switch state at actuation time.
func (t *EjectTracker) IsJammed() bool { return t.handler.counter.IsJammed() }

func (t *EjectTracker) cancel() {
	t.done.Set()
	if t.cancelRun != nil {
		t.cancelRun()
	}
	if t.leftCancel != nil {
		t.leftCancel()
	}
	if t.stream != nil {
		t.handler.counter.UnregisterChangeStream(t.stream)
	}
}

// EjectSuccess resolves the attempt: the target confirmed the ball.
func (t *EjectTracker) EjectSuccess() {
	t.cancel()
	t.handler.endEject(t, true)
}

// BallReturned resolves the attempt: the ball is back in the device.
func (t *EjectTracker) BallReturned() {
	t.cancel()
	t.handler.endEject(t, false)
}

// BallLost resolves the attempt: the ball left and never arrived.
func (t *EjectTracker) BallLost() {
	t.cancel()
	t.handler.endEject(t, true)
}
