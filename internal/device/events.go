package device

import "github.com/openpin/openpin/internal/events"

// Machine-wide event names.
const (
	// EventBallsAvailable asks sources to claim newly available balls.
	// Handlers that take the ball return false to stop propagation.
	EventBallsAvailable = "balldevice_balls_available"

	// EventBallMissing is posted once per ball the machine lost track of.
	EventBallMissing = "balldevice_ball_missing"
)

// Per-device event name suffixes. Full names are
// "balldevice_<device>_<suffix>".
const (
	suffixBallEnter    = "ball_enter"
	suffixBallEntered  = "ball_entered"
	suffixEjectAttempt = "ball_eject_attempt"
	suffixEjecting     = "ejecting_ball"
	suffixEjectSuccess = "ball_eject_success"
	suffixEjectFailed  = "ball_eject_failed"
	suffixEjectBroken  = "eject_broken"
	suffixBallCount    = "ball_count_changed"
	suffixBallLost     = "ball_lost"
	suffixBallMissing  = "ball_missing"
	suffixUnexpected   = "unexpected_ball"
)

func deviceEvent(device, suffix string) string {
	return "balldevice_" + device + "_" + suffix
}

// EjectAttemptEvent is posted as a queue event before each eject
// attempt. Holders on Queue delay the actuation.
type EjectAttemptEvent struct {
	Balls       int
	Source      string
	Target      string
	Mechanical  bool
	NumAttempts int
	Queue       *events.Blockers
}

// EjectingBallEvent announces that the coil is about to fire.
type EjectingBallEvent struct {
	Balls       int
	Source      string
	Target      string
	Mechanical  bool
	NumAttempts int
}

// EjectSuccessEvent is posted after the target confirmed the ball.
type EjectSuccessEvent struct {
	Balls  int
	Source string
	Target string
}

// EjectFailedEvent is posted when an eject attempt will be retried.
type EjectFailedEvent struct {
	Balls       int
	Source      string
	Target      string
	Retries     int
	NumAttempts int
}

// EjectBrokenEvent is posted once when a device exhausts its retries
// and stops ejecting permanently.
type EjectBrokenEvent struct {
	Source   string
	Target   string
	Attempts int
}

// BallEnterEvent is posted as a relay when unclaimed balls enter a
// device. Handlers claim balls by decrementing Unclaimed on the
// shared payload.
type BallEnterEvent struct {
	Device    string
	NewBalls  int
	Unclaimed int
}

// BallEnteredEvent is posted after entrance claims are settled.
type BallEnteredEvent struct {
	Device    string
	NewBalls  int
	Unclaimed int
}

// BallCountChangedEvent reports the device's new handled ball count.
type BallCountChangedEvent struct {
	Device string
	Balls  int
}

// BallMissingEvent accompanies EventBallMissing and the per-device
// ball_missing event.
type BallMissingEvent struct {
	Device string
	Balls  int
}

// BallLostEvent is posted when an ejected ball never arrived anywhere.
type BallLostEvent struct {
	Source string
	Target string
}

// CapturedFromEvent is posted as
// "balldevice_captured_from_<source>" when a device captures a ball
// from a capture source such as the playfield.
type CapturedFromEvent struct {
	Device string
	Source string
	Balls  int
}

// UnexpectedBallEvent is posted when a ball arrives that no neighbor
// announced.
type UnexpectedBallEvent struct {
	Device string
}

// BallsAvailableEvent accompanies EventBallsAvailable.
type BallsAvailableEvent struct {
	Device string
}
