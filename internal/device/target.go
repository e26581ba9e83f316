package device

import "context"

// Target is anything a ball device can eject to: another ball device
// or a playfield.
type Target interface {
	Name() string
	IsPlayfield() bool

	// AvailableBalls is the number of balls this target could give
	// away right now.
	AvailableBalls() int

	// AddAvailableBalls adjusts the available count, for example when
	// an eject chain promises this target a ball.
	AddAvailableBalls(delta int)

	// AddMissingBalls books balls the machine lost track of; they are
	// assumed to end up here eventually.
	AddMissingBalls(n int)

	// AddIncomingBall announces a ball heading here.
	AddIncomingBall(ball *IncomingBall)

	// RemoveIncomingBall withdraws an announcement.
	RemoveIncomingBall(ball *IncomingBall)

	// ConfirmArrival resolves an announced ball without a hardware
	// observation, as the playfield grace window does.
	ConfirmArrival(ball *IncomingBall)

	// WaitForReadyToReceive blocks until this target can accept a ball
	// from source.
	WaitForReadyToReceive(ctx context.Context, source Target) error

	// CancelPathIfTargetIs checks whether a ball underway from here is
	// bound for target and cancels that leg if possible.
	CancelPathIfTargetIs(start, target Target) bool

	// FindAvailableBallInPath looks along the current eject chain for
	// a device that still holds an available ball.
	FindAvailableBallInPath(start Target) bool
}
