package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/platform"
)

// Ejector moves one ball out of a device.
type Ejector interface {
	// EjectOneBall fires the mechanism once. jammed and attempt let
	// implementations push harder on retries or against a jammed ball.
	EjectOneBall(ctx context.Context, jammed bool, attempt int, ballsInDevice int) error

	// ReorderBalls shakes stacked balls back into countable positions.
	ReorderBalls(ctx context.Context) error

	// BallSearch actuates the mechanism during a ball search. It
	// reports whether anything was fired.
	BallSearch(ctx context.Context) (bool, error)
}

// NewEjector builds the ejector matching the device config, or nil
// for purely mechanical devices.
func NewEjector(cfg config.BallDevice, machine *config.Machine, pf platform.Platform, log *slog.Logger) (Ejector, error) {
	switch {
	case cfg.EjectCoil != "":
		drv, err := pf.Driver(cfg.EjectCoil)
		if err != nil {
			return nil, err
		}
		return &PulseCoilEjector{
			coil:  drv,
			pulse: machine.Coils[cfg.EjectCoil].DefaultPulse.Std(),
			log:   log,
		}, nil
	case cfg.HoldCoil != "":
		drv, err := pf.Driver(cfg.HoldCoil)
		if err != nil {
			return nil, err
		}
		return &HoldCoilEjector{
			coil:        drv,
			releaseTime: config.DefaultHoldCoilReleaseTime,
			log:         log,
		}, nil
	case cfg.EnableCoil != "":
		drv, err := pf.Driver(cfg.EnableCoil)
		if err != nil {
			return nil, err
		}
		return &EnableCoilEjector{
			coil:    drv,
			runTime: machine.Coils[cfg.EnableCoil].DefaultPulse.Std(),
			log:     log,
		}, nil
	default:
		return nil, nil
	}
}

// PulseCoilEjector kicks the ball out with a single coil pulse.
type PulseCoilEjector struct {
	coil  platform.Driver
	pulse time.Duration
	log   *slog.Logger
}

func (e *PulseCoilEjector) EjectOneBall(ctx context.Context, jammed bool, attempt int, ballsInDevice int) error {
	pulse := e.pulse
	// A jammed ball or a stubborn one gets a longer kick.
	if jammed || attempt >= 2 {
		pulse = pulse * 3 / 2
	}
	e.log.Debug("pulsing eject coil", "coil", e.coil.Name(), "pulse", pulse, "attempt", attempt)
	e.coil.Pulse(pulse)
	return nil
}

func (e *PulseCoilEjector) ReorderBalls(ctx context.Context) error {
	e.log.Debug("pulsing eject coil to reorder stacked balls", "coil", e.coil.Name())
	e.coil.Pulse(e.pulse)
	return nil
}

func (e *PulseCoilEjector) BallSearch(ctx context.Context) (bool, error) {
	e.coil.Pulse(e.pulse)
	return true, nil
}

// HoldCoilEjector holds its balls with an energized coil and releases
// one by dropping the coil briefly.
type HoldCoilEjector struct {
	coil        platform.Driver
	releaseTime time.Duration
	log         *slog.Logger
}

func (e *HoldCoilEjector) EjectOneBall(ctx context.Context, jammed bool, attempt int, ballsInDevice int) error {
	e.log.Debug("releasing hold coil", "coil", e.coil.Name(), "release", e.releaseTime)
	e.coil.Disable()
	select {
	case <-time.After(e.releaseTime):
	case <-ctx.Done():
	}
	if ballsInDevice > 1 {
		// Catch the remaining balls.
		e.coil.Enable()
	}
	return nil
}

// Hold energizes the coil to trap an arriving ball.
func (e *HoldCoilEjector) Hold() {
	e.coil.Enable()
}

func (e *HoldCoilEjector) ReorderBalls(ctx context.Context) error {
	// Dropping and re-grabbing settles the stack.
	return e.EjectOneBall(ctx, false, 0, 2)
}

func (e *HoldCoilEjector) BallSearch(ctx context.Context) (bool, error) {
	if err := e.EjectOneBall(ctx, false, 0, 1); err != nil {
		return false, err
	}
	return true, nil
}

// EnableCoilEjector runs a motor-driven mechanism until the ball is
// out.
type EnableCoilEjector struct {
	coil    platform.Driver
	runTime time.Duration
	log     *slog.Logger
}

func (e *EnableCoilEjector) EjectOneBall(ctx context.Context, jammed bool, attempt int, ballsInDevice int) error {
	e.log.Debug("running eject motor", "coil", e.coil.Name(), "run", e.runTime)
	e.coil.Enable()
	select {
	case <-time.After(e.runTime):
	case <-ctx.Done():
	}
	e.coil.Disable()
	return nil
}

func (e *EnableCoilEjector) ReorderBalls(ctx context.Context) error {
	return e.EjectOneBall(ctx, false, 0, 1)
}

func (e *EnableCoilEjector) BallSearch(ctx context.Context) (bool, error) {
	if err := e.EjectOneBall(ctx, false, 0, 1); err != nil {
		return false, err
	}
	return true, nil
}
