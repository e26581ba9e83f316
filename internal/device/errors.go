package device

import (
	"errors"
	"fmt"
)

var (
	// ErrCountUnstable is returned by synchronous counts while switches
	// are still settling.
	ErrCountUnstable = errors.New("ball count unstable")

	// ErrDeviceBroken is returned for operations on a device that gave
	// up ejecting after exhausting its retries.
	ErrDeviceBroken = errors.New("ball device broken")

	// ErrNoPathToTarget is returned when no eject chain can reach the
	// requested target.
	ErrNoPathToTarget = errors.New("no path to target")

	// ErrNoBallAvailable is returned when a requested ball cannot be
	// sourced anywhere upstream.
	ErrNoBallAvailable = errors.New("no ball available")
)

// PathError reports a failed route search between two devices.
type PathError struct {
	Source string
	Target string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("no path from %q to %q", e.Source, e.Target)
}

func (e *PathError) Is(target error) bool {
	return target == ErrNoPathToTarget
}
