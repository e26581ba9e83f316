// Package platform abstracts the hardware boundary of the machine:
// switches that are observed and drivers (coils) that are actuated.
//
// The wire protocols of real controller boards live behind these
// interfaces and are not part of this module; the bundled virtual
// platform implements them in software for tests and bench runs.
package platform

import "time"

// Driver is a single coil output.
type Driver interface {
	Name() string

	// Pulse energizes the coil for the given duration and releases it.
	Pulse(d time.Duration)

	// Enable holds the coil energized until Disable is called.
	Enable()
	Disable()
}

// Platform provides named drivers and feeds switch changes into a
// SwitchController.
type Platform interface {
	// Driver returns the named coil driver.
	Driver(name string) (Driver, error)

	// Switches returns the controller that observes this platform's
	// switch inputs.
	Switches() *SwitchController

	// Stop releases platform resources.
	Stop()
}
