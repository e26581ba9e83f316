package platform

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Virtual is a software-only platform. Switch changes are injected by
// tests (SetSwitch) or by the file feed; drivers record their
// actuations instead of moving hardware.
type Virtual struct {
	mu       sync.Mutex
	ctrl     *SwitchController
	drivers  map[string]*VirtualDriver
	log      *slog.Logger
}

// NewVirtual returns an empty virtual platform.
func NewVirtual(log *slog.Logger) *Virtual {
	if log == nil {
		log = slog.Default()
	}
	return &Virtual{
		ctrl:    NewSwitchController(log),
		drivers: make(map[string]*VirtualDriver),
		log:     log,
	}
}

// AddSwitch registers a switch in the inactive state.
func (v *Virtual) AddSwitch(name string) {
	v.ctrl.RegisterSwitch(name, false)
}

// AddDriver registers a coil driver.
func (v *Virtual) AddDriver(name string) *VirtualDriver {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.drivers[name]; ok {
		return d
	}
	d := &VirtualDriver{name: name, log: v.log}
	v.drivers[name] = d
	return d
}

// SetSwitch injects a switch state change.
func (v *Virtual) SetSwitch(name string, active bool) error {
	return v.ctrl.ProcessSwitch(name, active)
}

// Driver implements Platform.
func (v *Virtual) Driver(name string) (Driver, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown coil %q", name)
	}
	return d, nil
}

// Switches implements Platform.
func (v *Virtual) Switches() *SwitchController {
	return v.ctrl
}

// Stop implements Platform.
func (v *Virtual) Stop() {}

// VirtualDriver records pulses and enable state. Tests can attach an
// OnPulse hook to simulate the ball motion a real coil would cause.
type VirtualDriver struct {
	name    string
	log     *slog.Logger
	mu      sync.Mutex
	pulses  int
	enabled bool
	onPulse func()
}

// Name implements Driver.
func (d *VirtualDriver) Name() string { return d.name }

// Pulse implements Driver.
func (d *VirtualDriver) Pulse(duration time.Duration) {
	d.mu.Lock()
	d.pulses++
	hook := d.onPulse
	d.mu.Unlock()
	d.log.Debug("virtual coil pulsed", "coil", d.name, "ms", duration.Milliseconds())
	if hook != nil {
		hook()
	}
}

// Enable implements Driver.
func (d *VirtualDriver) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	d.log.Debug("virtual coil enabled", "coil", d.name)
}

// Disable implements Driver.
func (d *VirtualDriver) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
	d.log.Debug("virtual coil disabled", "coil", d.name)
}

// PulseCount returns how many times the coil has been pulsed.
func (d *VirtualDriver) PulseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulses
}

// Enabled reports whether the coil is currently held enabled.
func (d *VirtualDriver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// OnPulse sets a hook that runs after every pulse.
func (d *VirtualDriver) OnPulse(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPulse = fn
}
