// Package config loads and validates the machine configuration file.
//
// A machine file is YAML describing the physical hardware (switches,
// coils) and the ball devices built from them. Structural validation
// happens here; graph validation (every device must reach its
// targets) happens when the machine is assembled, because it needs
// the resolved device references.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied during Normalize.
const (
	DefaultEjectTimeout          = 10 * time.Second
	DefaultBallMissingTimeout    = 20 * time.Second
	DefaultEntranceCountDelay    = 500 * time.Millisecond
	DefaultExitCountDelay        = 500 * time.Millisecond
	DefaultEntranceEventTimeout  = 5 * time.Second
	DefaultIdleMissingBallGrace  = 5 * time.Second
	DefaultPlayfieldConfirmGrace = 100 * time.Millisecond
	DefaultPulseDuration         = 10 * time.Millisecond
	DefaultHoldCoilReleaseTime   = 1 * time.Second
)

// MaxBallMissingTimeout caps how long a device may wait for a
// wandering ball before the incoming-ball bookkeeping gives up.
const MaxBallMissingTimeout = 60 * time.Second

// Duration is a time.Duration that unmarshals from YAML duration
// strings such as "250ms" or "3s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Machine is the root of a machine configuration file.
type Machine struct {
	Name           string                `yaml:"name"`
	BallsInstalled int                   `yaml:"balls_installed"`
	Switches       map[string]Switch     `yaml:"switches"`
	Coils          map[string]Coil       `yaml:"coils"`
	BallDevices    map[string]BallDevice `yaml:"ball_devices"`
	Playfields     map[string]Playfield  `yaml:"playfields"`

	// VirtualSwitchFeed, when set, tails this file for switch
	// commands on the virtual platform.
	VirtualSwitchFeed string `yaml:"virtual_switch_feed"`

	// DataDir is where the machine keeps its state database and
	// process lock. Defaults to the config file's directory.
	DataDir string `yaml:"data_dir"`
}

// Switch describes one switch input.
type Switch struct {
	Tags []string `yaml:"tags"`
}

// Coil describes one coil output.
type Coil struct {
	DefaultPulse Duration `yaml:"default_pulse"`
}

// Playfield describes a playfield: a target that holds balls in play.
// Any listed active switch hit means a ball is on this playfield.
type Playfield struct {
	ActiveSwitches []string `yaml:"active_switches"`
	Tags           []string `yaml:"tags"`
}

// BallDevice describes one ball-holding device.
type BallDevice struct {
	// Counting hardware. Either ball_switches (one per resting
	// position, optionally with a jam switch) or an entrance_switch
	// plus ball_capacity.
	BallSwitches               []string `yaml:"ball_switches"`
	JamSwitch                  string   `yaml:"jam_switch"`
	EntranceSwitch             string   `yaml:"entrance_switch"`
	EntranceSwitchIgnoreWindow Duration `yaml:"entrance_switch_ignore_window"`
	EntranceSwitchFullTimeout  Duration `yaml:"entrance_switch_full_timeout"`
	BallCapacity               int      `yaml:"ball_capacity"`

	// Eject hardware. Exactly one of eject_coil / hold_coil /
	// mechanical_eject.
	EjectCoil       string `yaml:"eject_coil"`
	HoldCoil        string `yaml:"hold_coil"`
	EnableCoil      string `yaml:"enable_coil"`
	MechanicalEject bool   `yaml:"mechanical_eject"`

	// Routing.
	EjectTargets           []string   `yaml:"eject_targets"`
	EjectTimeouts          []Duration `yaml:"eject_timeouts"`
	BallMissingTimeouts    []Duration `yaml:"ball_missing_timeouts"`
	MaxEjectAttempts       int        `yaml:"max_eject_attempts"`
	TargetOnUnexpectedBall string     `yaml:"target_on_unexpected_ball"`
	BallMissingTarget      string     `yaml:"ball_missing_target"`
	CapturesFrom           string     `yaml:"captures_from"`
	Tags                   []string   `yaml:"tags"`

	// Eject confirmation.
	ConfirmEjectType      string   `yaml:"confirm_eject_type"` // target, switch, event, playfield
	ConfirmEjectSwitch    string   `yaml:"confirm_eject_switch"`
	ConfirmEjectEvent     string   `yaml:"confirm_eject_event"`
	PlayfieldConfirmGrace Duration `yaml:"playfield_confirm_grace"`

	// Counter timing.
	EntranceCountDelay     Duration `yaml:"entrance_count_delay"`
	ExitCountDelay         Duration `yaml:"exit_count_delay"`
	EntranceEventTimeout   Duration `yaml:"entrance_event_timeout"`
	IdleMissingBallTimeout Duration `yaml:"idle_missing_ball_timeout"`

	// Player-controlled ejects (plungers).
	PlayerControlledEjectEvent string `yaml:"player_controlled_eject_event"`
}

// HasTag reports whether the device carries the given tag.
func (d *BallDevice) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Capacity returns the device capacity: the number of ball switches,
// or the configured ball_capacity for entrance-switch devices.
func (d *BallDevice) Capacity() int {
	if len(d.BallSwitches) > 0 {
		return len(d.BallSwitches)
	}
	return d.BallCapacity
}

// Load reads, normalizes and validates a machine file.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine config: %w", err)
	}
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse machine config: %w", err)
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Normalize fills in defaults. It is idempotent.
func (m *Machine) Normalize() {
	for name, dev := range m.BallDevices {
		if dev.EntranceCountDelay == 0 {
			dev.EntranceCountDelay = Duration(DefaultEntranceCountDelay)
		}
		if dev.ExitCountDelay == 0 {
			dev.ExitCountDelay = Duration(DefaultExitCountDelay)
		}
		if dev.EntranceEventTimeout == 0 {
			dev.EntranceEventTimeout = Duration(DefaultEntranceEventTimeout)
		}
		if dev.IdleMissingBallTimeout == 0 {
			dev.IdleMissingBallTimeout = Duration(DefaultIdleMissingBallGrace)
		}
		if dev.PlayfieldConfirmGrace == 0 {
			dev.PlayfieldConfirmGrace = Duration(DefaultPlayfieldConfirmGrace)
		}
		if dev.ConfirmEjectType == "" {
			dev.ConfirmEjectType = "target"
		}

		// Pad the timeout lists to the length of the target list.
		for len(dev.EjectTimeouts) < len(dev.EjectTargets) {
			dev.EjectTimeouts = append(dev.EjectTimeouts, Duration(DefaultEjectTimeout))
		}
		for len(dev.BallMissingTimeouts) < len(dev.EjectTargets) {
			dev.BallMissingTimeouts = append(dev.BallMissingTimeouts, Duration(DefaultBallMissingTimeout))
		}
		m.BallDevices[name] = dev
	}

	for name, coil := range m.Coils {
		if coil.DefaultPulse == 0 {
			coil.DefaultPulse = Duration(DefaultPulseDuration)
		}
		m.Coils[name] = coil
	}
}

// Validate performs the structural checks that do not need resolved
// device references. Any failure is a ConfigError: an installer
// mistake, fatal at startup.
func (m *Machine) Validate() error {
	if len(m.Playfields) == 0 {
		return &ConfigError{Reason: "machine needs at least one playfield"}
	}
	for name, pf := range m.Playfields {
		for _, sw := range pf.ActiveSwitches {
			if _, ok := m.Switches[sw]; !ok {
				return &ConfigError{Device: name, Reason: fmt.Sprintf("unknown playfield switch %q", sw)}
			}
		}
	}

	for name, dev := range m.BallDevices {
		if err := m.validateDevice(name, dev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) validateDevice(name string, dev BallDevice) error {
	fail := func(format string, args ...any) error {
		return &ConfigError{Device: name, Reason: fmt.Sprintf(format, args...)}
	}

	// Counting hardware.
	switch {
	case len(dev.BallSwitches) > 0 && dev.BallCapacity > 0:
		return fail("cannot use ball_capacity together with ball_switches")
	case len(dev.BallSwitches) == 0 && dev.EntranceSwitch == "":
		return fail("device needs ball_switches or an entrance_switch")
	case dev.EntranceSwitch != "" && dev.BallCapacity <= 0:
		return fail("entrance_switch devices need ball_capacity")
	}
	for _, sw := range dev.BallSwitches {
		if _, ok := m.Switches[sw]; !ok {
			return fail("unknown ball switch %q", sw)
		}
	}
	if dev.JamSwitch != "" {
		if _, ok := m.Switches[dev.JamSwitch]; !ok {
			return fail("unknown jam switch %q", dev.JamSwitch)
		}
	}
	if dev.EntranceSwitch != "" {
		if _, ok := m.Switches[dev.EntranceSwitch]; !ok {
			return fail("unknown entrance switch %q", dev.EntranceSwitch)
		}
	}

	// Eject hardware.
	ejectors := 0
	for _, coil := range []string{dev.EjectCoil, dev.HoldCoil, dev.EnableCoil} {
		if coil == "" {
			continue
		}
		ejectors++
		if _, ok := m.Coils[coil]; !ok {
			return fail("unknown coil %q", coil)
		}
	}
	if dev.MechanicalEject {
		ejectors++
	}
	if ejectors == 0 {
		return fail("device needs an eject_coil, hold_coil, enable_coil or mechanical_eject")
	}
	if ejectors > 1 {
		return fail("device may only have one of eject_coil, hold_coil, enable_coil, mechanical_eject")
	}
	if dev.MechanicalEject && len(dev.BallSwitches) > 1 {
		return fail("mechanical_eject only works with a single ball switch")
	}

	// Timeout ordering: count delays < every eject timeout < every
	// ball-missing timeout.
	for i, target := range dev.EjectTargets {
		eject := dev.EjectTimeouts[i].Std()
		missing := dev.BallMissingTimeouts[i].Std()
		if dev.EntranceCountDelay.Std() >= eject || dev.ExitCountDelay.Std() >= eject {
			return fail("eject timeout for %q must be larger than the count delays", target)
		}
		if missing <= eject {
			return fail("ball_missing_timeout for %q must be larger than its eject timeout", target)
		}
		if missing > MaxBallMissingTimeout {
			return fail("ball_missing_timeout for %q exceeds the %s maximum", target, MaxBallMissingTimeout)
		}
	}

	// Confirmation settings.
	switch dev.ConfirmEjectType {
	case "target", "playfield":
	case "switch":
		if dev.ConfirmEjectSwitch == "" {
			return fail("confirm_eject_type switch needs a confirm_eject_switch")
		}
		if _, ok := m.Switches[dev.ConfirmEjectSwitch]; !ok {
			return fail("unknown confirm_eject_switch %q", dev.ConfirmEjectSwitch)
		}
	case "event":
		if dev.ConfirmEjectEvent == "" {
			return fail("confirm_eject_type event needs a confirm_eject_event")
		}
	default:
		return fail("unknown confirm_eject_type %q", dev.ConfirmEjectType)
	}

	// Target names resolve to devices or playfields.
	for _, target := range dev.EjectTargets {
		if !m.isTarget(target) {
			return fail("unknown eject target %q", target)
		}
	}
	for _, target := range []string{dev.TargetOnUnexpectedBall, dev.BallMissingTarget, dev.CapturesFrom} {
		if target != "" && !m.isTarget(target) {
			return fail("unknown target %q", target)
		}
	}
	return nil
}

func (m *Machine) isTarget(name string) bool {
	if _, ok := m.BallDevices[name]; ok {
		return true
	}
	_, ok := m.Playfields[name]
	return ok
}

// DefaultPlayfield returns the name of the machine's playfield; with
// several configured, the one tagged "default" wins, otherwise the
// lexically first.
func (m *Machine) DefaultPlayfield() string {
	first := ""
	for name, pf := range m.Playfields {
		for _, tag := range pf.Tags {
			if tag == "default" {
				return name
			}
		}
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

// ConfigError is an installer error found at load or machine-assembly
// time. It is fatal to startup, never a runtime condition.
type ConfigError struct {
	Device string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("configuration error in ball device %q: %s", e.Device, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
