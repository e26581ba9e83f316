package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validMachine = `
name: demo
balls_installed: 2
switches:
  trough_1: {}
  trough_2: {}
  trough_jam: {}
  launcher_sw: {}
  pf_sw: {tags: [playfield_active]}
coils:
  trough_eject: {default_pulse: 20ms}
  launcher_eject: {}
playfields:
  playfield:
    active_switches: [pf_sw]
    tags: [default]
ball_devices:
  trough:
    ball_switches: [trough_1, trough_2]
    jam_switch: trough_jam
    eject_coil: trough_eject
    eject_targets: [launcher]
    eject_timeouts: [1s]
    ball_missing_timeouts: [2s]
    entrance_count_delay: 20ms
    exit_count_delay: 20ms
    tags: [trough, drain]
  launcher:
    ball_switches: [launcher_sw]
    eject_coil: launcher_eject
    eject_targets: [playfield]
    eject_timeouts: [1s]
    ball_missing_timeouts: [2s]
    entrance_count_delay: 20ms
    exit_count_delay: 20ms
`

func writeMachine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidMachine(t *testing.T) {
	m, err := Load(writeMachine(t, validMachine))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	trough := m.BallDevices["trough"]
	if got := trough.Capacity(); got != 2 {
		t.Errorf("trough capacity = %d, want 2", got)
	}
	if got := trough.EjectTimeouts[0].Std(); got != time.Second {
		t.Errorf("eject timeout = %v, want 1s", got)
	}
	if !trough.HasTag("trough") {
		t.Error("trough tag missing")
	}
	if m.DefaultPlayfield() != "playfield" {
		t.Errorf("default playfield = %q", m.DefaultPlayfield())
	}
	if m.Coils["launcher_eject"].DefaultPulse.Std() != DefaultPulseDuration {
		t.Error("coil default pulse not applied")
	}

	// Defaults for optional timeouts.
	launcher := m.BallDevices["launcher"]
	if launcher.ConfirmEjectType != "target" {
		t.Errorf("confirm type = %q, want target", launcher.ConfirmEjectType)
	}
	if launcher.PlayfieldConfirmGrace.Std() != DefaultPlayfieldConfirmGrace {
		t.Error("playfield confirm grace default not applied")
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing ejector",
			mutate:  func(s string) string { return strings.Replace(s, "    eject_coil: launcher_eject\n", "", 1) },
			wantErr: "needs an eject_coil",
		},
		{
			name:    "unknown target",
			mutate:  func(s string) string { return strings.Replace(s, "eject_targets: [launcher]", "eject_targets: [vuk]", 1) },
			wantErr: "unknown eject target",
		},
		{
			name:    "unknown switch",
			mutate:  func(s string) string { return strings.Replace(s, "jam_switch: trough_jam", "jam_switch: nope", 1) },
			wantErr: "unknown jam switch",
		},
		{
			name: "missing timeout not larger than eject timeout",
			mutate: func(s string) string {
				return strings.Replace(s, "ball_missing_timeouts: [2s]\n    entrance_count_delay: 20ms\n    exit_count_delay: 20ms\n    tags:", "ball_missing_timeouts: [1s]\n    entrance_count_delay: 20ms\n    exit_count_delay: 20ms\n    tags:", 1)
			},
			wantErr: "must be larger than its eject timeout",
		},
		{
			name: "count delay not smaller than eject timeout",
			mutate: func(s string) string {
				return strings.Replace(s, "entrance_count_delay: 20ms\n    exit_count_delay: 20ms\n    tags:", "entrance_count_delay: 2s\n    exit_count_delay: 20ms\n    tags:", 1)
			},
			wantErr: "larger than the count delays",
		},
		{
			name: "capacity with ball switches",
			mutate: func(s string) string {
				return strings.Replace(s, "jam_switch: trough_jam", "jam_switch: trough_jam\n    ball_capacity: 4", 1)
			},
			wantErr: "cannot use ball_capacity",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeMachine(t, tc.mutate(validMachine)))
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a ConfigError", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	m, err := Load(writeMachine(t, validMachine))
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Coils["trough_eject"].DefaultPulse.Std(); got != 20*time.Millisecond {
		t.Errorf("parsed pulse = %v, want 20ms", got)
	}

	_, err = Load(writeMachine(t, strings.Replace(validMachine, "20ms", "fast", 1)))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("bad duration error = %v", err)
	}
}
