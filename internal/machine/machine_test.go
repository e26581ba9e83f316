package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/device"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/platform"
)

const testMachineYAML = `
name: testmachine
balls_installed: 3
switches:
  trough_1: {}
  trough_2: {}
  trough_3: {}
  launcher_sw: {}
  pf_hit: {}
coils:
  trough_eject: {default_pulse: 10ms}
  launcher_eject: {default_pulse: 10ms}
playfields:
  playfield:
    active_switches: [pf_hit]
    tags: [default]
ball_devices:
  trough:
    ball_switches: [trough_1, trough_2, trough_3]
    eject_coil: trough_eject
    eject_targets: [launcher]
    eject_timeouts: [150ms]
    ball_missing_timeouts: [400ms]
    entrance_count_delay: 20ms
    exit_count_delay: 20ms
    max_eject_attempts: 3
    tags: [trough, drain]
  launcher:
    ball_switches: [launcher_sw]
    eject_coil: launcher_eject
    eject_targets: [playfield]
    eject_timeouts: [150ms]
    ball_missing_timeouts: [400ms]
    entrance_count_delay: 20ms
    exit_count_delay: 20ms
    playfield_confirm_grace: 30ms
    max_eject_attempts: 3
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadTestConfig(t *testing.T, yaml string) *config.Machine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// newTestMachine assembles a machine on the virtual platform.
func newTestMachine(t *testing.T, yaml string, opts Options) (*Machine, *platform.Virtual) {
	t.Helper()
	cfg := loadTestConfig(t, yaml)
	v := platform.NewVirtual(testLogger())
	for name := range cfg.Coils {
		v.AddDriver(name)
	}
	m, err := New(cfg, v, nil, testLogger(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return m, v
}

// fillTrough puts three balls on the trough switches and starts the
// machine.
func fillTroughAndStart(t *testing.T, m *Machine, v *platform.Virtual) {
	t.Helper()
	for i := 1; i <= 3; i++ {
		v.SetSwitch(fmt.Sprintf("trough_%d", i), true)
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
}

// eventLog counts posted events by name.
type eventLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func watchEvents(t *testing.T, bus *events.Bus, names ...string) *eventLog {
	t.Helper()
	l := &eventLog{counts: make(map[string]int)}
	for _, name := range names {
		unsub := bus.Subscribe(name, func(name string, _ events.Event) bool {
			l.mu.Lock()
			l.counts[name]++
			l.mu.Unlock()
			return true
		})
		t.Cleanup(unsub)
	}
	return l
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[name]
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// popTroughBall simulates the trough coil kicking out its topmost ball.
func popTroughBall(v *platform.Virtual, n int32) {
	time.Sleep(5 * time.Millisecond)
	v.SetSwitch(fmt.Sprintf("trough_%d", 4-n), false)
}

func TestTwoHopEjectReachesPlayfield(t *testing.T) {
	m, v := newTestMachine(t, testMachineYAML, Options{})

	var troughPulses atomic.Int32
	v.AddDriver("trough_eject").OnPulse(func() {
		n := troughPulses.Add(1)
		go func() {
			popTroughBall(v, n)
			time.Sleep(40 * time.Millisecond)
			v.SetSwitch("launcher_sw", true)
		}()
	})
	v.AddDriver("launcher_eject").OnPulse(func() {
		go func() {
			time.Sleep(5 * time.Millisecond)
			v.SetSwitch("launcher_sw", false)
			time.Sleep(40 * time.Millisecond)
			v.SetSwitch("pf_hit", true)
			time.Sleep(10 * time.Millisecond)
			v.SetSwitch("pf_hit", false)
		}()
	})

	log := watchEvents(t, m.Bus(),
		"balldevice_trough_ball_eject_success",
		"balldevice_launcher_ball_eject_success",
		device.EventBallMissing,
	)

	fillTroughAndStart(t, m, v)
	if got := m.KnownBalls(); got != 3 {
		t.Fatalf("known balls at start = %d, want 3", got)
	}

	m.Device("trough").Eject(1, m.DefaultPlayfield())

	waitFor(t, 3*time.Second, "ball to reach the playfield", func() bool {
		return m.DefaultPlayfield().Balls() == 1
	})
	waitFor(t, 3*time.Second, "trough count to settle", func() bool {
		return m.Device("trough").CountedBalls() == 2
	})
	if got := m.Device("launcher").CountedBalls(); got != 0 {
		t.Errorf("launcher counted balls = %d, want 0", got)
	}
	if got := m.KnownBalls(); got != 3 {
		t.Errorf("known balls after transfer = %d, want 3", got)
	}
	if got := log.count("balldevice_trough_ball_eject_success"); got != 1 {
		t.Errorf("trough eject_success posted %d times, want 1", got)
	}
	if got := log.count("balldevice_launcher_ball_eject_success"); got != 1 {
		t.Errorf("launcher eject_success posted %d times, want 1", got)
	}
	if got := log.count(device.EventBallMissing); got != 0 {
		t.Errorf("ball_missing posted %d times, want 0", got)
	}
}

func TestLateConfirmWithinMissingWindow(t *testing.T) {
	m, v := newTestMachine(t, testMachineYAML, Options{})

	var troughPulses atomic.Int32
	v.AddDriver("trough_eject").OnPulse(func() {
		n := troughPulses.Add(1)
		go func() {
			popTroughBall(v, n)
			// The ball dawdles past the eject timeout but arrives
			// before the missing window closes.
			time.Sleep(250 * time.Millisecond)
			v.SetSwitch("launcher_sw", true)
		}()
	})

	log := watchEvents(t, m.Bus(),
		"balldevice_trough_ball_eject_success",
		"balldevice_trough_ball_eject_failed",
		device.EventBallMissing,
	)

	fillTroughAndStart(t, m, v)
	m.Device("launcher").RequestBall(1)

	waitFor(t, 3*time.Second, "late eject confirm", func() bool {
		return log.count("balldevice_trough_ball_eject_success") == 1
	})
	waitFor(t, 3*time.Second, "launcher to hold the ball", func() bool {
		return m.Device("launcher").CountedBalls() == 1
	})
	if got := log.count("balldevice_trough_ball_eject_failed"); got != 0 {
		t.Errorf("eject_failed posted %d times, want 0", got)
	}
	if got := log.count(device.EventBallMissing); got != 0 {
		t.Errorf("ball_missing posted %d times, want 0", got)
	}
	if got := m.KnownBalls(); got != 3 {
		t.Errorf("known balls = %d, want 3", got)
	}
}

func TestLostBallDeclaredOnceAndCompensated(t *testing.T) {
	m, v := newTestMachine(t, testMachineYAML, Options{})

	// The first ejected ball vanishes; the compensating eject works.
	var troughPulses atomic.Int32
	v.AddDriver("trough_eject").OnPulse(func() {
		n := troughPulses.Add(1)
		go func() {
			popTroughBall(v, n)
			if n >= 2 {
				time.Sleep(40 * time.Millisecond)
				v.SetSwitch("launcher_sw", true)
			}
		}()
	})

	log := watchEvents(t, m.Bus(),
		device.EventBallMissing,
		"balldevice_trough_ball_lost",
	)

	fillTroughAndStart(t, m, v)
	m.Device("launcher").RequestBall(1)

	waitFor(t, 3*time.Second, "missing ball declaration", func() bool {
		return log.count(device.EventBallMissing) == 1
	})
	waitFor(t, 3*time.Second, "compensating ball to arrive", func() bool {
		return m.Device("launcher").CountedBalls() == 1
	})
	if got := log.count("balldevice_trough_ball_lost"); got != 1 {
		t.Errorf("ball_lost posted %d times, want 1", got)
	}

	// The lost ball is booked as in play, conserving the total.
	if got := m.DefaultPlayfield().Balls(); got != 1 {
		t.Errorf("playfield balls = %d, want 1", got)
	}
	if got := m.KnownBalls(); got != 3 {
		t.Errorf("known balls = %d, want 3", got)
	}

	// No repeat declarations for the same ball.
	time.Sleep(500 * time.Millisecond)
	if got := log.count(device.EventBallMissing); got != 1 {
		t.Errorf("ball_missing posted %d times, want 1", got)
	}
}

func TestRepeatedEjectFailuresBreakDevice(t *testing.T) {
	m, v := newTestMachine(t, testMachineYAML, Options{})
	// No pulse hook: the coil fires but the ball never moves.

	log := watchEvents(t, m.Bus(),
		"balldevice_trough_ball_eject_failed",
		"balldevice_trough_eject_broken",
	)

	fillTroughAndStart(t, m, v)
	m.Device("launcher").RequestBall(1)

	waitFor(t, 5*time.Second, "device to give up", func() bool {
		return log.count("balldevice_trough_eject_broken") == 1
	})
	if got := log.count("balldevice_trough_ball_eject_failed"); got != 3 {
		t.Errorf("eject_failed posted %d times, want 3", got)
	}
	if !m.Device("trough").IsBroken() {
		t.Error("device not reported broken")
	}
	if got := m.Device("trough").State(); got != device.StateEjectBroken {
		t.Errorf("device state = %s, want %s", got, device.StateEjectBroken)
	}
}

func TestPlayerControlledEjectWaitsForPlayer(t *testing.T) {
	yaml := testMachineYAML + `    player_controlled_eject_event: plunger_fired
`
	m, v := newTestMachine(t, yaml, Options{})

	var troughPulses atomic.Int32
	v.AddDriver("trough_eject").OnPulse(func() {
		n := troughPulses.Add(1)
		go func() {
			popTroughBall(v, n)
			time.Sleep(40 * time.Millisecond)
			v.SetSwitch("launcher_sw", true)
		}()
	})
	launcherDrv := v.AddDriver("launcher_eject")
	launcherDrv.OnPulse(func() {
		go func() {
			time.Sleep(5 * time.Millisecond)
			v.SetSwitch("launcher_sw", false)
			time.Sleep(40 * time.Millisecond)
			v.SetSwitch("pf_hit", true)
			time.Sleep(10 * time.Millisecond)
			v.SetSwitch("pf_hit", false)
		}()
	})

	fillTroughAndStart(t, m, v)
	m.Device("launcher").SetupPlayerControlledEject(m.DefaultPlayfield())

	waitFor(t, 3*time.Second, "ball to reach the plunger lane", func() bool {
		return m.Device("launcher").CountedBalls() == 1
	})

	// The coil holds fire until the player acts.
	time.Sleep(200 * time.Millisecond)
	if got := launcherDrv.PulseCount(); got != 0 {
		t.Fatalf("launcher coil pulsed %d times before the player acted", got)
	}
	if got := m.DefaultPlayfield().Balls(); got != 0 {
		t.Fatalf("playfield balls = %d before the player acted", got)
	}

	m.Bus().Post("plunger_fired", nil)
	waitFor(t, 3*time.Second, "ball to reach the playfield", func() bool {
		return m.DefaultPlayfield().Balls() == 1
	})
	if got := m.KnownBalls(); got != 3 {
		t.Errorf("known balls = %d, want 3", got)
	}
}

func TestMachineRejectsUnreachableTargets(t *testing.T) {
	const badYAML = `
name: badmachine
switches:
  trough_1: {}
  launcher_sw: {}
  pf_hit: {}
coils:
  trough_eject: {default_pulse: 10ms}
  launcher_eject: {default_pulse: 10ms}
playfields:
  playfield:
    active_switches: [pf_hit]
ball_devices:
  trough:
    ball_switches: [trough_1]
    eject_coil: trough_eject
    eject_targets: [launcher]
    tags: [trough]
  launcher:
    ball_switches: [launcher_sw]
    eject_coil: launcher_eject
    eject_targets: [trough]
`
	cfg := loadTestConfig(t, badYAML)
	v := platform.NewVirtual(testLogger())
	for name := range cfg.Coils {
		v.AddDriver(name)
	}
	_, err := New(cfg, v, nil, testLogger(), Options{})
	if err == nil {
		t.Fatal("machine with unreachable playfield assembled")
	}
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error %T is not a ConfigError", err)
	}
}

func TestMachineJournalRecordsEvents(t *testing.T) {
	dir := t.TempDir()
	yaml := testMachineYAML + fmt.Sprintf("data_dir: %s\n", dir)
	m, _ := newTestMachine(t, yaml, Options{Persist: true})
	t.Cleanup(m.Stop)

	m.Bus().Post("balldevice_trough_ball_eject_success", device.EjectSuccessEvent{
		Balls:  1,
		Source: "trough",
		Target: "launcher",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := m.Store().ListBallEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("journal has %d rows, want 1", len(rows))
	}
	if rows[0].Device != "trough" || rows[0].Event != "eject_success" || rows[0].Target != "launcher" {
		t.Errorf("journal row = %+v", rows[0])
	}
}

func TestBallSearchFiresOnlyDevicesHidingBalls(t *testing.T) {
	m, v := newTestMachine(t, testMachineYAML, Options{})
	troughDrv := v.AddDriver("trough_eject")
	launcherDrv := v.AddDriver("launcher_eject")

	log := watchEvents(t, m.Bus(), "ball_search_started", "ball_search_finished")

	fillTroughAndStart(t, m, v)
	waitFor(t, 2*time.Second, "trough count to settle", func() bool {
		return m.Device("trough").CountedBalls() == 3
	})

	// The trough accounts for all of its balls, so only the empty
	// launcher shakes its mechanism.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fired, err := m.BallSearch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("ball search fired %d mechanisms, want 1", fired)
	}
	if got := troughDrv.PulseCount(); got != 0 {
		t.Errorf("trough coil pulsed %d times despite a trusted count", got)
	}
	if got := launcherDrv.PulseCount(); got != 1 {
		t.Errorf("launcher coil pulsed %d times, want 1", got)
	}
	if log.count("ball_search_started") != 1 || log.count("ball_search_finished") != 1 {
		t.Errorf("search events started=%d finished=%d, want 1 each",
			log.count("ball_search_started"), log.count("ball_search_finished"))
	}
}

func TestMachineVarRecordsBallCountAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	yaml := testMachineYAML + fmt.Sprintf("data_dir: %s\n", dir)

	m1, v1 := newTestMachine(t, yaml, Options{Persist: true})
	for i := 1; i <= 3; i++ {
		v1.SetSwitch(fmt.Sprintf("trough_%d", i), true)
	}
	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "trough count to settle", func() bool {
		return m1.Device("trough").CountedBalls() == 3
	})
	m1.Stop()

	m2, _ := newTestMachine(t, yaml, Options{Persist: true})
	t.Cleanup(m2.Stop)
	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	got, err := m2.Store().GetVar(getCtx, "balls_known")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3" {
		t.Errorf("balls_known after restart = %q, want \"3\"", got)
	}
}

func TestMachineLockExcludesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	yaml := testMachineYAML + fmt.Sprintf("data_dir: %s\n", dir)

	m1, v1 := newTestMachine(t, yaml, Options{LockFile: true})
	fillTroughAndStart(t, m1, v1)

	m2, _ := newTestMachine(t, yaml, Options{LockFile: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m2.Start(ctx); err == nil {
		m2.Stop()
		t.Fatal("second machine acquired the lock")
	}
}
