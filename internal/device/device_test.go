package device

import (
	"context"
	"testing"
	"time"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/platform"
)

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func shortContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// testRig bundles the shared collaborators of device tests.
type testRig struct {
	v   *platform.Virtual
	bus *events.Bus
	pf  *Playfield
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	v := platform.NewVirtual(testLogger())
	bus := events.NewBus()
	pf, err := NewPlayfield("playfield", config.Playfield{}, bus, v.Switches(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{v: v, bus: bus, pf: pf}
}

// newDevice registers the device's hardware on the virtual platform and
// builds the device. Targets still need ResolveTargets.
func (r *testRig) newDevice(t *testing.T, name string, cfg config.BallDevice) *BallDevice {
	t.Helper()
	for _, sw := range cfg.BallSwitches {
		r.v.AddSwitch(sw)
	}
	if cfg.JamSwitch != "" {
		r.v.AddSwitch(cfg.JamSwitch)
	}
	if cfg.EntranceSwitch != "" {
		r.v.AddSwitch(cfg.EntranceSwitch)
	}
	coils := make(map[string]config.Coil)
	for _, coil := range []string{cfg.EjectCoil, cfg.HoldCoil, cfg.EnableCoil} {
		if coil != "" {
			r.v.AddDriver(coil)
			coils[coil] = config.Coil{DefaultPulse: config.Duration(10 * time.Millisecond)}
		}
	}
	d, err := New(name, cfg, &config.Machine{Coils: coils}, r.bus, r.v, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// deviceCfg returns a ball-switch device config with short settle
// windows.
func deviceCfg(switches []string, coil string) config.BallDevice {
	return config.BallDevice{
		BallSwitches:           switches,
		EjectCoil:              coil,
		EntranceCountDelay:     config.Duration(20 * time.Millisecond),
		ExitCountDelay:         config.Duration(20 * time.Millisecond),
		EntranceEventTimeout:   config.Duration(time.Second),
		IdleMissingBallTimeout: config.Duration(time.Second),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFindPathToTargetHandlesCycles(t *testing.T) {
	rig := newTestRig(t)
	trough := rig.newDevice(t, "trough", deviceCfg([]string{"trough_1"}, "trough_eject"))
	launcher := rig.newDevice(t, "launcher", deviceCfg([]string{"launcher_sw"}, "launcher_eject"))

	// trough -> launcher -> {trough, playfield}: a cycle plus an exit.
	trough.ResolveTargets([]Target{launcher}, rig.pf, rig.pf, "playfield")
	launcher.ResolveTargets([]Target{trough, rig.pf}, rig.pf, rig.pf, "playfield")
	launcher.AddSourceDevice(trough)
	trough.AddSourceDevice(launcher)

	path := trough.FindPathToTarget(rig.pf)
	want := []Target{trough, launcher, rig.pf}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, path[i].Name(), want[i].Name())
		}
	}

	// An unreachable target terminates instead of looping forever.
	bus := events.NewBus()
	other, err := NewPlayfield("upper", config.Playfield{}, bus, rig.v.Switches(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if path := trough.FindPathToTarget(other); path != nil {
		t.Errorf("found path to unreachable target: %v", path)
	}
}

func TestFindNextTrough(t *testing.T) {
	rig := newTestRig(t)
	troughCfg := deviceCfg([]string{"trough_1"}, "trough_eject")
	troughCfg.Tags = []string{"trough"}
	trough := rig.newDevice(t, "trough", troughCfg)
	drainCfg := deviceCfg([]string{"drain_sw"}, "drain_eject")
	drainCfg.Tags = []string{"drain"}
	drain := rig.newDevice(t, "drain", drainCfg)

	drain.ResolveTargets([]Target{trough}, rig.pf, rig.pf, "playfield")
	trough.ResolveTargets([]Target{drain}, rig.pf, rig.pf, "playfield")

	if got := drain.FindNextTrough(); got != trough {
		t.Errorf("FindNextTrough = %v, want trough", got)
	}

	// A cycle without a trough terminates with no result.
	a := rig.newDevice(t, "a", deviceCfg([]string{"a_sw"}, "a_eject"))
	b := rig.newDevice(t, "b", deviceCfg([]string{"b_sw"}, "b_eject"))
	a.ResolveTargets([]Target{b}, rig.pf, rig.pf, "playfield")
	b.ResolveTargets([]Target{a}, rig.pf, rig.pf, "playfield")
	if got := a.FindNextTrough(); got != nil {
		t.Errorf("FindNextTrough in troughless cycle = %v, want nil", got)
	}
}

func TestSetupEjectChainBooksEveryHop(t *testing.T) {
	rig := newTestRig(t)
	trough := rig.newDevice(t, "trough", deviceCfg([]string{"trough_1"}, "trough_eject"))
	launcher := rig.newDevice(t, "launcher", deviceCfg([]string{"launcher_sw"}, "launcher_eject"))
	trough.ResolveTargets([]Target{launcher}, rig.pf, rig.pf, "playfield")
	launcher.ResolveTargets([]Target{rig.pf}, rig.pf, rig.pf, "playfield")
	launcher.AddSourceDevice(trough)

	var announced int
	unsub := rig.bus.Subscribe(EventBallsAvailable, func(_ string, ev events.Event) bool {
		announced++
		return true
	})
	defer unsub()

	trough.AddAvailableBalls(1)
	if err := trough.SetupEjectChain([]Target{trough, launcher, rig.pf}, false); err != nil {
		t.Fatal(err)
	}

	if got := trough.AvailableBalls(); got != 0 {
		t.Errorf("trough available = %d, want 0", got)
	}
	if got := rig.pf.AvailableBalls(); got != 1 {
		t.Errorf("playfield available = %d, want 1", got)
	}
	if got := trough.outgoing.queue.Len(); got != 1 {
		t.Errorf("trough queue = %d requests, want 1", got)
	}
	if got := launcher.outgoing.queue.Len(); got != 1 {
		t.Errorf("launcher queue = %d requests, want 1", got)
	}
	if announced != 1 {
		t.Errorf("balls_available posted %d times, want 1", announced)
	}
}

func TestSetupEjectChainRejectsEmptyDevice(t *testing.T) {
	rig := newTestRig(t)
	trough := rig.newDevice(t, "trough", deviceCfg([]string{"trough_1"}, "trough_eject"))
	trough.ResolveTargets([]Target{rig.pf}, rig.pf, rig.pf, "playfield")

	if err := trough.SetupEjectChain([]Target{trough, rig.pf}, false); err == nil {
		t.Error("chain set up without an available ball")
	}
	if err := trough.SetupEjectChain([]Target{rig.pf}, false); err == nil {
		t.Error("single-element path accepted")
	}
}

func TestEjectQueuesRequestWithoutBall(t *testing.T) {
	rig := newTestRig(t)
	launcher := rig.newDevice(t, "launcher", deviceCfg([]string{"launcher_sw"}, "launcher_eject"))
	launcher.ResolveTargets([]Target{rig.pf}, rig.pf, rig.pf, "playfield")

	launcher.RequestBall(1)
	launcher.mu.Lock()
	queued := len(launcher.ballRequests)
	launcher.mu.Unlock()
	if queued != 1 {
		t.Errorf("queued requests = %d, want 1", queued)
	}
}
