package device

import (
	"context"
	"testing"
	"time"
)

// startTrackedDevice builds and starts a trough with two balls sitting
// on its first two switches.
func startTrackedDevice(t *testing.T, rig *testRig) (*BallDevice, context.Context) {
	t.Helper()
	d := rig.newDevice(t, "trough", deviceCfg([]string{"trough_1", "trough_2", "trough_3"}, "trough_eject"))
	d.ResolveTargets([]Target{rig.pf}, rig.pf, rig.pf, "playfield")

	rig.v.SetSwitch("trough_1", true)
	rig.v.SetSwitch("trough_2", true)
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.ballCount.HandledBalls(); got != 2 {
		t.Fatalf("handled balls after start = %d, want 2", got)
	}
	return d, ctx
}

func TestEjectTrackerSeesDeparture(t *testing.T) {
	rig := newTestRig(t)
	d, ctx := startTrackedDevice(t, rig)

	tracker, err := d.ballCount.StartEject(ctx, false)
	if err != nil {
		t.Fatal(err)
	}

	rig.v.SetSwitch("trough_2", false)
	select {
	case <-tracker.BallLeftDone():
	case <-time.After(time.Second):
		t.Fatal("departure never reported")
	}

	// The departing ball is the eject, not a loss.
	if got := tracker.NumUnknownBalls(); got != 0 {
		t.Errorf("unknown balls = %d, want 0", got)
	}

	tracker.EjectSuccess()
	waitFor(t, "handled count to settle at 1", func() bool {
		return d.ballCount.HandledBalls() == 1
	})

	// The reconciler must agree with the eject bookkeeping.
	time.Sleep(100 * time.Millisecond)
	if got := d.ballCount.HandledBalls(); got != 1 {
		t.Errorf("handled balls drifted to %d after reconcile", got)
	}
}

func TestEjectTrackerCountsUnknownBall(t *testing.T) {
	rig := newTestRig(t)
	d, ctx := startTrackedDevice(t, rig)

	tracker, err := d.ballCount.StartEject(ctx, false)
	if err != nil {
		t.Fatal(err)
	}

	rig.v.SetSwitch("trough_2", false)
	select {
	case <-tracker.BallLeftDone():
	case <-time.After(time.Second):
		t.Fatal("departure never reported")
	}

	// A stray ball drops in while the eject is unresolved.
	rig.v.SetSwitch("trough_3", true)
	select {
	case <-tracker.UnknownBallsWait():
	case <-time.After(time.Second):
		t.Fatal("unknown ball never reported")
	}
	if got := tracker.NumUnknownBalls(); got != 1 {
		t.Errorf("unknown balls = %d, want 1", got)
	}

	// The handler treats the unknown ball as the eject bouncing back.
	tracker.BallReturned()
	waitFor(t, "handled count to settle at 2", func() bool {
		return d.ballCount.HandledBalls() == 2
	})
}

func TestEjectTrackerAlreadyLeft(t *testing.T) {
	rig := newTestRig(t)
	d, ctx := startTrackedDevice(t, rig)

	tracker, err := d.ballCount.StartEject(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	// The extra ball is booked until the attempt resolves.
	if got := d.ballCount.HandledBalls(); got != 3 {
		t.Errorf("handled balls during already-left eject = %d, want 3", got)
	}
	if tracker.BallLeftDone() != nil {
		t.Error("already-left tracker watches for a departure")
	}

	tracker.EjectSuccess()
	waitFor(t, "handled count to settle back at 2", func() bool {
		return d.ballCount.HandledBalls() == 2
	})
}
