package device

import (
	"context"
	"sync"
	"testing"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/platform"
)

func newTestPlayfield(t *testing.T) (*Playfield, *platform.Virtual, *events.Bus) {
	t.Helper()
	v := platform.NewVirtual(testLogger())
	v.AddSwitch("sling_left")
	v.AddSwitch("sling_right")
	bus := events.NewBus()
	p, err := NewPlayfield("playfield", config.Playfield{
		ActiveSwitches: []string{"sling_left", "sling_right"},
	}, bus, v.Switches(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return p, v, bus
}

func TestPlayfieldClaimsExpectedBall(t *testing.T) {
	p, v, _ := newTestPlayfield(t)

	ball := newIncomingBall(nil, p)
	p.AddIncomingBall(ball)

	v.SetSwitch("sling_left", true)
	select {
	case <-ball.ConfirmDone():
	default:
		t.Error("playfield hit did not confirm the inbound ball")
	}
	if got := p.Balls(); got != 1 {
		t.Errorf("balls in play = %d, want 1", got)
	}
}

func TestPlayfieldDetectsStrayBall(t *testing.T) {
	p, v, bus := newTestPlayfield(t)

	var mu sync.Mutex
	strays := 0
	unsub := bus.Subscribe("playfield_playfield_unexpected_ball", func(string, events.Event) bool {
		mu.Lock()
		strays++
		mu.Unlock()
		return true
	})
	defer unsub()

	// No expectation, no known balls: the hit proves a stray is in play.
	v.SetSwitch("sling_right", true)
	if got := p.Balls(); got != 1 {
		t.Fatalf("balls in play = %d, want 1", got)
	}
	mu.Lock()
	got := strays
	mu.Unlock()
	if got != 1 {
		t.Errorf("unexpected_ball posted %d times, want 1", got)
	}

	// Further hits with a ball already in play change nothing.
	v.SetSwitch("sling_right", false)
	v.SetSwitch("sling_right", true)
	if got := p.Balls(); got != 1 {
		t.Errorf("balls in play after second hit = %d, want 1", got)
	}
}

func TestPlayfieldBallAccounting(t *testing.T) {
	p, _, _ := newTestPlayfield(t)

	p.AddMissingBalls(2)
	if got := p.Balls(); got != 2 {
		t.Fatalf("balls after AddMissingBalls = %d, want 2", got)
	}
	if got := p.AvailableBalls(); got != 2 {
		t.Fatalf("available after AddMissingBalls = %d, want 2", got)
	}

	p.BallRemoved()
	if got := p.Balls(); got != 1 {
		t.Errorf("balls after capture = %d, want 1", got)
	}
	if got := p.AvailableBalls(); got != 1 {
		t.Errorf("available after capture = %d, want 1", got)
	}

	// The count never goes negative.
	p.BallRemoved()
	p.BallRemoved()
	if got := p.Balls(); got != 0 {
		t.Errorf("balls after draining = %d, want 0", got)
	}
}
