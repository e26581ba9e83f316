package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/platform"
)

// Playfield is the open play area. It cannot count its balls with
// dedicated switches; any hit on one of its active switches proves a
// ball is in play.
type Playfield struct {
	name     string
	bus      *events.Bus
	switches *platform.SwitchController
	log      *slog.Logger

	mu             sync.Mutex
	balls          int
	availableBalls int
	expected       []*IncomingBall

	cancels []func()
}

func NewPlayfield(name string, cfg config.Playfield, bus *events.Bus, switches *platform.SwitchController, log *slog.Logger) (*Playfield, error) {
	p := &Playfield{
		name:     name,
		bus:      bus,
		switches: switches,
		log:      log.With("playfield", name),
	}
	for _, sw := range cfg.ActiveSwitches {
		cancel, err := switches.AddHandler(sw, true, 0, p.switchHit)
		if err != nil {
			return nil, err
		}
		p.cancels = append(p.cancels, cancel)
	}
	return p, nil
}

func (p *Playfield) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		for _, cancel := range p.cancels {
			cancel()
		}
	}()
	return nil
}

func (p *Playfield) Name() string      { return p.name }
func (p *Playfield) IsPlayfield() bool { return true }

// Balls returns the number of balls in play on this playfield.
func (p *Playfield) Balls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balls
}

func (p *Playfield) AvailableBalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableBalls
}

func (p *Playfield) AddAvailableBalls(delta int) {
	p.mu.Lock()
	p.availableBalls += delta
	p.mu.Unlock()
}

// AddMissingBalls books balls the machine lost track of as in play:
// a wandering ball almost always ends up on the playfield.
func (p *Playfield) AddMissingBalls(n int) {
	p.mu.Lock()
	p.balls += n
	p.availableBalls += n
	balls := p.balls
	p.mu.Unlock()
	p.log.Info("missing balls assumed in play", "added", n, "balls", balls)
	p.postBallCount(balls)
}

func (p *Playfield) AddIncomingBall(ball *IncomingBall) {
	p.mu.Lock()
	p.expected = append(p.expected, ball)
	p.mu.Unlock()
}

func (p *Playfield) RemoveIncomingBall(ball *IncomingBall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(ball)
}

func (p *Playfield) removeLocked(ball *IncomingBall) {
	for i, cur := range p.expected {
		if cur == ball {
			p.expected = append(p.expected[:i], p.expected[i+1:]...)
			return
		}
	}
}

// ConfirmArrival books an announced ball as in play. The source's
// grace window calls this when the ball neither returned nor showed
// up elsewhere.
func (p *Playfield) ConfirmArrival(ball *IncomingBall) {
	p.mu.Lock()
	p.removeLocked(ball)
	p.balls++
	balls := p.balls
	p.mu.Unlock()
	ball.Confirm()
	p.log.Debug("ball arrived in play", "balls", balls)
	p.postBallCount(balls)
}

// WaitForReadyToReceive always succeeds: the playfield has no
// capacity.
func (p *Playfield) WaitForReadyToReceive(ctx context.Context, source Target) error {
	return nil
}

// CancelPathIfTargetIs ends path walks: balls on the playfield are
// already where loose balls go.
func (p *Playfield) CancelPathIfTargetIs(start, target Target) bool { return false }

// FindAvailableBallInPath ends path walks at the playfield.
func (p *Playfield) FindAvailableBallInPath(start Target) bool { return false }

// switchHit runs on every active playfield switch edge. The oldest
// pending arrival claims the hit; with none pending and no balls
// known in play, a stray ball just announced itself.
func (p *Playfield) switchHit() {
	p.mu.Lock()
	var match *IncomingBall
	for i, ball := range p.expected {
		if ball.CanArrive() {
			match = ball
			p.expected = append(p.expected[:i], p.expected[i+1:]...)
			break
		}
	}
	if match != nil {
		p.balls++
		balls := p.balls
		p.mu.Unlock()
		match.Confirm()
		p.log.Debug("expected ball hit the playfield", "balls", balls)
		p.postBallCount(balls)
		return
	}
	if p.balls == 0 {
		p.balls = 1
		p.availableBalls++
		balls := p.balls
		p.mu.Unlock()
		p.log.Info("unexpected ball in play")
		p.bus.Post("playfield_"+p.name+"_unexpected_ball", UnexpectedBallEvent{Device: p.name})
		p.postBallCount(balls)
		return
	}
	p.mu.Unlock()
}

// BallRemoved books a ball that left play, for example into a device
// that captured it.
func (p *Playfield) BallRemoved() {
	p.mu.Lock()
	if p.balls > 0 {
		p.balls--
	}
	if p.availableBalls > 0 {
		p.availableBalls--
	}
	balls := p.balls
	p.mu.Unlock()
	p.postBallCount(balls)
}

func (p *Playfield) postBallCount(balls int) {
	p.bus.Post("playfield_"+p.name+"_ball_count_changed", BallCountChangedEvent{
		Device: p.name,
		Balls:  balls,
	})
}
