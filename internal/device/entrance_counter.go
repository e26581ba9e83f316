package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openpin/openpin/internal/platform"
)

// entranceSettleTime is how long an entrance-switch count change may
// keep moving before it is considered settled.
const entranceSettleTime = 10 * time.Millisecond

// EntranceSwitchCounter counts balls with a single switch at the
// entrance: every hit is one ball in, every eject is one ball out.
// Devices that fill up can carry a full switch that pins the count to
// capacity while active.
type EntranceSwitchCounter struct {
	baseCounter

	switches *platform.SwitchController

	entranceSwitch string
	ignoreWindow   time.Duration
	capacity       int
	fullTimeout    time.Duration

	entranceEventTimeout time.Duration

	countMu   sync.Mutex
	count     int
	lastHit   time.Time
	entrances []time.Time

	settle  *time.Timer
	pending []BallActivity

	cancels []func()
}

// EntranceCounterConfig configures an EntranceSwitchCounter.
//
// FullTimeout enables the full heuristic: a ball resting on the
// entrance switch for that long means the device below is packed and
// the count is pinned to capacity. This also covers boot: a switch
// held at startup counts the device as full. Without FullTimeout the
// counter starts at InitialBalls (zero from machine config) and balls
// already inside only surface once they move.
type EntranceCounterConfig struct {
	EntranceSwitch       string
	IgnoreWindow         time.Duration
	Capacity             int
	FullTimeout          time.Duration
	EntranceEventTimeout time.Duration
	InitialBalls         int
}

func NewEntranceSwitchCounter(name string, cfg EntranceCounterConfig, switches *platform.SwitchController, log *slog.Logger) (*EntranceSwitchCounter, error) {
	if !switches.HasSwitch(cfg.EntranceSwitch) {
		return nil, fmt.Errorf("counter %s: unknown switch %q", name, cfg.EntranceSwitch)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("counter %s: capacity must be positive", name)
	}
	return &EntranceSwitchCounter{
		baseCounter:          newBaseCounter(name, log),
		switches:             switches,
		entranceSwitch:       cfg.EntranceSwitch,
		ignoreWindow:         cfg.IgnoreWindow,
		capacity:             cfg.Capacity,
		fullTimeout:          cfg.FullTimeout,
		entranceEventTimeout: cfg.EntranceEventTimeout,
		count:                cfg.InitialBalls,
	}, nil
}

func (c *EntranceSwitchCounter) Start(ctx context.Context) error {
	cancel, err := c.switches.AddHandler(c.entranceSwitch, true, 0, c.entranceHit)
	if err != nil {
		return err
	}
	c.cancels = append(c.cancels, cancel)
	if c.fullTimeout > 0 {
		// A ball parked on the entrance switch means the stack below
		// is packed to the top. The handler also fires when a switch
		// is already held at startup.
		cancel, err = c.switches.AddHandler(c.entranceSwitch, true, c.fullTimeout, c.entranceFull)
		if err != nil {
			return err
		}
		c.cancels = append(c.cancels, cancel)
		cancel, err = c.switches.AddHandler(c.entranceSwitch, false, 0, c.entranceReleased)
		if err != nil {
			return err
		}
		c.cancels = append(c.cancels, cancel)
	}
	go func() {
		<-ctx.Done()
		for _, cancel := range c.cancels {
			cancel()
		}
	}()
	c.markStable()
	c.record(c.count, nil)
	return nil
}

// entranceHit counts one ball in, unless the hit repeats within the
// ignore window (the same ball rattling over the switch) or the
// device is already full.
func (c *EntranceSwitchCounter) entranceHit() {
	c.countMu.Lock()
	now := time.Now()
	if c.ignoreWindow > 0 && now.Sub(c.lastHit) < c.ignoreWindow {
		c.lastHit = now
		c.countMu.Unlock()
		return
	}
	c.lastHit = now
	if c.count >= c.capacity {
		c.countMu.Unlock()
		c.log.Warn("entrance switch hit while full, ignoring")
		return
	}
	if c.fullTimeout > 0 && c.count+1 == c.capacity {
		// The last slot only fills if the ball stays put for the full
		// timeout; entranceFull publishes capacity then. A ball that
		// rolls off earlier never made it in and keeps the old count.
		c.countMu.Unlock()
		c.markUnstable()
		return
	}
	c.count++
	kind := ActivityUnknown
	cutoff := now.Add(-c.entranceEventTimeout)
	for len(c.entrances) > 0 && c.entrances[0].Before(cutoff) {
		c.entrances = c.entrances[1:]
	}
	if len(c.entrances) > 0 {
		c.entrances = c.entrances[1:]
		kind = ActivityEntrance
	}
	c.pending = append(c.pending, BallActivity{Kind: kind})
	c.countMu.Unlock()

	c.markUnstable()
	c.resetSettle()
}

// resetSettle (re)starts the settle timer; when it fires the count is
// published.
func (c *EntranceSwitchCounter) resetSettle() {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = time.AfterFunc(entranceSettleTime, c.publish)
}

func (c *EntranceSwitchCounter) publish() {
	c.countMu.Lock()
	count := c.count
	acts := c.pending
	c.pending = nil
	c.countMu.Unlock()
	c.markStable()
	c.record(count, acts)
}

// entranceFull pins the count to capacity after a ball held the
// entrance switch through the full timeout.
func (c *EntranceSwitchCounter) entranceFull() {
	c.countMu.Lock()
	newBalls := c.capacity - c.count
	if newBalls > 0 {
		c.count = c.capacity
		c.log.Info("ball resting on entrance switch, counting device as full",
			"added", newBalls, "capacity", c.capacity)
		for i := 0; i < newBalls; i++ {
			c.pending = append(c.pending, BallActivity{Kind: ActivityEntrance})
		}
	}
	c.countMu.Unlock()
	c.publish()
}

// entranceReleased re-publishes the count when a ball clears the
// entrance switch before the full timeout elapsed.
func (c *EntranceSwitchCounter) entranceReleased() {
	if c.stable.IsSet() {
		return
	}
	c.publish()
}

func (c *EntranceSwitchCounter) ReceivedEntranceEvent() {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	c.entrances = append(c.entrances, time.Now())
}

func (c *EntranceSwitchCounter) Capacity() int { return c.capacity }

// IsJammed is always false: there is no jam switch on an entrance
// counter.
func (c *EntranceSwitchCounter) IsJammed() bool { return false }

func (c *EntranceSwitchCounter) IsCountUnreliable() bool { return false }

func (c *EntranceSwitchCounter) CountBallsSync() (int, error) {
	if !c.stable.IsSet() {
		return 0, ErrCountUnstable
	}
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.count, nil
}

func (c *EntranceSwitchCounter) CountBalls(ctx context.Context) (int, error) {
	for {
		if err := c.WaitForCountStable(ctx); err != nil {
			return 0, err
		}
		if n, err := c.CountBallsSync(); err == nil {
			return n, nil
		}
	}
}

func (c *EntranceSwitchCounter) IsReadyToReceive() bool {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.count < c.capacity
}

func (c *EntranceSwitchCounter) WaitForReadyToReceive(ctx context.Context) error {
	for {
		n, err := c.CountBalls(ctx)
		if err != nil {
			return err
		}
		if n < c.capacity {
			return nil
		}
		if _, err := c.WaitForBallCountChanges(ctx, n); err != nil {
			return err
		}
	}
}

func (c *EntranceSwitchCounter) WaitForBallCountChanges(ctx context.Context, old int) (int, error) {
	for {
		n, err := c.CountBalls(ctx)
		if err != nil {
			return 0, err
		}
		if n != old {
			return n, nil
		}
		sig := c.WaitForBallActivity()
		if n2, err := c.CountBallsSync(); err == nil && n2 != old {
			return n2, nil
		}
		select {
		case <-sig.Done():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitForBallToLeave cannot observe the departure directly, so the
// eject is assumed to have moved a ball out once the count settles.
func (c *EntranceSwitchCounter) WaitForBallToLeave(ctx context.Context) (*Signal, func(), error) {
	if err := c.WaitForCountStable(ctx); err != nil {
		return nil, nil, err
	}
	sig := NewSignal()
	timer := time.AfterFunc(entranceSettleTime, func() {
		c.countMu.Lock()
		if c.count > 0 {
			c.count--
		}
		count := c.count
		c.countMu.Unlock()
		sig.Set()
		c.record(count, []BallActivity{{Kind: ActivityLost}})
	})
	return sig, func() { timer.Stop() }, nil
}
