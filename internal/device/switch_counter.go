package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpin/openpin/internal/platform"
)

// SwitchCounter counts balls by reading one opto or microswitch per
// ball position, plus an optional jam switch at the entrance of the
// eject mechanism.
type SwitchCounter struct {
	baseCounter

	switches *platform.SwitchController

	ballSwitches []string
	jamSwitch    string

	entranceDelay        time.Duration
	exitDelay            time.Duration
	entranceEventTimeout time.Duration

	recount    *latch
	unreliable atomic.Bool

	entrancesMu sync.Mutex
	entrances   []time.Time

	cancels []func()
	stopped chan struct{}
}

// SwitchCounterConfig carries the switch names and settle windows for
// a SwitchCounter.
type SwitchCounterConfig struct {
	BallSwitches         []string
	JamSwitch            string
	EntranceCountDelay   time.Duration
	ExitCountDelay       time.Duration
	EntranceEventTimeout time.Duration
}

func NewSwitchCounter(name string, cfg SwitchCounterConfig, switches *platform.SwitchController, log *slog.Logger) (*SwitchCounter, error) {
	all := cfg.BallSwitches
	if cfg.JamSwitch != "" {
		all = append(all, cfg.JamSwitch)
	}
	for _, sw := range all {
		if !switches.HasSwitch(sw) {
			return nil, fmt.Errorf("counter %s: unknown switch %q", name, sw)
		}
	}
	return &SwitchCounter{
		baseCounter:          newBaseCounter(name, log),
		switches:             switches,
		ballSwitches:         cfg.BallSwitches,
		jamSwitch:            cfg.JamSwitch,
		entranceDelay:        cfg.EntranceCountDelay,
		exitDelay:            cfg.ExitCountDelay,
		entranceEventTimeout: cfg.EntranceEventTimeout,
		recount:              newLatch(true),
		stopped:              make(chan struct{}),
	}, nil
}

func (c *SwitchCounter) Start(ctx context.Context) error {
	all := c.allSwitches()
	for _, sw := range all {
		for _, reg := range []struct {
			state bool
			hold  time.Duration
			fn    func()
		}{
			{true, 0, c.invalidateCount},
			{true, c.entranceDelay, c.triggerRecount},
			{false, 0, c.invalidateCount},
			{false, c.exitDelay, c.triggerRecount},
		} {
			cancel, err := c.switches.AddHandler(sw, reg.state, reg.hold, reg.fn)
			if err != nil {
				return err
			}
			c.cancels = append(c.cancels, cancel)
		}
	}
	go c.run(ctx)
	return nil
}

func (c *SwitchCounter) allSwitches() []string {
	all := make([]string, 0, len(c.ballSwitches)+1)
	all = append(all, c.ballSwitches...)
	if c.jamSwitch != "" {
		all = append(all, c.jamSwitch)
	}
	return all
}

func (c *SwitchCounter) invalidateCount() { c.markUnstable() }

func (c *SwitchCounter) triggerRecount() { c.recount.Set() }

// run recounts whenever a switch has settled in its new state and
// turns the delta into ball activities.
func (c *SwitchCounter) run(ctx context.Context) {
	defer close(c.stopped)
	defer func() {
		for _, cancel := range c.cancels {
			cancel()
		}
	}()
	for {
		select {
		case <-c.recount.Wait():
		case <-ctx.Done():
			return
		}
		c.recount.Clear()

		count, err := c.CountBallsSync()
		if err != nil {
			// A settle window has not elapsed yet, either because a
			// switch moved again or because the counter just started.
			// Retry once the longest window has passed.
			d := c.entranceDelay
			if c.exitDelay > d {
				d = c.exitDelay
			}
			time.AfterFunc(d, c.triggerRecount)
			continue
		}

		prev, valid := c.lastKnown()
		if !valid {
			c.markStable()
			c.record(count, nil)
			continue
		}

		if count == prev {
			c.markStable()
			continue
		}

		// A lone jam switch hit with the count collapsing to one means
		// the ejected ball bounced back into the jam position and may
		// be resting on top of others. The previous count stands but
		// can no longer be trusted.
		if c.IsJammed() && count == 1 {
			c.markStable()
			if !c.unreliable.Load() {
				c.unreliable.Store(true)
				c.log.Info("ball jammed back, count unreliable", "count", prev)
				c.record(prev, []BallActivity{{Kind: ActivityReturn}})
			}
			continue
		}
		c.unreliable.Store(false)

		var acts []BallActivity
		if count > prev {
			for i := 0; i < count-prev; i++ {
				acts = append(acts, BallActivity{Kind: c.classifyNewBall()})
			}
		} else {
			for i := 0; i < prev-count; i++ {
				acts = append(acts, BallActivity{Kind: ActivityLost})
			}
		}
		c.markStable()
		c.record(count, acts)
	}
}

// classifyNewBall decides whether a new ball was announced by an
// entrance observation recently enough to count as a real entrance.
func (c *SwitchCounter) classifyNewBall() BallActivityKind {
	c.entrancesMu.Lock()
	defer c.entrancesMu.Unlock()
	cutoff := time.Now().Add(-c.entranceEventTimeout)
	for len(c.entrances) > 0 && c.entrances[0].Before(cutoff) {
		c.entrances = c.entrances[1:]
	}
	if len(c.entrances) > 0 {
		c.entrances = c.entrances[1:]
		return ActivityEntrance
	}
	return ActivityUnknown
}

func (c *SwitchCounter) ReceivedEntranceEvent() {
	c.entrancesMu.Lock()
	defer c.entrancesMu.Unlock()
	c.entrances = append(c.entrances, time.Now())
}

func (c *SwitchCounter) Capacity() int { return len(c.ballSwitches) }

func (c *SwitchCounter) IsJammed() bool {
	return c.jamSwitch != "" && c.switches.IsActive(c.jamSwitch, c.entranceDelay)
}

func (c *SwitchCounter) IsCountUnreliable() bool { return c.unreliable.Load() }

// CountBallsSync counts active switches including the jam switch.
// Each switch must have held its state through its settle window.
func (c *SwitchCounter) CountBallsSync() (int, error) {
	count := 0
	for _, sw := range c.allSwitches() {
		switch {
		case c.switches.IsActive(sw, c.entranceDelay):
			count++
		case c.switches.IsInactive(sw, c.exitDelay):
		default:
			return 0, ErrCountUnstable
		}
	}
	return count, nil
}

func (c *SwitchCounter) CountBalls(ctx context.Context) (int, error) {
	for {
		if err := c.WaitForCountStable(ctx); err != nil {
			return 0, err
		}
		if n, err := c.CountBallsSync(); err == nil {
			return n, nil
		}
		// The stable latch and the raw switch read can disagree for an
		// instant around an edge. Back off and retry.
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *SwitchCounter) IsReadyToReceive() bool {
	n, err := c.CountBallsSync()
	if err != nil {
		return false
	}
	return n != c.Capacity()
}

func (c *SwitchCounter) WaitForReadyToReceive(ctx context.Context) error {
	for {
		n, err := c.CountBalls(ctx)
		if err != nil {
			return err
		}
		if n != c.Capacity() {
			return nil
		}
		if _, err := c.WaitForBallCountChanges(ctx, n); err != nil {
			return err
		}
	}
}

func (c *SwitchCounter) WaitForBallCountChanges(ctx context.Context, old int) (int, error) {
	for {
		n, err := c.CountBalls(ctx)
		if err != nil {
			return 0, err
		}
		if n != old {
			return n, nil
		}
		sig := c.WaitForBallActivity()
		// Re-check in case the count moved while registering.
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

// WaitForBallToLeave arms departure watchers on every switch that is
// currently active. The first one to open fires the signal, decrements
// the count and records a lost ball so the eject tracker sees the
// departure immediately instead of waiting out the exit settle window.
func (c *SwitchCounter) WaitForBallToLeave(ctx context.Context) (*Signal, func(), error) {
	if err := c.WaitForCountStable(ctx); err != nil {
		return nil, nil, err
	}
	var active []string
	for _, sw := range c.allSwitches() {
		if c.switches.IsActive(sw, 0) {
			active = append(active, sw)
		}
	}
	sig := NewSignal()
	if len(active) == 0 {
		c.log.Warn("eject requested with no active ball switches")
		sig.Set()
		return sig, func() {}, nil
	}

	var once sync.Once
	var cancels []func()
	abort := NewSignal()
	disarm := func() {
		for _, cancel := range cancels {
			cancel()
		}
		// The per-switch watchers park on this; without it they would
		// outlive every disarmed attempt.
		abort.Set()
	}
	for _, sw := range active {
		ch, cancel, err := c.switches.WaitForSwitch(sw, false, true)
		if err != nil {
			disarm()
			return nil, nil, err
		}
		cancels = append(cancels, cancel)
		go func() {
			select {
			case <-ch:
				once.Do(func() {
					sig.Set()
					c.ballDeparted()
					disarm()
				})
			case <-abort.Done():
			}
		}()
	}
	return sig, func() { once.Do(disarm) }, nil
}

func (c *SwitchCounter) ballDeparted() {
	prev, valid := c.lastKnown()
	if !valid || prev == 0 {
		return
	}
	c.record(prev-1, []BallActivity{{Kind: ActivityLost}})
	c.triggerRecount()
}
