// Package device implements ball devices: the troughs, locks,
// scoops, plungers and playfields that hold and move pinballs.
//
// Every ball device runs three cooperating goroutines. The ball count
// handler reconciles the physical switch count with the logical count,
// the incoming handler tracks balls announced by neighbors, and the
// outgoing handler drives eject requests through their attempts.
// Devices form a directed graph along their eject targets; multi-hop
// ball moves are set up as chains of per-device eject requests.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/platform"
)

// BallDevice is one ball-holding device in the machine.
type BallDevice struct {
	name     string
	cfg      config.BallDevice
	bus      *events.Bus
	switches *platform.SwitchController
	log      *slog.Logger

	counter   Counter
	ejector   Ejector
	ballCount *BallCountHandler
	incoming  *IncomingBallsHandler
	outgoing  *OutgoingBallsHandler

	mu             sync.Mutex
	availableBalls int
	countedBalls   int
	ballRequests   []ballRequest
	broken         bool

	ejectTargets       []Target
	targetOnUnexpected Target
	ballMissingTarget  Target
	capturesFrom       string
	sourceDevices      []*BallDevice

	unsubs []func()
}

type ballRequest struct {
	target           Target
	playerControlled bool
}

// New builds a device from its config. Targets are resolved later via
// ResolveTargets because they may not exist yet while the machine is
// assembling.
func New(name string, cfg config.BallDevice, machine *config.Machine, bus *events.Bus, pf platform.Platform, log *slog.Logger) (*BallDevice, error) {
	d := &BallDevice{
		name:     name,
		cfg:      cfg,
		bus:      bus,
		switches: pf.Switches(),
		log:      log.With("device", name),
	}

	var err error
	if len(cfg.BallSwitches) > 0 {
		d.counter, err = NewSwitchCounter(name, SwitchCounterConfig{
			BallSwitches:         cfg.BallSwitches,
			JamSwitch:            cfg.JamSwitch,
			EntranceCountDelay:   cfg.EntranceCountDelay.Std(),
			ExitCountDelay:       cfg.ExitCountDelay.Std(),
			EntranceEventTimeout: cfg.EntranceEventTimeout.Std(),
		}, d.switches, d.log)
	} else {
		d.counter, err = NewEntranceSwitchCounter(name, EntranceCounterConfig{
			EntranceSwitch:       cfg.EntranceSwitch,
			IgnoreWindow:         cfg.EntranceSwitchIgnoreWindow.Std(),
			Capacity:             cfg.BallCapacity,
			FullTimeout:          cfg.EntranceSwitchFullTimeout.Std(),
			EntranceEventTimeout: cfg.EntranceEventTimeout.Std(),
		}, d.switches, d.log)
	}
	if err != nil {
		return nil, err
	}

	d.ejector, err = NewEjector(cfg, machine, pf, d.log)
	if err != nil {
		return nil, err
	}

	d.ballCount = newBallCountHandler(d)
	d.incoming = newIncomingBallsHandler(d)
	d.outgoing = newOutgoingBallsHandler(d)
	return d, nil
}

// ResolveTargets wires the device into the machine graph.
func (d *BallDevice) ResolveTargets(ejectTargets []Target, onUnexpected, ballMissing Target, capturesFrom string) {
	d.ejectTargets = ejectTargets
	d.targetOnUnexpected = onUnexpected
	d.ballMissingTarget = ballMissing
	d.capturesFrom = capturesFrom
}

// AddSourceDevice registers a device that lists this one among its
// eject targets.
func (d *BallDevice) AddSourceDevice(src *BallDevice) {
	d.sourceDevices = append(d.sourceDevices, src)
}

// Start performs the initial count and launches the three handlers.
// Balls found at startup become available without entrance handling.
func (d *BallDevice) Start(ctx context.Context) error {
	if err := d.counter.Start(ctx); err != nil {
		return fmt.Errorf("device %s: start counter: %w", d.name, err)
	}
	if err := d.ballCount.Start(ctx); err != nil {
		return fmt.Errorf("device %s: initial count: %w", d.name, err)
	}
	if err := d.incoming.Start(ctx); err != nil {
		return err
	}
	if err := d.outgoing.Start(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.availableBalls = d.ballCount.HandledBalls()
	d.mu.Unlock()

	if len(d.sourceDevices) > 0 {
		unsub := d.bus.Subscribe(EventBallsAvailable, func(string, events.Event) bool {
			return d.handleSourceBallsAvailable()
		})
		d.unsubs = append(d.unsubs, unsub)
	}
	d.log.Info("device started", "balls", d.ballCount.HandledBalls(), "capacity", d.counter.Capacity())
	return nil
}

func (d *BallDevice) Name() string      { return d.name }
func (d *BallDevice) IsPlayfield() bool { return false }

// Capacity is the most balls the device can hold.
func (d *BallDevice) Capacity() int { return d.counter.Capacity() }

// Balls returns the number of balls expected in the device in the
// near future: a ball that left but is not confirmed yet no longer
// counts.
func (d *BallDevice) Balls() int {
	d.mu.Lock()
	counted := d.countedBalls
	d.mu.Unlock()
	switch d.outgoing.State() {
	case StateBallLeft, StateFailedConfirm:
		return counted - 1
	}
	return counted
}

// CountedBalls returns the reconciled physical count.
func (d *BallDevice) CountedBalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countedBalls
}

func (d *BallDevice) AvailableBalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availableBalls
}

func (d *BallDevice) AddAvailableBalls(delta int) {
	d.mu.Lock()
	d.availableBalls += delta
	d.mu.Unlock()
}

// AddMissingBalls on a regular device is bookkeeping only; the balls
// will be counted when they physically show up as unexpected arrivals.
func (d *BallDevice) AddMissingBalls(n int) {
	d.log.Warn("missing balls routed here, waiting for them to arrive", "balls", n)
}

// State returns the current eject phase.
func (d *BallDevice) State() EjectState { return d.outgoing.State() }

// IsBroken reports whether the device gave up ejecting.
func (d *BallDevice) IsBroken() bool { return d.outgoing.IsBroken() }

// ReceivedEntranceEvent forwards an entrance observation to the
// counter so the next new ball counts as a proper entrance.
func (d *BallDevice) ReceivedEntranceEvent() { d.counter.ReceivedEntranceEvent() }

// BallSearch fires the eject mechanism to dislodge a ball the counter
// cannot see. Devices holding a settled, trusted count keep their
// balls, and a device mid-eject is left alone so the tracked attempt
// is not disturbed. Reports whether the mechanism fired.
func (d *BallDevice) BallSearch(ctx context.Context) (bool, error) {
	if d.ejector == nil {
		return false, nil
	}
	if d.outgoing.State() != StateIdle {
		return false, nil
	}
	if n, err := d.counter.CountBallsSync(); err == nil && n > 0 && !d.counter.IsCountUnreliable() {
		return false, nil
	}
	d.log.Info("ball search firing eject mechanism")
	return d.ejector.BallSearch(ctx)
}

func (d *BallDevice) AddIncomingBall(ball *IncomingBall) {
	d.incoming.addIncomingBall(ball)
	select {
	case <-ball.CanSkipDone():
		if d.cfg.MechanicalEject {
			d.outgoing.addIncomingWhichMaySkip(ball)
		}
	default:
	}
}

func (d *BallDevice) RemoveIncomingBall(ball *IncomingBall) {
	d.incoming.removeIncomingBall(ball)
}

func (d *BallDevice) removeIncomingBall(ball *IncomingBall) {
	d.incoming.removeIncomingBall(ball)
}

// ConfirmArrival resolves an announced ball without the counter
// seeing it.
func (d *BallDevice) ConfirmArrival(ball *IncomingBall) {
	d.incoming.removeIncomingBall(ball)
	ball.Confirm()
}

func (d *BallDevice) WaitForReadyToReceive(ctx context.Context, source Target) error {
	name := "unknown"
	if source != nil {
		name = source.Name()
	}
	return d.ballCount.WaitForReadyToReceive(ctx, name)
}

func (d *BallDevice) CancelPathIfTargetIs(start, target Target) bool {
	return d.outgoing.CancelPathIfTargetIs(start, target)
}

func (d *BallDevice) FindAvailableBallInPath(start Target) bool {
	return d.outgoing.FindAvailableBallInPath(start)
}

// RequestBall asks the machine to route balls into this device.
func (d *BallDevice) RequestBall(balls int) {
	d.log.Debug("requesting balls", "balls", balls)
	for i := 0; i < balls; i++ {
		d.setupOrQueueEjectToTarget(d, false)
	}
}

// Eject routes balls from this device (or its sources) to target.
// A nil target means the device's unexpected-ball target.
func (d *BallDevice) Eject(balls int, target Target) {
	if target == nil {
		target = d.targetOnUnexpected
	}
	d.log.Debug("eject requested", "balls", balls, "target", target.Name())
	for i := 0; i < balls; i++ {
		d.setupOrQueueEjectToTarget(target, false)
	}
}

// EjectAll ejects every available ball to target. It reports whether
// there was anything to eject.
func (d *BallDevice) EjectAll(target Target) bool {
	available := d.AvailableBalls()
	if available <= 0 {
		return false
	}
	d.Eject(available, target)
	return true
}

// SetupPlayerControlledEject arms an eject that waits for the player,
// as a plunger lane does. Devices without mechanical eject or a
// player eject event fall back to a normal eject.
func (d *BallDevice) SetupPlayerControlledEject(target Target) {
	if d.cfg.MechanicalEject || (d.cfg.PlayerControlledEjectEvent != "" && d.ejector != nil) {
		d.setupOrQueueEjectToTarget(target, true)
		return
	}
	d.Eject(1, target)
}

// setupOrQueueEjectToTarget finds a ball for target. When this device
// has one the chain starts here; otherwise a source device up the
// graph supplies it. With no ball anywhere the request queues until
// one becomes available.
func (d *BallDevice) setupOrQueueEjectToTarget(target Target, playerControlled bool) bool {
	pathToTarget := d.FindPathToTarget(target)

	var path []Target
	if d.AvailableBalls() > 0 && Target(d) != target {
		path = pathToTarget
		if path == nil {
			d.log.Error("no path to eject target", "target", target.Name())
			return false
		}
	} else {
		path = d.findOneAvailableBall(nil)
		if path == nil {
			d.mu.Lock()
			d.ballRequests = append(d.ballRequests, ballRequest{target, playerControlled})
			d.mu.Unlock()
			d.log.Debug("no ball available, queueing request", "target", target.Name())
			return false
		}
		if Target(d) != target {
			if pathToTarget == nil {
				d.log.Error("no path to eject target", "target", target.Name())
				return false
			}
			// Splice: source..this device, then this device..target.
			path = append(path, pathToTarget[1:]...)
		}
	}

	src, ok := path[0].(*BallDevice)
	if !ok {
		d.log.Error("eject path starts at a playfield", "target", target.Name())
		return false
	}
	return src.SetupEjectChain(path, playerControlled) == nil
}

// SetupEjectChain books one ball through every hop of path. The first
// element must be this device; the ball becomes available at the
// final target immediately so downstream requests can count on it.
func (d *BallDevice) SetupEjectChain(path []Target, playerControlled bool) error {
	if len(path) < 2 || path[0] != Target(d) {
		return fmt.Errorf("device %s: invalid eject path", d.name)
	}
	d.mu.Lock()
	if d.availableBalls <= 0 {
		d.mu.Unlock()
		return fmt.Errorf("device %s: no available ball for eject chain", d.name)
	}
	d.availableBalls--
	d.mu.Unlock()

	target := path[len(path)-1]
	d.setupEjectChainNextHop(path[1:], playerControlled)
	target.AddAvailableBalls(1)

	d.bus.Post(EventBallsAvailable, BallsAvailableEvent{Device: target.Name()})
	return nil
}

func (d *BallDevice) setupEjectChainNextHop(rest []Target, playerControlled bool) {
	next := rest[0]
	found := false
	for _, t := range d.ejectTargets {
		if t == next {
			found = true
			break
		}
	}
	if !found {
		d.log.Error("broken eject path", "next", next.Name())
		return
	}

	d.outgoing.AddEjectToQueue(&OutgoingBall{
		Target:             next,
		EjectTimeout:       d.ejectTimeout(next),
		BallMissingTimeout: d.missingTimeout(next),
		MaxTries:           d.cfg.MaxEjectAttempts,
		Mechanical:         playerControlled,
	})

	if len(rest) > 1 {
		if nd, ok := next.(*BallDevice); ok {
			nd.setupEjectChainNextHop(rest[1:], playerControlled)
		}
	}
}

func (d *BallDevice) ejectTimeout(target Target) time.Duration {
	for i, name := range d.cfg.EjectTargets {
		if name == target.Name() {
			return d.cfg.EjectTimeouts[i].Std()
		}
	}
	return config.DefaultEjectTimeout
}

func (d *BallDevice) missingTimeout(target Target) time.Duration {
	for i, name := range d.cfg.EjectTargets {
		if name == target.Name() {
			return d.cfg.BallMissingTimeouts[i].Std()
		}
	}
	return config.DefaultBallMissingTimeout
}

// FindPathToTarget searches the device graph for a route to target.
// Cycles in the graph terminate the search instead of looping.
func (d *BallDevice) FindPathToTarget(target Target) []Target {
	return d.findPath(target, map[*BallDevice]bool{})
}

func (d *BallDevice) findPath(target Target, visited map[*BallDevice]bool) []Target {
	if visited[d] {
		return nil
	}
	visited[d] = true

	for _, t := range d.ejectTargets {
		if t == target {
			return []Target{d, target}
		}
	}
	for _, t := range d.ejectTargets {
		td, ok := t.(*BallDevice)
		if !ok {
			continue
		}
		if sub := td.findPath(target, visited); sub != nil {
			return append([]Target{Target(d)}, sub...)
		}
	}
	return nil
}

// findOneAvailableBall walks up the source devices looking for a ball
// to pull, returning the path from that source down to this device.
func (d *BallDevice) findOneAvailableBall(path []Target) []Target {
	for _, p := range path {
		if p == Target(d) {
			return nil
		}
	}
	path = append([]Target{Target(d)}, path...)
	if d.AvailableBalls() > 0 && len(path) > 1 {
		return path
	}
	for _, src := range d.sourceDevices {
		if full := src.findOneAvailableBall(path); full != nil {
			return full
		}
	}
	return nil
}

// FindNextTrough locates the nearest trough downstream of this
// device.
func (d *BallDevice) FindNextTrough() *BallDevice {
	return d.findTrough(map[*BallDevice]bool{})
}

func (d *BallDevice) findTrough(visited map[*BallDevice]bool) *BallDevice {
	if visited[d] {
		return nil
	}
	visited[d] = true
	if d.cfg.HasTag("trough") {
		return d
	}
	for _, t := range d.ejectTargets {
		td, ok := t.(*BallDevice)
		if !ok {
			continue
		}
		if trough := td.findTrough(visited); trough != nil {
			return trough
		}
	}
	return nil
}

// handleSourceBallsAvailable serves the oldest queued ball request
// when a source announces new balls. Returns false (consuming the
// event) when a request took the ball.
func (d *BallDevice) handleSourceBallsAvailable() bool {
	d.mu.Lock()
	if len(d.ballRequests) == 0 {
		d.mu.Unlock()
		return true
	}
	req := d.ballRequests[0]
	d.ballRequests = d.ballRequests[1:]
	d.mu.Unlock()

	if d.setupOrQueueEjectToTarget(req.target, req.playerControlled) {
		return false
	}
	return true
}

// expectedBallReceived books a ball that completed an announced move.
func (d *BallDevice) expectedBallReceived() {
	unclaimed := d.postEnterEvent(0)
	if unclaimed > 0 {
		d.ballsAddedCallback(0, unclaimed)
	}
}

// unexpectedBallReceived books a ball nobody announced: it was
// captured from the playfield (or wherever this device captures
// from) and gets routed onward unless this device keeps strays.
func (d *BallDevice) unexpectedBallReceived() {
	d.bus.Post(deviceEvent(d.name, suffixUnexpected), UnexpectedBallEvent{Device: d.name})
	if d.capturesFrom != "" {
		d.bus.Post("balldevice_captured_from_"+d.capturesFrom, CapturedFromEvent{
			Device: d.name,
			Source: d.capturesFrom,
			Balls:  1,
		})
	}
	unclaimed := d.postEnterEvent(1)
	d.ballsAddedCallback(1, unclaimed)
}

// postEnterEvent posts the ball_enter relay. Handlers may claim the
// ball by decrementing Unclaimed; whatever is left comes back here.
func (d *BallDevice) postEnterEvent(unclaimed int) int {
	ev := &BallEnterEvent{Device: d.name, NewBalls: 1, Unclaimed: unclaimed}
	d.bus.Post(deviceEvent(d.name, suffixBallEnter), ev)
	d.bus.Post(deviceEvent(d.name, suffixBallEntered), BallEnteredEvent{
		Device:    d.name,
		NewBalls:  1,
		Unclaimed: ev.Unclaimed,
	})
	return ev.Unclaimed
}

// ballsAddedCallback routes unclaimed balls onward: troughs keep
// them, drains push them to the next trough, everything else sends
// them to the unexpected-ball target.
func (d *BallDevice) ballsAddedCallback(newBalls, unclaimed int) {
	d.mu.Lock()
	d.availableBalls += newBalls
	d.mu.Unlock()

	if unclaimed > 0 {
		switch {
		case d.cfg.HasTag("trough"):
			// Strays belong here.
		case d.cfg.HasTag("drain"):
			trough := d.FindNextTrough()
			if trough == nil {
				d.log.Error("drain has no path to a trough")
				break
			}
			for i := 0; i < unclaimed; i++ {
				d.setupOrQueueEjectToTarget(trough, false)
			}
		default:
			for i := 0; i < unclaimed; i++ {
				d.setupOrQueueEjectToTarget(d.targetOnUnexpected, false)
			}
		}
	}

	// Local requests are first in line for the new balls.
	for {
		d.mu.Lock()
		pending := len(d.ballRequests) > 0
		d.mu.Unlock()
		if !pending || d.AvailableBalls() <= 0 {
			break
		}
		if d.handleSourceBallsAvailable() {
			break
		}
	}

	for i := 0; i < newBalls; i++ {
		d.bus.Post(EventBallsAvailable, BallsAvailableEvent{Device: d.name})
	}
}

// lostIdleBall handles a ball that vanished while nothing was going
// on. Mechanical devices assume the player shot it to the first
// target; everything else declares it missing.
func (d *BallDevice) lostIdleBall(ctx context.Context) {
	if d.cfg.MechanicalEject && len(d.ejectTargets) > 0 {
		target := d.ejectTargets[0]
		target.AddAvailableBalls(1)
		d.outgoing.AddEjectToQueue(&OutgoingBall{
			Target:             target,
			EjectTimeout:       d.ejectTimeout(target),
			BallMissingTimeout: d.missingTimeout(target),
			MaxTries:           d.cfg.MaxEjectAttempts,
			Mechanical:         true,
			AlreadyLeft:        true,
		})
		return
	}
	d.ballMissingTarget.AddMissingBalls(1)
	d.postBallsMissing(1)
}

// lostEjectedBall repairs the chain after an ejected ball never
// arrived: if it was bound for the missing-ball target anyway the
// path is cancelled, otherwise the target gets a fresh ball.
func (d *BallDevice) lostEjectedBall(ctx context.Context, target Target) {
	switch {
	case target.IsPlayfield():
		d.log.Error("lost a ball to a playfield, this should not happen", "target", target.Name())
	case target.CancelPathIfTargetIs(d, d.ballMissingTarget):
		d.log.Warn("path cancelled, assuming the ball jumped to the missing-ball target",
			"target", target.Name())
	case target.FindAvailableBallInPath(d):
		d.log.Warn("restoring the path with a fresh ball", "target", target.Name())
		target.AddAvailableBalls(-1)
		d.Eject(1, target)
	default:
		d.log.Error("could not repair the path after a lost ball", "target", target.Name())
	}

	d.ballMissingTarget.AddMissingBalls(1)
	d.postBallsMissing(1)
}

// lostIncomingBall handles a ball that was confirmed to have left
// source but never arrived here.
func (d *BallDevice) lostIncomingBall(ctx context.Context, source *BallDevice) {
	switch {
	case d.CancelPathIfTargetIs(d, d.ballMissingTarget):
		d.log.Warn("own path cancelled, assuming the ball jumped to the missing-ball target")
	case d.FindAvailableBallInPath(d):
		d.log.Warn("restoring own path by requesting a fresh ball")
		d.AddAvailableBalls(-1)
		d.RequestBall(1)
	default:
		d.log.Error("could not repair the path after a lost incoming ball",
			"source", source.Name())
	}

	d.ballMissingTarget.AddMissingBalls(1)
	d.postBallsMissing(1)
}

func (d *BallDevice) postBallsMissing(balls int) {
	d.log.Warn("balls missing", "balls", balls)
	d.bus.Post(deviceEvent(d.name, suffixBallMissing), BallMissingEvent{Device: d.name, Balls: balls})
	d.bus.Post(EventBallMissing, BallMissingEvent{Device: d.name, Balls: balls})
}

func (d *BallDevice) postBallLost(target Target) {
	d.bus.Post(deviceEvent(d.name, suffixBallLost), BallLostEvent{
		Source: d.name,
		Target: target.Name(),
	})
}

// postEjectAttempt posts the attempt as a queue event; holders delay
// the actuation until they release.
func (d *BallDevice) postEjectAttempt(req *OutgoingBall, attempt int) *events.Blockers {
	blockers := events.NewBlockers()
	d.bus.Post(deviceEvent(d.name, suffixEjectAttempt), EjectAttemptEvent{
		Balls:       1,
		Source:      d.name,
		Target:      req.Target.Name(),
		Mechanical:  req.Mechanical,
		NumAttempts: attempt,
		Queue:       blockers,
	})
	return blockers
}

// ballCountChanged mirrors the logical count and announces it.
func (d *BallDevice) ballCountChanged(count int) {
	d.mu.Lock()
	d.countedBalls = count
	d.mu.Unlock()
	d.bus.Post(deviceEvent(d.name, suffixBallCount), BallCountChangedEvent{
		Device: d.name,
		Balls:  count,
	})
}

func (d *BallDevice) markBroken(req *OutgoingBall) {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
	d.log.Error("device is broken, no further ejects will run", "target", req.Target.Name())
}
