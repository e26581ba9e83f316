package device

import (
	"context"
	"sync"
	"time"
)

// EjectState is the public phase of the outgoing state machine.
type EjectState string

const (
	StateIdle             EjectState = "idle"
	StateWaitingForBall   EjectState = "waiting_for_ball"
	StateWaitingForTarget EjectState = "waiting_for_target_ready"
	StateEjecting         EjectState = "ejecting"
	StateBallLeft         EjectState = "ball_left"
	StateFailedConfirm    EjectState = "failed_confirm"
	StateEjectBroken      EjectState = "eject_broken"
)

// OutgoingBall is one queued eject request.
type OutgoingBall struct {
	Target             Target
	EjectTimeout       time.Duration
	BallMissingTimeout time.Duration
	MaxTries           int

	// Mechanical marks a player-controlled eject: the ball leaves when
	// the player acts, not when a coil fires.
	Mechanical bool

	// AlreadyLeft marks a request for a ball that departed before the
	// request was created.
	AlreadyLeft bool
}

type ejectResult int

const (
	ejectDone ejectResult = iota
	ejectRetry
)

// OutgoingBallsHandler serializes the eject requests of one device and
// walks each through its attempts until the target confirms the ball
// or the device gives up.
type OutgoingBallsHandler struct {
	device *BallDevice
	queue  *fifo[*OutgoingBall]

	mu            sync.Mutex
	state         EjectState
	currentTarget Target
	cancelSig     *Signal

	// skip holds incoming balls that may roll through this device and
	// satisfy a pending eject without ever settling here.
	skip *fifo[*IncomingBall]
}

func newOutgoingBallsHandler(dev *BallDevice) *OutgoingBallsHandler {
	return &OutgoingBallsHandler{
		device: dev,
		queue:  newFifo[*OutgoingBall](),
		state:  StateIdle,
		skip:   newFifo[*IncomingBall](),
	}
}

func (h *OutgoingBallsHandler) Start(ctx context.Context) error {
	go h.run(ctx)
	return nil
}

// AddEjectToQueue enqueues a request. Requests run strictly in order.
func (h *OutgoingBallsHandler) AddEjectToQueue(req *OutgoingBall) {
	h.device.log.Debug("queueing eject", "target", req.Target.Name(), "already_left", req.AlreadyLeft)
	h.queue.Put(req)
}

// addIncomingWhichMaySkip offers an inbound ball that may roll through
// this device.
func (h *OutgoingBallsHandler) addIncomingWhichMaySkip(ball *IncomingBall) {
	h.skip.Put(ball)
}

func (h *OutgoingBallsHandler) setState(s EjectState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.device.log.Debug("eject state", "state", string(s))
}

// State returns the current eject phase.
func (h *OutgoingBallsHandler) State() EjectState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *OutgoingBallsHandler) isIdle() bool { return h.State() == StateIdle }

// IsBroken reports whether the device gave up ejecting.
func (h *OutgoingBallsHandler) IsBroken() bool { return h.State() == StateEjectBroken }

func (h *OutgoingBallsHandler) setCurrent(target Target, cancel *Signal) {
	h.mu.Lock()
	h.currentTarget = target
	h.cancelSig = cancel
	h.mu.Unlock()
}

func (h *OutgoingBallsHandler) run(ctx context.Context) {
	for {
		h.setState(StateIdle)
		h.setCurrent(nil, nil)
		req, err := h.queue.Get(ctx)
		if err != nil {
			return
		}
		if !h.processRequest(ctx, req) {
			h.setState(StateEjectBroken)
			h.device.markBroken(req)
			return
		}
	}
}

// processRequest drives one request to resolution. It returns false
// only when the device is broken.
func (h *OutgoingBallsHandler) processRequest(ctx context.Context, req *OutgoingBall) bool {
	if req.AlreadyLeft {
		tracker, err := h.device.ballCount.StartEject(ctx, true)
		if err != nil {
			return true
		}
		h.setCurrent(req.Target, nil)
		h.setState(StateBallLeft)
		h.postEjecting(req, 1)
		incoming, cleanup := h.addIncomingToTarget(req)
		res, err := h.handleConfirm(ctx, req, tracker, incoming, 1)
		cleanup()
		if err != nil {
			return true
		}
		if res == ejectDone {
			return true
		}
		// The ball came back after all; run the normal retry loop.
		req.AlreadyLeft = false
	}
	return h.ejectLoop(ctx, req)
}

func (h *OutgoingBallsHandler) ejectLoop(ctx context.Context, req *OutgoingBall) bool {
	try := 0
	for {
		h.setState(StateWaitingForBall)
		cancel := NewSignal()
		h.setCurrent(req.Target, cancel)

		cancelled, skipped, err := h.waitForBall(ctx, cancel)
		if err != nil {
			return true
		}
		if cancelled {
			h.device.log.Debug("eject cancelled", "target", req.Target.Name())
			return true
		}
		h.setCurrent(req.Target, nil)

		if skipped != nil {
			if h.handleSkippingBall(ctx, req, skipped) {
				return true
			}
			continue
		}

		h.setState(StateWaitingForTarget)
		if err := h.prepareEject(ctx, req, try+1); err != nil {
			return true
		}
		if err := req.Target.WaitForReadyToReceive(ctx, h.device); err != nil {
			return true
		}
		if h.device.ballCount.HandledBalls() == 0 {
			// The ball vanished while we waited for the target.
			continue
		}

		h.setState(StateEjecting)
		res, err := h.ejectBall(ctx, req, try)
		if err != nil {
			return true
		}
		if res == ejectDone {
			return true
		}

		try++
		h.postFailed(req, try)
		if req.MaxTries > 0 && try >= req.MaxTries {
			h.device.log.Error("giving up after repeated eject failures",
				"target", req.Target.Name(), "attempts", try)
			h.postBroken(req, try)
			return false
		}
	}
}

// waitForBall blocks until the device holds a ball, the request is
// cancelled, or an inbound ball that may skip this device shows up.
func (h *OutgoingBallsHandler) waitForBall(ctx context.Context, cancel *Signal) (cancelled bool, skipped *IncomingBall, err error) {
	for {
		if ball, ok := h.skip.TryGet(); ok {
			return false, ball, nil
		}
		if h.device.ballCount.HandledBalls() > 0 {
			return false, nil, nil
		}
		change := h.device.ballCount.waitForCountChange()
		select {
		case <-change.Done():
		case <-h.skip.Ready():
		case <-cancel.Done():
			return true, nil, nil
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}
}

// handleSkippingBall resolves a pending eject with a ball that rolls
// straight through this device into the target. Returns true when the
// eject was satisfied that way.
func (h *OutgoingBallsHandler) handleSkippingBall(ctx context.Context, req *OutgoingBall, ball *IncomingBall) bool {
	h.device.log.Debug("inbound ball may skip the device, forwarding eject", "target", req.Target.Name())
	h.setState(StateBallLeft)
	h.postEjecting(req, 1)
	incoming, cleanup := h.addIncomingToTarget(req)
	defer cleanup()

	timeout := req.EjectTimeout + req.BallMissingTimeout
	select {
	case <-incoming.ConfirmDone():
		// The skipping ball reached our target; both expectations are
		// resolved by the one ball.
		h.device.removeIncomingBall(ball)
		ball.Confirm()
		h.postSuccess(req)
		return true
	case <-time.After(timeout):
		req.Target.RemoveIncomingBall(incoming)
		return false
	case <-ctx.Done():
		return true
	}
}

// prepareEject posts the eject attempt as a queue event, giving other
// subsystems a chance to delay the actuation.
func (h *OutgoingBallsHandler) prepareEject(ctx context.Context, req *OutgoingBall, attempt int) error {
	blockers := h.device.postEjectAttempt(req, attempt)
	return blockers.Wait(ctx)
}

func (h *OutgoingBallsHandler) ejectBall(ctx context.Context, req *OutgoingBall, try int) (ejectResult, error) {
	h.postEjecting(req, try+1)
	tracker, err := h.device.ballCount.StartEject(ctx, false)
	if err != nil {
		return ejectRetry, err
	}

	left, err := h.actuateAndWaitForBallLeft(ctx, req, tracker, try)
	if err != nil {
		tracker.BallReturned()
		return ejectRetry, err
	}
	if !left {
		h.device.log.Info("ball did not leave on eject", "target", req.Target.Name(), "attempt", try+1)
		tracker.BallReturned()
		return ejectRetry, nil
	}

	h.setState(StateBallLeft)
	h.device.log.Debug("ball left", "target", req.Target.Name())
	incoming, cleanup := h.addIncomingToTarget(req)
	defer cleanup()
	res, err := h.handleConfirm(ctx, req, tracker, incoming, try+1)
	return res, err
}

// actuateAndWaitForBallLeft fires the ejector (or waits for the
// player) and reports whether the ball physically departed.
func (h *OutgoingBallsHandler) actuateAndWaitForBallLeft(ctx context.Context, req *OutgoingBall, tracker *EjectTracker, try int) (bool, error) {
	dev := h.device
	playerEvent := dev.cfg.PlayerControlledEjectEvent

	if req.Mechanical && dev.ejector != nil && playerEvent != "" {
		// Plunger-style: the coil only fires once the player asks.
		trigger, cancelWait := dev.bus.WaitFor(playerEvent)
		defer cancelWait()
		select {
		case <-trigger:
			if err := dev.ejector.EjectOneBall(ctx, tracker.IsJammed(), try, dev.ballCount.HandledBalls()); err != nil {
				return false, err
			}
		case <-tracker.BallLeftDone():
			// The player shot the ball manually.
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	} else if !req.Mechanical || dev.ejector != nil {
		if dev.ejector == nil {
			dev.log.Error("eject requested but device has no ejector")
			return false, nil
		}
		if err := dev.ejector.EjectOneBall(ctx, tracker.IsJammed(), try, dev.ballCount.HandledBalls()); err != nil {
			return false, err
		}
	}

	if req.Mechanical && dev.ejector == nil {
		// A purely mechanical exit has no deadline; the ball leaves
		// when the player sends it.
		select {
		case <-tracker.BallLeftDone():
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	select {
	case <-tracker.BallLeftDone():
		return true, nil
	case <-time.After(req.EjectTimeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// addIncomingToTarget registers the expectation at the target and arms
// the external confirm, if the device uses one. The cleanup func
// releases the confirm watcher.
func (h *OutgoingBallsHandler) addIncomingToTarget(req *OutgoingBall) (*IncomingBall, func()) {
	dev := h.device
	incoming := newIncomingBall(dev, req.Target)

	cleanup := func() {}
	switch dev.cfg.ConfirmEjectType {
	case "switch":
		incoming.WillConfirmExternally()
		ch, cancelWait, err := dev.switches.WaitForSwitch(dev.cfg.ConfirmEjectSwitch, true, true)
		if err == nil {
			done := make(chan struct{})
			go func() {
				select {
				case <-ch:
					incoming.ExternalConfirmSeen(req.BallMissingTimeout)
				case <-done:
				}
			}()
			cleanup = func() { cancelWait(); close(done) }
		}
	case "event":
		incoming.WillConfirmExternally()
		ch, cancelWait := dev.bus.WaitFor(dev.cfg.ConfirmEjectEvent)
		done := make(chan struct{})
		go func() {
			select {
			case <-ch:
				incoming.ExternalConfirmSeen(req.BallMissingTimeout)
			case <-done:
			}
		}()
		cleanup = func() { cancelWait(); close(done) }
	}

	if td, ok := req.Target.(*BallDevice); ok && td.cfg.MechanicalEject {
		// The target cannot trap the ball, so it may roll through.
		incoming.SetCanSkip()
	}
	req.Target.AddIncomingBall(incoming)
	return incoming, cleanup
}

// handleConfirm waits for the target to confirm the ball within the
// eject timeout, then escalates to the late-confirm window.
func (h *OutgoingBallsHandler) handleConfirm(ctx context.Context, req *OutgoingBall, tracker *EjectTracker, incoming *IncomingBall, attempt int) (ejectResult, error) {
	select {
	case <-incoming.ConfirmDone():
		h.handleSuccess(req, tracker)
		return ejectDone, nil
	case <-time.After(req.EjectTimeout):
		h.setState(StateFailedConfirm)
		return h.handleLateConfirmOrMissing(ctx, req, tracker, incoming, attempt)
	case <-ctx.Done():
		tracker.BallReturned()
		return ejectRetry, ctx.Err()
	}
}

// handleLateConfirmOrMissing gives the ball one more window to either
// arrive, bounce back, or be declared lost.
func (h *OutgoingBallsHandler) handleLateConfirmOrMissing(ctx context.Context, req *OutgoingBall, tracker *EjectTracker, incoming *IncomingBall, attempt int) (ejectResult, error) {
	dev := h.device
	dev.log.Info("eject not confirmed in time, waiting for late confirm",
		"target", req.Target.Name(), "attempt", attempt)

	timeout := req.BallMissingTimeout

	// A ball on the playfield rarely gets an explicit confirm: if it
	// neither returned nor showed up anywhere else shortly after
	// leaving, it is in play.
	if req.Target.IsPlayfield() && !tracker.BallReturnSeen() && tracker.NumUnknownBalls() == 0 {
		grace := dev.cfg.PlayfieldConfirmGrace.Std()
		select {
		case <-time.After(grace):
			req.Target.ConfirmArrival(incoming)
		case <-incoming.ConfirmDone():
		case <-tracker.BallReturnDone():
		case <-tracker.UnknownBallsWait():
		case <-ctx.Done():
			tracker.BallReturned()
			return ejectRetry, ctx.Err()
		}
	}

	select {
	case <-incoming.ConfirmDone():
		h.handleSuccess(req, tracker)
		return ejectDone, nil
	case <-tracker.BallReturnDone():
		dev.log.Info("ball returned into the device", "target", req.Target.Name())
		req.Target.RemoveIncomingBall(incoming)
		tracker.BallReturned()
		return ejectRetry, nil
	case <-tracker.UnknownBallsWait():
		dev.log.Info("unknown ball appeared, assuming the ejected ball returned", "target", req.Target.Name())
		req.Target.RemoveIncomingBall(incoming)
		tracker.BallReturned()
		return ejectRetry, nil
	case <-time.After(timeout):
		dev.log.Warn("ejected ball never arrived anywhere", "target", req.Target.Name())
		req.Target.RemoveIncomingBall(incoming)
		tracker.BallLost()
		dev.lostEjectedBall(ctx, req.Target)
		dev.postBallLost(req.Target)
		return ejectDone, nil
	case <-ctx.Done():
		tracker.BallReturned()
		return ejectRetry, ctx.Err()
	}
}

func (h *OutgoingBallsHandler) handleSuccess(req *OutgoingBall, tracker *EjectTracker) {
	h.device.log.Debug("eject confirmed", "target", req.Target.Name())
	tracker.EjectSuccess()
	h.postSuccess(req)
}

// CancelPathIfTargetIs checks whether the ball currently underway is
// bound for target (directly or via the chain) and cancels the pending
// request if so. Only requests still waiting for their ball can be
// cancelled.
func (h *OutgoingBallsHandler) CancelPathIfTargetIs(start, target Target) bool {
	h.mu.Lock()
	cancel := h.cancelSig
	current := h.currentTarget
	h.mu.Unlock()

	if cancel == nil || cancel.IsSet() || current == nil {
		return false
	}
	if current == target {
		target.AddAvailableBalls(-1)
		cancel.Set()
		return true
	}
	if !current.IsPlayfield() && current != start && current.CancelPathIfTargetIs(start, target) {
		cancel.Set()
		return true
	}
	return false
}

// FindAvailableBallInPath walks the chain ahead looking for a device
// that still has a ball to give.
func (h *OutgoingBallsHandler) FindAvailableBallInPath(start Target) bool {
	if h.device.AvailableBalls() > 0 && Target(h.device) != start {
		return true
	}
	h.mu.Lock()
	current := h.currentTarget
	h.mu.Unlock()
	if current != nil && !current.IsPlayfield() && current != start {
		return current.FindAvailableBallInPath(start)
	}
	return false
}

// Event helpers.

func (h *OutgoingBallsHandler) postEjecting(req *OutgoingBall, attempt int) {
	dev := h.device
	dev.bus.Post(deviceEvent(dev.name, suffixEjecting), EjectingBallEvent{
		Balls:       1,
		Source:      dev.name,
		Target:      req.Target.Name(),
		Mechanical:  req.Mechanical,
		NumAttempts: attempt,
	})
}

func (h *OutgoingBallsHandler) postSuccess(req *OutgoingBall) {
	dev := h.device
	dev.bus.Post(deviceEvent(dev.name, suffixEjectSuccess), EjectSuccessEvent{
		Balls:  1,
		Source: dev.name,
		Target: req.Target.Name(),
	})
}

func (h *OutgoingBallsHandler) postFailed(req *OutgoingBall, attempts int) {
	dev := h.device
	dev.bus.Post(deviceEvent(dev.name, suffixEjectFailed), EjectFailedEvent{
		Balls:       1,
		Source:      dev.name,
		Target:      req.Target.Name(),
		Retries:     req.MaxTries,
		NumAttempts: attempts,
	})
}

func (h *OutgoingBallsHandler) postBroken(req *OutgoingBall, attempts int) {
	dev := h.device
	dev.bus.Post(deviceEvent(dev.name, suffixEjectBroken), EjectBrokenEvent{
		Source:   dev.name,
		Target:   req.Target.Name(),
		Attempts: attempts,
	})
}
