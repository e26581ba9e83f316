package platform

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SwitchController tracks the debounced state of every switch and
// lets callers ask "has this switch held its state for at least d",
// register edge handlers with hold delays, and block until a switch
// reaches a state.
//
// Hardware platforms call ProcessSwitch with already-debounced
// transitions; everything here is about time-in-state, not contact
// bounce.
type SwitchController struct {
	mu       sync.Mutex
	switches map[string]*switchState
	nextID   int
	log      *slog.Logger
}

type switchState struct {
	name      string
	active    bool
	changedAt time.Time
	handlers  map[int]*switchHandler
	waiters   []*switchWaiter
}

// switchHandler fires once the switch has been in wantState for
// holdFor continuously, and again after every later qualifying edge.
type switchHandler struct {
	id        int
	wantState bool
	holdFor   time.Duration
	fn        func()
	timer     *time.Timer
}

type switchWaiter struct {
	wantState bool
	ch        chan struct{}
	done      bool
}

// NewSwitchController returns a controller with no switches
// registered.
func NewSwitchController(log *slog.Logger) *SwitchController {
	if log == nil {
		log = slog.Default()
	}
	return &SwitchController{
		switches: make(map[string]*switchState),
		log:      log,
	}
}

// RegisterSwitch adds a switch in the given initial state. The
// initial state counts as held since registration.
func (c *SwitchController) RegisterSwitch(name string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.switches[name]; ok {
		return
	}
	c.switches[name] = &switchState{
		name:      name,
		active:    active,
		changedAt: time.Now(),
		handlers:  make(map[int]*switchHandler),
	}
}

// HasSwitch reports whether name is a registered switch.
func (c *SwitchController) HasSwitch(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.switches[name]
	return ok
}

// ProcessSwitch applies a state change. A call that repeats the
// current state is ignored.
func (c *SwitchController) ProcessSwitch(name string, active bool) error {
	c.mu.Lock()
	sw, ok := c.switches[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown switch %q", name)
	}
	if sw.active == active {
		c.mu.Unlock()
		return nil
	}
	sw.active = active
	sw.changedAt = time.Now()
	c.log.Debug("switch changed", "switch", name, "active", active)

	// Restart hold timers: handlers for the new state start their
	// hold window now, handlers for the old state are no longer
	// eligible.
	var fire []func()
	for _, h := range sw.handlers {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		if h.wantState == active {
			if h.holdFor <= 0 {
				fire = append(fire, h.fn)
			} else {
				c.armHandlerLocked(sw, h)
			}
		}
	}

	// Wake waiters for the new state.
	remaining := sw.waiters[:0]
	for _, w := range sw.waiters {
		if w.wantState == active && !w.done {
			w.done = true
			close(w.ch)
		} else if !w.done {
			remaining = append(remaining, w)
		}
	}
	sw.waiters = remaining
	c.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return nil
}

// armHandlerLocked schedules h to fire after its hold window, unless
// the switch changes again first.
func (c *SwitchController) armHandlerLocked(sw *switchState, h *switchHandler) {
	changedAt := sw.changedAt
	h.timer = time.AfterFunc(h.holdFor, func() {
		c.mu.Lock()
		still := sw.active == h.wantState && sw.changedAt.Equal(changedAt)
		_, registered := sw.handlers[h.id]
		c.mu.Unlock()
		if still && registered {
			h.fn()
		}
	})
}

// IsActive reports whether the switch is active and has been so for
// at least heldFor.
func (c *SwitchController) IsActive(name string, heldFor time.Duration) bool {
	return c.inState(name, true, heldFor)
}

// IsInactive reports whether the switch is inactive and has been so
// for at least heldFor.
func (c *SwitchController) IsInactive(name string, heldFor time.Duration) bool {
	return c.inState(name, false, heldFor)
}

func (c *SwitchController) inState(name string, active bool, heldFor time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw, ok := c.switches[name]
	if !ok {
		return false
	}
	if sw.active != active {
		return false
	}
	return time.Since(sw.changedAt) >= heldFor
}

// AddHandler registers fn to run whenever the switch has been in
// state for holdFor continuously. With holdFor zero it runs on every
// edge into state. If the switch is already in state the hold window
// counts from the last change. Returns a function that removes the
// handler.
func (c *SwitchController) AddHandler(name string, state bool, holdFor time.Duration, fn func()) (cancel func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw, ok := c.switches[name]
	if !ok {
		return nil, fmt.Errorf("unknown switch %q", name)
	}
	c.nextID++
	h := &switchHandler{id: c.nextID, wantState: state, holdFor: holdFor, fn: fn}
	sw.handlers[h.id] = h

	if sw.active == state && holdFor > 0 {
		held := time.Since(sw.changedAt)
		if held >= holdFor {
			// already satisfied, fire asynchronously
			go fn()
		} else {
			remaining := h.holdFor - held
			changedAt := sw.changedAt
			h.timer = time.AfterFunc(remaining, func() {
				c.mu.Lock()
				still := sw.active == h.wantState && sw.changedAt.Equal(changedAt)
				_, registered := sw.handlers[h.id]
				c.mu.Unlock()
				if still && registered {
					h.fn()
				}
			})
		}
	}

	id := h.id
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if h, ok := sw.handlers[id]; ok {
			if h.timer != nil {
				h.timer.Stop()
			}
			delete(sw.handlers, id)
		}
	}, nil
}

// WaitForSwitch returns a channel that is closed the next time the
// switch transitions into state. If onlyOnChange is false and the
// switch is already in state, the channel is closed immediately.
// The cancel function releases the waiter if the caller stops
// waiting.
func (c *SwitchController) WaitForSwitch(name string, state bool, onlyOnChange bool) (<-chan struct{}, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw, ok := c.switches[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown switch %q", name)
	}
	ch := make(chan struct{})
	if !onlyOnChange && sw.active == state {
		close(ch)
		return ch, func() {}, nil
	}
	w := &switchWaiter{wantState: state, ch: ch}
	sw.waiters = append(sw.waiters, w)
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !w.done {
			w.done = true
		}
	}, nil
}
