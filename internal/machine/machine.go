// Package machine assembles a running machine from its configuration:
// the platform switches and coils, the playfields, the ball devices
// and the graph between them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/device"
	"github.com/openpin/openpin/internal/events"
	"github.com/openpin/openpin/internal/persist"
	"github.com/openpin/openpin/internal/platform"
)

// Machine is one assembled pinball machine.
type Machine struct {
	cfg *config.Machine
	log *slog.Logger
	bus *events.Bus
	pf  platform.Platform

	devices    map[string]*device.BallDevice
	playfields map[string]*device.Playfield
	defaultPF  *device.Playfield

	store *persist.Store
	lock  *flock.Flock
	feed  *platform.Feed

	cancel context.CancelFunc
	unsubs []func()
}

// Options tunes machine assembly.
type Options struct {
	// Persist enables the on-disk state database and event journal.
	Persist bool

	// LockFile enables the exclusive process lock in the data dir.
	LockFile bool
}

// New builds the machine graph. It validates the graph and fails on
// any configuration problem; a machine that assembles will run.
func New(cfg *config.Machine, pf platform.Platform, bus *events.Bus, log *slog.Logger, opts Options) (*Machine, error) {
	if bus == nil {
		bus = events.NewBus()
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		cfg:        cfg,
		log:        log.With("machine", cfg.Name),
		bus:        bus,
		pf:         pf,
		devices:    make(map[string]*device.BallDevice),
		playfields: make(map[string]*device.Playfield),
	}

	for name := range cfg.Switches {
		pf.Switches().RegisterSwitch(name, false)
	}

	for _, name := range sortedKeys(cfg.Playfields) {
		p, err := device.NewPlayfield(name, cfg.Playfields[name], bus, pf.Switches(), log)
		if err != nil {
			return nil, err
		}
		m.playfields[name] = p
	}
	m.defaultPF = m.playfields[cfg.DefaultPlayfield()]

	for _, name := range sortedKeys(cfg.BallDevices) {
		d, err := device.New(name, cfg.BallDevices[name], cfg, bus, pf, log)
		if err != nil {
			return nil, err
		}
		m.devices[name] = d
	}

	if err := m.wireGraph(); err != nil {
		return nil, err
	}
	if err := m.validateGraph(); err != nil {
		return nil, err
	}
	m.wireCaptureSources()

	if opts.Persist || opts.LockFile {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		if opts.LockFile {
			m.lock = flock.New(filepath.Join(dataDir, "machine.lock"))
		}
		if opts.Persist {
			store, err := persist.Open(context.Background(), filepath.Join(dataDir, "machine.db"))
			if err != nil {
				return nil, err
			}
			m.store = store
			m.wireJournal()
		}
	}
	return m, nil
}

// wireGraph resolves target names to devices and playfields and
// records the source adjacency.
func (m *Machine) wireGraph() error {
	pfName := m.cfg.DefaultPlayfield()

	for name, d := range m.devices {
		cfg := m.cfg.BallDevices[name]

		targets := make([]device.Target, 0, len(cfg.EjectTargets))
		for _, tname := range cfg.EjectTargets {
			t, err := m.lookupTarget(tname)
			if err != nil {
				return &config.ConfigError{Device: name, Reason: err.Error()}
			}
			targets = append(targets, t)
		}

		capturesFrom := cfg.CapturesFrom
		if capturesFrom == "" {
			capturesFrom = pfName
		}
		onUnexpectedName := cfg.TargetOnUnexpectedBall
		if onUnexpectedName == "" {
			onUnexpectedName = capturesFrom
		}
		onUnexpected, err := m.lookupTarget(onUnexpectedName)
		if err != nil {
			return &config.ConfigError{Device: name, Reason: err.Error()}
		}
		missingName := cfg.BallMissingTarget
		if missingName == "" {
			missingName = capturesFrom
		}
		ballMissing, err := m.lookupTarget(missingName)
		if err != nil {
			return &config.ConfigError{Device: name, Reason: err.Error()}
		}

		d.ResolveTargets(targets, onUnexpected, ballMissing, capturesFrom)
	}

	// Source adjacency: a device that ejects to another is a source of
	// balls for it.
	for _, name := range sortedKeys(m.devices) {
		d := m.devices[name]
		for _, tname := range m.cfg.BallDevices[name].EjectTargets {
			if td, ok := m.devices[tname]; ok {
				td.AddSourceDevice(d)
			}
		}
	}
	return nil
}

// validateGraph performs the checks that need resolved references:
// every drain reaches a trough, everything else reaches its
// unexpected-ball target.
func (m *Machine) validateGraph() error {
	pfName := m.cfg.DefaultPlayfield()
	for name, d := range m.devices {
		cfg := m.cfg.BallDevices[name]
		if cfg.HasTag("trough") {
			continue
		}
		if cfg.HasTag("drain") {
			if d.FindNextTrough() == nil {
				return &config.ConfigError{Device: name, Reason: "drain has no path to a trough"}
			}
			continue
		}
		onUnexpectedName := cfg.TargetOnUnexpectedBall
		if onUnexpectedName == "" {
			onUnexpectedName = cfg.CapturesFrom
		}
		if onUnexpectedName == "" {
			onUnexpectedName = pfName
		}
		target, err := m.lookupTarget(onUnexpectedName)
		if err != nil {
			return &config.ConfigError{Device: name, Reason: err.Error()}
		}
		if d.FindPathToTarget(target) == nil {
			return &config.ConfigError{
				Device: name,
				Reason: fmt.Sprintf("no path to target_on_unexpected_ball %q", onUnexpectedName),
			}
		}
	}
	return nil
}

// wireCaptureSources decrements a playfield's ball count whenever a
// device captures a ball from it.
func (m *Machine) wireCaptureSources() {
	for name, p := range m.playfields {
		pf := p
		unsub := m.bus.Subscribe("balldevice_captured_from_"+name, func(string, events.Event) bool {
			pf.BallRemoved()
			return true
		})
		m.unsubs = append(m.unsubs, unsub)
	}
}

// wireJournal mirrors the interesting transport events into the
// persistent journal.
func (m *Machine) wireJournal() {
	record := func(dev, event string, balls int, target string) {
		if err := m.store.RecordBallEvent(context.Background(), persist.BallEvent{
			Device: dev,
			Event:  event,
			Balls:  balls,
			Target: target,
		}); err != nil {
			m.log.Warn("journal write failed", "error", err)
		}
	}

	for name := range m.devices {
		dev := name
		subs := map[string]func(events.Event){
			"balldevice_" + name + "_ball_eject_success": func(ev events.Event) {
				if e, ok := ev.(device.EjectSuccessEvent); ok {
					record(dev, "eject_success", e.Balls, e.Target)
				}
			},
			"balldevice_" + name + "_eject_broken": func(ev events.Event) {
				if e, ok := ev.(device.EjectBrokenEvent); ok {
					record(dev, "eject_broken", 0, e.Target)
				}
			},
			"balldevice_" + name + "_ball_missing": func(ev events.Event) {
				if e, ok := ev.(device.BallMissingEvent); ok {
					record(dev, "ball_missing", e.Balls, "")
				}
			},
			"balldevice_" + name + "_unexpected_ball": func(ev events.Event) {
				record(dev, "unexpected_ball", 1, "")
			},
		}
		for event, fn := range subs {
			handler := fn
			unsub := m.bus.Subscribe(event, func(_ string, ev events.Event) bool {
				handler(ev)
				return true
			})
			m.unsubs = append(m.unsubs, unsub)
		}
	}
}

func (m *Machine) lookupTarget(name string) (device.Target, error) {
	if d, ok := m.devices[name]; ok {
		return d, nil
	}
	if p, ok := m.playfields[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown target %q", name)
}

// Start acquires the process lock and starts every playfield and
// device. The machine stops when ctx is cancelled or Stop is called.
func (m *Machine) Start(ctx context.Context) error {
	if m.lock != nil {
		locked, err := m.lock.TryLock()
		if err != nil {
			return fmt.Errorf("machine lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("machine lock: another process holds %s", m.lock.Path())
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.VirtualSwitchFeed != "" {
		if v, ok := m.pf.(*platform.Virtual); ok {
			feed, err := platform.NewFeed(m.cfg.VirtualSwitchFeed, v, m.log)
			if err != nil {
				return err
			}
			m.feed = feed
		}
	}

	for _, name := range sortedKeys(m.playfields) {
		if err := m.playfields[name].Start(ctx); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(m.devices) {
		if err := m.devices[name].Start(ctx); err != nil {
			return err
		}
	}

	if m.store != nil {
		if v, err := m.store.GetVar(ctx, "balls_known"); err == nil {
			if n, convErr := strconv.Atoi(v); convErr == nil && n != m.cfg.BallsInstalled {
				m.log.Warn("last shutdown recorded a ball count that differs from installed",
					"recorded", n, "installed", m.cfg.BallsInstalled)
			}
		} else if !errors.Is(err, persist.ErrNotFound) {
			m.log.Warn("machine variable read failed", "error", err)
		}
	}

	m.log.Info("machine started",
		"devices", len(m.devices),
		"playfields", len(m.playfields),
		"balls_installed", m.cfg.BallsInstalled,
		"balls_known", m.KnownBalls())
	return nil
}

// Stop shuts the machine down and releases its resources.
func (m *Machine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, unsub := range m.unsubs {
		unsub()
	}
	if m.feed != nil {
		m.feed.Close()
	}
	if m.store != nil {
		if err := m.store.SetVar(context.Background(), "balls_known", strconv.Itoa(m.KnownBalls())); err != nil {
			m.log.Warn("machine variable write failed", "error", err)
		}
		m.store.Close()
	}
	if m.lock != nil {
		m.lock.Unlock()
	}
	m.pf.Stop()
	m.log.Info("machine stopped")
}

// Device returns a ball device by name.
func (m *Machine) Device(name string) *BallDeviceHandle {
	d, ok := m.devices[name]
	if !ok {
		return nil
	}
	return &BallDeviceHandle{d}
}

// Playfield returns a playfield by name.
func (m *Machine) Playfield(name string) *device.Playfield {
	return m.playfields[name]
}

// DefaultPlayfield returns the machine's primary playfield.
func (m *Machine) DefaultPlayfield() *device.Playfield {
	return m.defaultPF
}

// Bus returns the machine's event bus.
func (m *Machine) Bus() *events.Bus { return m.bus }

// Store returns the persistence store, or nil when persistence is
// disabled.
func (m *Machine) Store() *persist.Store { return m.store }

// ballSearchPause separates mechanism firings so a freed ball can
// settle somewhere countable before the next device shakes.
const ballSearchPause = 250 * time.Millisecond

// BallSearch walks the devices in name order and fires each eject
// mechanism that might hide an uncounted ball. Returns how many
// mechanisms fired.
func (m *Machine) BallSearch(ctx context.Context) (int, error) {
	m.bus.Post("ball_search_started", nil)
	fired := 0
	for _, name := range sortedKeys(m.devices) {
		ok, err := m.devices[name].BallSearch(ctx)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}
		fired++
		select {
		case <-time.After(ballSearchPause):
		case <-ctx.Done():
			return fired, ctx.Err()
		}
	}
	m.bus.Post("ball_search_finished", nil)
	return fired, nil
}

// KnownBalls counts every ball the machine can account for: balls in
// devices plus balls in play. Ball transfers conserve this number.
func (m *Machine) KnownBalls() int {
	total := 0
	for _, d := range m.devices {
		total += d.CountedBalls()
	}
	for _, p := range m.playfields {
		total += p.Balls()
	}
	return total
}

// BallsInstalled reports the configured physical ball count.
func (m *Machine) BallsInstalled() int { return m.cfg.BallsInstalled }

// BallDeviceHandle exposes a device to machine users.
type BallDeviceHandle struct {
	*device.BallDevice
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
