// Package update detects a newly installed worker version waiting to take
// over and performs the hand-off on request.
package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
	"github.com/l0p7/linkshelf/internal/offline"
	"github.com/l0p7/linkshelf/internal/persist"
)

// ErrNotRegistered is reported when no worker registration exists yet.
var ErrNotRegistered = errors.New("worker not registered")

// AutoCheckKey is the persisted preference enabling a check at startup.
const AutoCheckKey = "autoCheckUpdate"

const (
	defaultCheckTimeout = 2 * time.Second
	defaultErrorDismiss = 3 * time.Second
)

// Outcomes recorded for update checks.
const (
	OutcomeUnregistered = "unregistered"
	OutcomeError        = "error"
	OutcomeStarted      = "started"
	OutcomeFound        = "found"
	OutcomeApplied      = "applied"
)

// Registration is the part of the worker registration the detector drives.
type Registration interface {
	Update(ctx context.Context) error
	Subscribe(fn func(offline.Event)) func()
	Active() *offline.Worker
	Waiting() *offline.Worker
}

// Registrar returns the current registration, if any.
type Registrar func() (Registration, bool)

// Reloader reloads every open window after a hand-off.
type Reloader interface {
	Reload()
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func()

func (f ReloaderFunc) Reload() { f() }

// State is what the UI displays. It is never persisted.
type State struct {
	HasUpdate  bool   `json:"hasUpdate"`
	IsChecking bool   `json:"isChecking"`
	Error      string `json:"error,omitempty"`
}

// Options wire a Detector.
type Options struct {
	Registrar Registrar
	Reloader  Reloader
	// Store holds the auto-check preference. Nil keeps it in memory only.
	Store *persist.Store
	// CheckTimeout bounds how long a check reports IsChecking.
	CheckTimeout time.Duration
	// ErrorDismiss clears the state this long after it shows an error or a
	// check in progress. Negative disables it.
	ErrorDismiss time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Detector owns the single process-wide update state.
type Detector struct {
	registrar    Registrar
	reloader     Reloader
	checkTimeout time.Duration
	errorDismiss time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	autoMu    sync.Mutex
	autoCheck *persist.Slot[bool]
	autoMem   bool

	mu           sync.Mutex
	state        State
	stateGen     uint64
	checkGen     uint64
	checkTimer   *time.Timer
	dismissTimer *time.Timer
	armed        Registration
	unsubscribe  func()
	watching     map[string]struct{}
	applying     bool
	closed       bool
}

// NewDetector opens the auto-check preference and returns an idle detector.
func NewDetector(ctx context.Context, opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	errorDismiss := opts.ErrorDismiss
	if errorDismiss == 0 {
		errorDismiss = defaultErrorDismiss
	}
	registrar := opts.Registrar
	if registrar == nil {
		registrar = func() (Registration, bool) { return nil, false }
	}
	d := &Detector{
		registrar:    registrar,
		reloader:     opts.Reloader,
		checkTimeout: checkTimeout,
		errorDismiss: errorDismiss,
		logger:       logger.With(slog.String("agent", "update")),
		metrics:      opts.Metrics,
		watching:     make(map[string]struct{}),
	}
	if opts.Store != nil {
		d.autoCheck = persist.Open(ctx, opts.Store, AutoCheckKey, false)
	}
	return d
}

// State returns a snapshot.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AutoCheckUpdate reports the persisted preference.
func (d *Detector) AutoCheckUpdate() bool {
	d.autoMu.Lock()
	defer d.autoMu.Unlock()
	if d.autoCheck != nil {
		return d.autoCheck.Get()
	}
	return d.autoMem
}

// ToggleAutoCheckUpdate stores the preference through the debounced store.
func (d *Detector) ToggleAutoCheckUpdate(enabled bool) {
	d.autoMu.Lock()
	defer d.autoMu.Unlock()
	if d.autoCheck != nil {
		d.autoCheck.Set(enabled)
		return
	}
	d.autoMem = enabled
}

// Start runs one check when the auto-check preference is enabled.
func (d *Detector) Start(ctx context.Context) State {
	if !d.AutoCheckUpdate() {
		return d.State()
	}
	d.logger.InfoContext(ctx, "auto-checking for update")
	return d.CheckForUpdate(ctx)
}

// CheckForUpdate asks the registration to look for a new release. The
// returned state is the one right after the request; a found update may
// arrive later through the armed subscription.
func (d *Detector) CheckForUpdate(ctx context.Context) State {
	d.mu.Lock()
	next := d.state
	next.IsChecking = true
	next.Error = ""
	d.setStateLocked(next)
	d.mu.Unlock()

	reg, ok := d.registrar()
	if !ok || reg == nil {
		d.logger.WarnContext(ctx, "update check without registration")
		d.metrics.ObserveUpdateCheck(OutcomeUnregistered)
		return d.fail(ErrNotRegistered.Error())
	}
	d.arm(reg)

	if err := reg.Update(ctx); err != nil {
		d.logger.ErrorContext(ctx, "update check failed", slog.Any("error", err))
		d.metrics.ObserveUpdateCheck(OutcomeError)
		return d.fail(err.Error())
	}
	d.metrics.ObserveUpdateCheck(OutcomeStarted)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkGen++
	gen := d.checkGen
	if d.checkTimer != nil {
		d.checkTimer.Stop()
	}
	if d.state.IsChecking {
		d.checkTimer = time.AfterFunc(d.checkTimeout, func() { d.endCheck(gen) })
	}
	return d.state
}

// ApplyUpdate tells the waiting worker to skip waiting. Windows reload once
// the new worker takes control. It reports false when nothing is waiting.
func (d *Detector) ApplyUpdate(ctx context.Context) bool {
	reg, ok := d.registrar()
	if !ok || reg == nil {
		return false
	}
	waiting := reg.Waiting()
	if waiting == nil {
		d.logger.DebugContext(ctx, "apply requested with nothing waiting")
		return false
	}
	d.arm(reg)

	d.mu.Lock()
	d.applying = true
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "applying update", slog.String("version", waiting.Version()))
	waiting.PostMessage(ctx, offline.Message{Type: offline.MessageSkipWaiting})
	return true
}

// DismissUpdate hides the banner. A waiting worker stays waiting.
func (d *Detector) DismissUpdate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setStateLocked(State{})
}

// Close stops timers and drops the registration subscription.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	if d.checkTimer != nil {
		d.checkTimer.Stop()
	}
	if d.dismissTimer != nil {
		d.dismissTimer.Stop()
	}
	unsubscribe := d.unsubscribe
	d.unsubscribe = nil
	d.armed = nil
	d.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// arm subscribes to reg once. The subscription outlives individual checks.
func (d *Detector) arm(reg Registration) {
	d.mu.Lock()
	if d.armed == reg || d.closed {
		d.mu.Unlock()
		return
	}
	previous := d.unsubscribe
	d.armed = reg
	d.watching = make(map[string]struct{})
	d.mu.Unlock()

	if previous != nil {
		previous()
	}
	unsubscribe := reg.Subscribe(func(ev offline.Event) { d.handle(reg, ev) })

	d.mu.Lock()
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
}

func (d *Detector) handle(reg Registration, ev offline.Event) {
	switch ev.Type {
	case offline.EventUpdateFound:
		d.mu.Lock()
		d.watching[ev.WorkerID] = struct{}{}
		d.mu.Unlock()

	case offline.EventStateChange:
		if ev.State != offline.StateInstalled {
			return
		}
		active := reg.Active()
		if active == nil || active.ID() == ev.WorkerID {
			return
		}
		d.mu.Lock()
		_, watched := d.watching[ev.WorkerID]
		delete(d.watching, ev.WorkerID)
		if watched {
			d.setStateLocked(State{HasUpdate: true})
		}
		d.mu.Unlock()
		if watched {
			d.logger.Info("update available", slog.String("version", ev.Version))
			d.metrics.ObserveUpdateCheck(OutcomeFound)
		}

	case offline.EventControllerChange:
		nothingWaiting := reg.Waiting() == nil
		d.mu.Lock()
		applying := d.applying
		d.applying = false
		switch {
		case applying:
			d.setStateLocked(State{})
		case d.state.HasUpdate && nothingWaiting:
			// The new worker took over on its own; there is nothing left to apply.
			next := d.state
			next.HasUpdate = false
			d.setStateLocked(next)
		}
		d.mu.Unlock()
		if !applying {
			return
		}
		d.logger.Info("controller changed, reloading", slog.String("version", ev.Version))
		d.metrics.ObserveUpdateCheck(OutcomeApplied)
		if d.reloader != nil {
			d.reloader.Reload()
		}
	}
}

func (d *Detector) fail(message string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setStateLocked(State{Error: message})
	return d.state
}

func (d *Detector) endCheck(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.checkGen || !d.state.IsChecking {
		return
	}
	next := d.state
	next.IsChecking = false
	d.setStateLocked(next)
}

// setStateLocked replaces the state and re-arms the auto-dismiss timer,
// which only runs while a check is in progress or an error is shown.
func (d *Detector) setStateLocked(next State) {
	d.state = next
	d.stateGen++
	if d.dismissTimer != nil {
		d.dismissTimer.Stop()
		d.dismissTimer = nil
	}
	if d.closed || d.errorDismiss < 0 || (!next.IsChecking && next.Error == "") {
		return
	}
	gen := d.stateGen
	d.dismissTimer = time.AfterFunc(d.errorDismiss, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen != d.stateGen {
			return
		}
		d.state = State{}
		d.stateGen++
		d.dismissTimer = nil
	})
}
