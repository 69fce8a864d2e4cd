package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
	"go.opentelemetry.io/otel/trace"
)

// ReleaseSource reports the release currently deployed at the origin.
type ReleaseSource interface {
	Current(ctx context.Context) (Release, error)
}

// ReleaseSourceFunc adapts a function to ReleaseSource.
type ReleaseSourceFunc func(ctx context.Context) (Release, error)

func (f ReleaseSourceFunc) Current(ctx context.Context) (Release, error) { return f(ctx) }

// EventType names a registration event.
type EventType string

const (
	EventUpdateFound      EventType = "updatefound"
	EventStateChange      EventType = "statechange"
	EventControllerChange EventType = "controllerchange"
)

// Event is delivered to registration subscribers.
type Event struct {
	Type     EventType
	WorkerID string
	Version  string
	State    State
}

// RegistrationOptions wires a Registration.
type RegistrationOptions struct {
	Source      ReleaseSource
	Storage     CacheStorage
	Fetcher     Fetcher
	CachePrefix string
	// Classifier builds the classifier for a release. Nil uses the default
	// heuristic over the release's precache list.
	Classifier     func(Release) (Classifier, error)
	OfflineBody    func(r *http.Request) []byte
	RefreshTimeout time.Duration
	Clients        *Clients
	Notifier       Notifier
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Tracer         trace.Tracer
}

// Registration owns the installing, waiting and active workers.
type Registration struct {
	opts   RegistrationOptions
	logger *slog.Logger

	updateMu sync.Mutex

	mu          sync.Mutex
	installing  *Worker
	waiting     *Worker
	active      *Worker
	subscribers map[int]func(Event)
	nextSubID   int
}

// NewRegistration builds an empty registration. Call Update to install the
// first worker.
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Source == nil {
		return nil, errors.New("offline: release source required")
	}
	if opts.Storage == nil {
		return nil, errors.New("offline: cache storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("offline: fetcher required")
	}
	if opts.CachePrefix == "" {
		opts.CachePrefix = "link-manager"
	}
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewInbox()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	opts.Logger = logger
	return &Registration{
		opts:        opts,
		logger:      logger.With(slog.String("agent", "registration")),
		subscribers: make(map[int]func(Event)),
	}, nil
}

// Clients returns the window registry shared by every worker.
func (r *Registration) Clients() *Clients { return r.opts.Clients }

// Notifier returns where workers show notifications.
func (r *Registration) Notifier() Notifier { return r.opts.Notifier }

// Installing returns the worker currently installing, if any.
func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Waiting returns the installed worker waiting to activate, if any.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Active returns the controlling worker, if any.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Subscribe registers fn for every event. Handlers run synchronously on the
// goroutine that caused the event and must not block.
func (r *Registration) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// Update asks the release source for the deployed release. A version no
// worker already has spawns a new worker which installs, then waits while
// an active worker still controls windows or activates straight away.
func (r *Registration) Update(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	release, err := r.opts.Source.Current(ctx)
	if err != nil {
		return fmt.Errorf("offline: fetch release: %w", err)
	}
	if release.Version == "" {
		return errors.New("offline: release has no version")
	}

	r.mu.Lock()
	for _, w := range []*Worker{r.installing, r.waiting, r.active} {
		if w != nil && w.Version() == release.Version {
			r.mu.Unlock()
			r.logger.Debug("release unchanged", slog.String("version", release.Version))
			return nil
		}
	}
	r.mu.Unlock()

	w, err := r.newWorker(release)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
	r.logger.Info("update found", slog.String("version", release.Version), slog.String("worker", w.ID()))
	r.emit(Event{Type: EventUpdateFound, WorkerID: w.ID(), Version: w.Version(), State: w.State()})

	if err := w.Install(ctx); err != nil {
		r.mu.Lock()
		if r.installing == w {
			r.installing = nil
		}
		r.mu.Unlock()
		r.logger.Error("install failed", slog.String("version", release.Version), slog.Any("error", err))
		return err
	}

	r.mu.Lock()
	r.installing = nil
	previousWaiting := r.waiting
	r.waiting = w
	active := r.active
	r.mu.Unlock()

	if previousWaiting != nil {
		previousWaiting.markRedundant()
	}
	if active == nil || r.opts.Clients.ControlledBy(active.ID()) == 0 {
		r.activate(ctx, w)
	}
	return nil
}

// SkipWaiting activates the waiting worker. It reports false when nothing
// is waiting.
func (r *Registration) SkipWaiting(ctx context.Context) bool {
	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return false
	}
	r.activate(ctx, w)
	return true
}

func (r *Registration) activate(ctx context.Context, w *Worker) {
	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		return
	}
	r.waiting = nil
	previous := r.active
	r.active = w
	r.mu.Unlock()

	if previous != nil {
		previous.markRedundant()
	}
	w.Activate(ctx)
	r.logger.Info("controller changed", slog.String("version", w.Version()), slog.String("worker", w.ID()))
	r.emit(Event{Type: EventControllerChange, WorkerID: w.ID(), Version: w.Version(), State: w.State()})
}

func (r *Registration) newWorker(release Release) (*Worker, error) {
	gens := Generations{Prefix: r.opts.CachePrefix, Version: release.Version}

	var classifier Classifier = NewDefaultClassifier(release.Precache)
	if r.opts.Classifier != nil {
		built, err := r.opts.Classifier(release)
		if err != nil {
			return nil, fmt.Errorf("offline: build classifier: %w", err)
		}
		classifier = built
	}

	id := newWorkerID()
	logger := r.opts.Logger.With(slog.String("worker", id))
	engine := NewEngine(EngineOptions{
		Storage:        r.opts.Storage,
		Generations:    gens,
		Fetcher:        r.opts.Fetcher,
		Classifier:     classifier,
		OfflinePath:    release.OfflinePath,
		OfflineBody:    r.opts.OfflineBody,
		RefreshTimeout: r.opts.RefreshTimeout,
		Logger:         logger,
		Metrics:        r.opts.Metrics,
		Tracer:         r.opts.Tracer,
	})
	w := &Worker{
		id:       id,
		release:  release,
		engine:   engine,
		storage:  r.opts.Storage,
		fetcher:  r.opts.Fetcher,
		clients:  r.opts.Clients,
		notifier: r.opts.Notifier,
		logger:   logger.With(slog.String("agent", "worker"), slog.String("version", release.Version)),
		state:    StateParsed,
	}
	w.onState = func(w *Worker, state State) {
		r.emit(Event{Type: EventStateChange, WorkerID: w.ID(), Version: w.Version(), State: state})
	}
	w.onSkip = func(ctx context.Context, w *Worker) {
		r.mu.Lock()
		waiting := r.waiting == w
		r.mu.Unlock()
		if waiting {
			r.activate(ctx, w)
		}
	}
	return w, nil
}

func (r *Registration) emit(ev Event) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	subs := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, r.subscribers[id])
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
