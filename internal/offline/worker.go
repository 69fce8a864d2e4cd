package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/linkshelf/internal/metrics"
)

// ErrInstallFailed wraps any failure that aborts installation.
var ErrInstallFailed = errors.New("offline: install failed")

// State is a worker lifecycle phase.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Release describes one deployable version of the application shell.
type Release struct {
	Version     string
	Precache    []string
	OfflinePath string
}

// MessageSkipWaiting asks a waiting worker to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// SyncDataTag is the background sync tag the worker recognises.
const SyncDataTag = "sync-data"

// Message is posted to a worker by a client.
type Message struct {
	Type string `json:"type"`
}

// Worker is one installed version of the offline worker.
type Worker struct {
	id       string
	release  Release
	engine   *Engine
	storage  CacheStorage
	fetcher  Fetcher
	clients  *Clients
	notifier Notifier
	logger   *slog.Logger

	onState func(*Worker, State)
	onSkip  func(context.Context, *Worker)

	mu    sync.Mutex
	state State
}

// ID identifies the worker instance.
func (w *Worker) ID() string { return w.id }

// Version returns the release version the worker serves.
func (w *Worker) Version() string { return w.release.Version }

// Release returns the release the worker was built from.
func (w *Worker) Release() Release { return w.release }

// Engine returns the strategy engine bound to this worker's generations.
func (w *Worker) Engine() *Engine { return w.engine }

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}
	w.state = state
	w.mu.Unlock()

	w.logger.Info("worker state changed", slog.String("state", state.String()))
	if w.onState != nil {
		w.onState(w, state)
	}
}

// Install fetches every precache path and stores them in the static
// generation, plus the offline document in the offline generation. Nothing
// is stored unless every fetch succeeds.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	gens := w.engine.Generations()
	offlinePath := w.release.OfflinePath
	if offlinePath == "" {
		offlinePath = "/"
	}

	fetched := make(map[string]*Response, len(w.release.Precache)+1)
	paths := append(append([]string(nil), w.release.Precache...), offlinePath)
	for _, p := range paths {
		if _, ok := fetched[p]; ok {
			continue
		}
		resp, err := w.fetchPath(ctx, p)
		if err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, p, err)
		}
		fetched[p] = resp
	}

	static, err := w.storage.Open(ctx, gens.Name(PurposeStatic))
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: open static cache: %v", ErrInstallFailed, err)
	}
	for _, p := range w.release.Precache {
		if err := static.Put(ctx, KeyFor(http.MethodGet, p, ""), fetched[p].Clone()); err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, p, err)
		}
	}
	offline, err := w.storage.Open(ctx, gens.Name(PurposeOffline))
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: open offline cache: %v", ErrInstallFailed, err)
	}
	if err := offline.Put(ctx, KeyFor(http.MethodGet, offlinePath, ""), fetched[offlinePath].Clone()); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: store offline document: %v", ErrInstallFailed, err)
	}

	w.logger.Info("precached shell", slog.Int("resources", len(fetched)))
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) fetchPath(ctx context.Context, p string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}

// Activate deletes every cache generation that is not current for this
// worker, then claims all open windows.
func (w *Worker) Activate(ctx context.Context) {
	w.setState(StateActivating)

	gens := w.engine.Generations()
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.Error("list caches failed", slog.Any("error", err))
	}
	for _, name := range gens.Stale(names) {
		start := time.Now()
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.Error("delete stale cache failed", slog.String("cache", name), slog.Any("error", err))
			w.engine.metrics.ObserveCache(name, metrics.CacheOperationDelete, metrics.CacheError, time.Since(start))
			continue
		}
		w.engine.metrics.ObserveCache(name, metrics.CacheOperationDelete, metrics.CacheDeleted, time.Since(start))
		w.logger.Info("deleted stale cache", slog.String("cache", name))
	}

	claimed := w.clients.Claim(w.id)
	w.logger.Info("claimed clients", slog.Int("clients", claimed))
	w.setState(StateActivated)
}

// PostMessage delivers a client message. SKIP_WAITING on a waiting worker
// activates it.
func (w *Worker) PostMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		if w.State() != StateInstalled {
			w.logger.Debug("skip waiting ignored", slog.String("state", w.State().String()))
			return
		}
		if w.onSkip != nil {
			w.onSkip(ctx, w)
		}
	default:
		w.logger.Debug("unhandled message", slog.String("type", msg.Type))
	}
}

// Push shows a notification for a push payload.
func (w *Worker) Push(ctx context.Context, payload []byte) (Notification, error) {
	p, err := ParsePush(payload)
	if err != nil {
		w.logger.Error("push handling failed", slog.Any("error", err))
		return Notification{}, err
	}
	n := Notification{
		ID:      uuid.NewString(),
		Title:   p.Title,
		Body:    p.Body,
		Icon:    notificationIcon,
		Badge:   notificationIcon,
		URL:     p.URL,
		Vibrate: []int{100, 50, 100},
	}
	if err := w.notifier.Show(ctx, n); err != nil {
		w.logger.Error("show notification failed", slog.Any("error", err))
		return Notification{}, err
	}
	return n, nil
}

// NotificationClick focuses a window already showing url or opens one.
func (w *Worker) NotificationClick(_ context.Context, url string) Client {
	if url == "" {
		url = "/"
	}
	for _, client := range w.clients.MatchAll() {
		if client.URL == url {
			if focused, err := w.clients.Focus(client.ID); err == nil {
				return focused
			}
		}
	}
	return w.clients.OpenWindow(url, w.id)
}

// Sync handles a background sync event.
func (w *Worker) Sync(_ context.Context, tag string) bool {
	if tag != SyncDataTag {
		w.logger.Debug("ignoring sync tag", slog.String("tag", tag))
		return false
	}
	w.logger.Info("background sync triggered", slog.String("tag", tag))
	return true
}

// markRedundant retires the engine before reporting the state, so by the
// time a successor deletes this worker's generations nothing can write
// them again.
func (w *Worker) markRedundant() {
	w.engine.Retire()
	w.setState(StateRedundant)
}

func newWorkerID() string {
	return uuid.NewString()
}
