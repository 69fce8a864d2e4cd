// Package persist keeps typed values in memory and writes them to a
// kv.Backend after a quiet period, skipping writes that would not change
// the stored bytes.
package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
)

// DefaultDebounce is the quiet period used when Options.Debounce is unset.
const DefaultDebounce = 300 * time.Millisecond

const writeTimeout = 5 * time.Second

// Options tune a Store.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Store owns the debounce timers for every slot opened against one backend.
type Store struct {
	backend  kv.Backend
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu     sync.Mutex
	slots  map[string]slot
	closed atomic.Bool
}

type slot interface {
	flush()
	clear()
}

// NewStore wraps backend with debounced, change-detecting writes.
func NewStore(backend kv.Backend, opts Options) *Store {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		backend:  backend,
		debounce: debounce,
		logger:   logger.With(slog.String("agent", "persist")),
		metrics:  opts.Metrics,
		slots:    make(map[string]slot),
	}
}

// Backend exposes the underlying storage for read-only reporting.
func (s *Store) Backend() kv.Backend {
	return s.backend
}

// Flush writes every pending value immediately.
func (s *Store) Flush(ctx context.Context) {
	for _, sl := range s.snapshot() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sl.flush()
	}
}

// Close flushes pending writes. Later Set calls still update memory but are
// never written.
func (s *Store) Close(ctx context.Context) {
	s.Flush(ctx)
	s.closed.Store(true)
}

// RemoveAll resets every open slot to its default and clears the backend.
func (s *Store) RemoveAll(ctx context.Context) error {
	for _, sl := range s.snapshot() {
		sl.clear()
	}
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.Error("clear storage failed", slog.Any("error", err))
		return err
	}
	s.logger.Info("storage cleared")
	return nil
}

func (s *Store) snapshot() []slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.slots))
	for key := range s.slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]slot, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.slots[key])
	}
	return out
}
