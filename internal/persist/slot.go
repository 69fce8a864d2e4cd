package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/linkshelf/internal/metrics"
)

// Slot is a named, typed value mirrored to durable storage.
//
// Lock order is writeMu then mu. mu guards the in-memory value and timer;
// writeMu serialises backend writes for the key so they never reorder.
type Slot[T any] struct {
	store *Store
	key   string
	def   T

	mu    sync.Mutex
	value T
	timer *time.Timer
	gen   uint64

	writeMu       sync.Mutex
	lastPersisted []byte
}

// Open returns the slot for key, reading durable data on first use. Missing
// or malformed data seeds def and is treated as already persisted. Opening a
// key twice with the same type returns the same slot.
func Open[T any](ctx context.Context, s *Store, key string, def T) *Slot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.slots[key]; ok {
		if typed, ok := existing.(*Slot[T]); ok {
			return typed
		}
		s.logger.Error("slot reopened with a different type", slog.String("key", key))
	}

	sl := &Slot[T]{store: s, key: key, def: def, value: def}
	sl.lastPersisted = encodeOrNil(def)

	raw, found, err := s.backend.Get(ctx, key)
	switch {
	case err != nil:
		s.logger.Error("read slot failed", slog.String("key", key), slog.Any("error", err))
	case found:
		var parsed T
		if err := json.Unmarshal(raw, &parsed); err != nil {
			s.logger.Warn("discarding malformed slot data", slog.String("key", key), slog.Any("error", err))
			break
		}
		sl.value = parsed
		sl.lastPersisted = encodeOrNil(parsed)
	}

	s.slots[key] = sl
	return sl
}

// Key returns the durable key.
func (sl *Slot[T]) Key() string {
	return sl.key
}

// Get returns the in-memory value.
func (sl *Slot[T]) Get() T {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.value
}

// Set replaces the in-memory value and restarts the debounce timer.
func (sl *Slot[T]) Set(value T) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.value = value
	sl.scheduleLocked()
}

// Update applies fn to the current value under the slot lock and schedules
// the result like Set. It returns the new value.
func (sl *Slot[T]) Update(fn func(T) T) T {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.value = fn(sl.value)
	sl.scheduleLocked()
	return sl.value
}

// Remove deletes the durable entry and resets the value to the default,
// cancelling any pending write.
func (sl *Slot[T]) Remove() {
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()

	sl.reset()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := sl.store.backend.Delete(ctx, sl.key); err != nil {
		sl.store.logger.Error("remove slot failed", slog.String("key", sl.key), slog.Any("error", err))
		return
	}
	sl.lastPersisted = encodeOrNil(sl.def)
}

// clear resets the slot as if the backend had been wiped underneath it.
func (sl *Slot[T]) clear() {
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()
	sl.reset()
	sl.lastPersisted = encodeOrNil(sl.def)
}

func (sl *Slot[T]) reset() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.gen++
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	sl.value = sl.def
}

func (sl *Slot[T]) scheduleLocked() {
	if sl.store.closed.Load() {
		return
	}
	sl.gen++
	gen := sl.gen
	if sl.timer != nil {
		sl.timer.Stop()
	}
	sl.timer = time.AfterFunc(sl.store.debounce, func() { sl.fire(gen) })
}

func (sl *Slot[T]) fire(gen uint64) {
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()

	sl.mu.Lock()
	if gen != sl.gen {
		sl.mu.Unlock()
		return
	}
	sl.timer = nil
	value := sl.value
	sl.mu.Unlock()

	sl.write(value)
}

func (sl *Slot[T]) flush() {
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()

	sl.mu.Lock()
	if sl.timer == nil {
		sl.mu.Unlock()
		return
	}
	sl.timer.Stop()
	sl.timer = nil
	sl.gen++
	value := sl.value
	sl.mu.Unlock()

	sl.write(value)
}

// write must be called with writeMu held.
func (sl *Slot[T]) write(value T) {
	store := sl.store
	data, err := json.Marshal(value)
	if err != nil {
		store.logger.Error("encode slot failed", slog.String("key", sl.key), slog.Any("error", err))
		store.metrics.ObservePersist(sl.key, metrics.PersistError)
		return
	}
	if sl.lastPersisted != nil && bytes.Equal(data, sl.lastPersisted) {
		store.metrics.ObservePersist(sl.key, metrics.PersistSuppressed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := store.backend.Set(ctx, sl.key, data); err != nil {
		store.logger.Error("write slot failed", slog.String("key", sl.key), slog.Any("error", err))
		store.metrics.ObservePersist(sl.key, metrics.PersistError)
		return
	}
	sl.lastPersisted = data
	store.metrics.ObservePersist(sl.key, metrics.PersistWritten)
	store.logger.Debug("slot persisted", slog.String("key", sl.key), slog.Int("bytes", len(data)))
}

func encodeOrNil(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return data
}
