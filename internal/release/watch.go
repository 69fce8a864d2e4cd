package release

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 25 * time.Millisecond

// Watcher follows a manifest file. Stop must be called to release
// filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch observes the directory holding path and calls onChange with the
// reloaded manifest after each burst of edits. Editors that replace the file
// through a rename are handled because the directory, not the file, is
// watched. Parse failures go to onError and the previous release stays
// deployed.
func Watch(ctx context.Context, path string, onChange func(Manifest), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("release: watch requires a change callback")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("release: resolve manifest: %w", err)
	}
	target = filepath.Clean(target)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("release: watch manifest: %w", err)
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("release: watch add %s: %w", filepath.Dir(target), err)
	}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := fsw.Close(); err != nil {
				report(fmt.Errorf("release: watch close: %w", err))
			}
		}()

		var timer *time.Timer
		var fire <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		}
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-fire:
				fire = nil
				m, err := Load(target)
				if err != nil {
					report(err)
					continue
				}
				onChange(m)
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					report(fmt.Errorf("release: manifest %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					schedule()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("release: watch error: %w", err))
			}
		}
	}()

	return &Watcher{cancel: cancel, done: done}, nil
}
