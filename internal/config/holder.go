package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xlog "github.com/snapetech/xtreamplay/internal/log"
)

const reloadDebounce = 250 * time.Millisecond

// Holder owns the live config between sessions: callers read a snapshot per launch,
// mutate through Update (which persists), and may watch the file for outside edits.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	cur PlayerConfig

	subMu sync.Mutex
	subs  []chan PlayerConfig
}

// NewHolder wraps initial. path may be empty for an env-only config that is never saved.
func NewHolder(path string, initial PlayerConfig) *Holder {
	initial.Normalize()
	if path != "" {
		path = filepath.Clean(path)
	}
	return &Holder{path: path, cur: initial, logger: xlog.WithComponent("config")}
}

// Get returns the current snapshot.
func (h *Holder) Get() PlayerConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// Path returns the backing file, or "" when unsaved.
func (h *Holder) Path() string { return h.path }

// Update applies fn to a copy, normalizes it, saves it when the holder has a path, and
// publishes it. The in-memory config is only replaced when the save succeeds.
func (h *Holder) Update(fn func(*PlayerConfig)) (PlayerConfig, error) {
	h.mu.Lock()
	next := h.cur
	fn(&next)
	next.Normalize()
	if next == h.cur {
		h.mu.Unlock()
		return next, nil
	}
	if h.path != "" {
		if err := Save(h.path, next); err != nil {
			h.mu.Unlock()
			return h.cur, err
		}
	}
	h.cur = next
	h.mu.Unlock()
	h.publish(next)
	return next, nil
}

// Reload re-reads the file (plus env overrides). On error the current config is kept.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}
	next, err := Load(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	changed := next != h.cur
	h.cur = next
	h.mu.Unlock()
	if changed {
		h.logger.Info().Str("path", h.path).Msg("config reloaded")
		h.publish(next)
	}
	return nil
}

// Subscribe returns a channel that receives each new config. Only the latest pending
// value is kept; a slow reader never blocks Update.
func (h *Holder) Subscribe() <-chan PlayerConfig {
	ch := make(chan PlayerConfig, 1)
	h.subMu.Lock()
	h.subs = append(h.subs, ch)
	h.subMu.Unlock()
	return ch
}

func (h *Holder) publish(c PlayerConfig) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c
	}
}

// StartWatch watches the config file's directory (atomic saves replace the inode, so a
// watch on the file itself would go stale) and reloads after writes settle. The watch is
// registered before StartWatch returns; the returned channel closes when ctx ends.
func (h *Holder) StartWatch(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	if h.path == "" {
		close(done)
		return done, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(h.path), err)
	}
	h.logger.Debug().Str("path", h.path).Msg("watching config")
	go h.watchLoop(ctx, w, done)
	return done, nil
}

func (h *Holder) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != h.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher error")
		case <-timer.C:
			if err := h.Reload(); err != nil {
				h.logger.Warn().Err(err).Str("path", h.path).Msg("config reload failed; keeping previous config")
			}
		}
	}
}
