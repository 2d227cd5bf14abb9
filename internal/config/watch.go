package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so editors that replace the file are seen. A broken watcher
// is rebuilt with exponential backoff and the file is re-read once the new
// watcher is up, since events may have been missed meanwhile.
func (m *Manager) Watch(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		resync := attempt > 0
		attempt++
		err := m.watchOnce(ctx, expo, resync)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", wait))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(expo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// watchOnce runs one fsnotify watcher until it fails or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, expo *backoff.ExponentialBackOff, resync bool) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	expo.Reset()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))
	if resync {
		m.reload(ctx)
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	schedule := func() {
		if debounce == nil {
			debounce = time.NewTimer(reloadDebounce)
		} else {
			debounce.Reset(reloadDebounce)
		}
		fire = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			fire = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&watchOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

// reload parses the file and, when it differs from the active config and
// passes validation, commits and publishes it.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}

	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	check := m.validator
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}

	if err := Validate(cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	if check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := check(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%016x", h)))
}
