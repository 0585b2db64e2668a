package playbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a burst of file changes
// to settle before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Library holds the current playbook snapshot. Reloads swap in a new matcher
// atomically; investigations keep whichever matcher they were handed.
type Library struct {
	loader  *Loader
	logger  *zap.Logger
	current atomic.Pointer[Matcher]
	reloads atomic.Int64
}

// NewLibrary performs the initial load.
func NewLibrary(loader *Loader, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lib := &Library{loader: loader, logger: logger.Named("playbook_library")}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Snapshot returns the current matcher. Callers must treat it as read-only.
func (l *Library) Snapshot() *Matcher {
	return l.current.Load()
}

// Reloads counts successful reloads, the initial load included.
func (l *Library) Reloads() int64 { return l.reloads.Load() }

// Reload reads the directory again and publishes a new snapshot.
func (l *Library) Reload() error {
	m, err := l.loader.Snapshot()
	if err != nil {
		return fmt.Errorf("reload playbooks: %w", err)
	}
	l.current.Store(m)
	l.reloads.Add(1)
	l.logger.Info("Playbook snapshot published", zap.Int("count", m.Count()))
	return nil
}

// Watch reloads the library whenever a playbook file under the directory
// changes. It blocks until ctx is cancelled.
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Clean(l.loader.Dir())
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		// A missing directory is not fatal: wait for it to appear.
		parent := nearestExistingDir(dir)
		if parent == "" {
			l.logger.Warn("Playbook directory and its parents do not exist, not watching", zap.String("dir", dir))
			<-ctx.Done()
			return nil
		}
		l.logger.Warn("Playbook directory does not exist, watching parent for its creation",
			zap.String("dir", dir), zap.String("parent", parent))
		if err := fsw.Add(parent); err != nil {
			return fmt.Errorf("watch %s: %w", parent, err)
		}
	} else {
		err = walkDirs(dir, func(d string) error {
			if err := fsw.Add(d); err != nil {
				l.logger.Warn("Failed to watch directory", zap.String("dir", d), zap.Error(err))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	l.logger.Info("Watching playbook directory", zap.String("dir", dir), zap.Duration("debounce", debounce))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if ev.Has(fsnotify.Create) && (isWithin(dir, name) || isWithin(name, dir)) {
				// New subdirectories, or ancestors of a missing playbook
				// directory, need their own watch.
				_ = walkDirs(name, func(d string) error {
					if isWithin(dir, d) || isWithin(d, dir) {
						_ = fsw.Add(d)
					}
					return nil
				})
				if isWithin(name, dir) {
					// The playbook directory itself just appeared.
					timer.Reset(debounce)
					continue
				}
			}
			if !isWithin(dir, name) {
				continue
			}
			if !isPlaybookFile(name) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Debug("Playbook change detected", zap.String("path", name), zap.String("op", ev.Op.String()))
			timer.Reset(debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("Watcher error", zap.Error(err))

		case <-timer.C:
			if err := l.Reload(); err != nil {
				l.logger.Error("Playbook reload failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}

// nearestExistingDir walks up from path to the first directory that exists.
func nearestExistingDir(path string) string {
	for p := filepath.Dir(path); ; p = filepath.Dir(p) {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		if next := filepath.Dir(p); next == p {
			return ""
		}
	}
}

// isWithin reports whether path is root or lies below it.
func isWithin(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
