package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// DefaultMonitorInterval is the polling fallback cadence for upstream
// socket identity checks.
const DefaultMonitorInterval = 5 * time.Second

// socketIdent pins a socket file to a specific filesystem object. A
// path that still exists but resolves to a different object means the
// agent behind it was replaced.
type socketIdent struct {
	dev uint64
	ino uint64
}

func statIdent(path string) (socketIdent, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return socketIdent{}, err
	}
	return socketIdent{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// Monitor watches upstream socket paths for removal or replacement.
// Detection is event-driven via inotify on the parent directories,
// with a periodic re-stat as a safety net for events inotify misses
// (bind mounts, overlayfs, remote filesystems).
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	idents   map[string]socketIdent
}

// NewMonitor records the current identity of each path. Every path
// must exist at startup; a proxy should not come up against an agent
// that is already gone.
func NewMonitor(logger *slog.Logger, paths []string, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	idents := make(map[string]socketIdent, len(paths))
	for _, p := range paths {
		id, err := statIdent(p)
		if err != nil {
			return nil, fmt.Errorf("stat upstream %s: %w", p, err)
		}
		idents[p] = id
	}
	return &Monitor{logger: logger, interval: interval, idents: idents}, nil
}

// Run watches until ctx is canceled, invoking trigger once per path
// whose socket disappears or is replaced. A triggered path is dropped
// from the watch set; the caller decides whether anything restarts.
func (m *Monitor) Run(ctx context.Context, trigger func(path, reason string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for p := range m.idents {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			// Polling still covers the path.
			m.logger.Warn("watch failed, relying on polling",
				slog.String("dir", d), slog.Any("error", err))
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	fire := func(path, reason string) {
		m.logger.Warn("upstream socket changed",
			slog.String("upstream", path), slog.String("reason", reason))
		delete(m.idents, path)
		trigger(path, reason)
	}

	for len(m.idents) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, watched := m.idents[ev.Name]; !watched {
				continue
			}
			if path, reason, changed := m.check(ev.Name); changed {
				fire(path, reason)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watch error", slog.Any("error", err))
		case <-ticker.C:
			for p := range m.idents {
				if path, reason, changed := m.check(p); changed {
					fire(path, reason)
				}
			}
		}
	}
	return nil
}

// check re-stats one path and reports whether its identity moved.
func (m *Monitor) check(path string) (string, string, bool) {
	want := m.idents[path]
	got, err := statIdent(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOENT):
		return path, "socket removed", true
	case err != nil:
		return path, fmt.Sprintf("stat failed: %v", err), true
	case got != want:
		return path, "socket replaced", true
	}
	return "", "", false
}
