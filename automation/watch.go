package automation

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/storykeep/continuity/fileio"
)

// Watcher accumulates file-change events between turns so the prompt can
// open with "the ground truth changed under you" notices.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu      sync.Mutex
	changed map[string]struct{}
	done    chan struct{}
}

func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		logger:  logger,
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// WatchDirs adds directories to the watch set. Missing directories are
// skipped.
func (w *Watcher) WatchDirs(dirs ...string) {
	for _, dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Debug("watch dir skipped", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
				continue
			}
			w.mu.Lock()
			w.changed[ev.Name] = struct{}{}
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", zap.Error(err))
		}
	}
}

// Drain returns the paths changed since the last drain and clears the set.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	paths := make([]string, 0, len(w.changed))
	for p := range w.changed {
		paths = append(paths, p)
	}
	w.changed = make(map[string]struct{})
	w.mu.Unlock()
	sort.Strings(paths)
	return paths
}

func (w *Watcher) Close() {
	close(w.done)
	_ = w.fsw.Close()
}

// ---- mtime snapshot fallback ----
//
// The watcher only sees changes while the process runs. Across process
// restarts the orchestrator falls back to comparing a persisted mtime
// snapshot of the context files it loaded last turn.

type mtimeSnapshot struct {
	Mtimes map[string]int64 `json:"mtimes"`
}

// SnapshotMtimes records the current mtimes of the given paths at
// snapshotPath.
func SnapshotMtimes(snapshotPath string, paths []string) error {
	snap := mtimeSnapshot{Mtimes: make(map[string]int64, len(paths))}
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			snap.Mtimes[p] = fi.ModTime().UnixNano()
		}
	}
	return fileio.WriteJSONAtomic(snapshotPath, snap, false)
}

// ChangedSinceSnapshot returns the previously-snapshotted paths whose
// mtime moved. A missing or corrupt snapshot reads as "nothing changed".
func ChangedSinceSnapshot(snapshotPath string) []string {
	var snap mtimeSnapshot
	if err := fileio.ReadJSON(snapshotPath, &snap); err != nil {
		return nil
	}
	var out []string
	for p, prev := range snap.Mtimes {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if fi.ModTime().UnixNano() != prev {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
