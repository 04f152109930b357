package fileio

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DebouncedWriter coalesces bursts of writes to the same path into a single
// atomic disk write. Each Write restarts the path's timer; the value flushed
// is always the most recent one queued. Flush and Close drain pending writes
// synchronously.
type DebouncedWriter struct {
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

type pendingWrite struct {
	data  []byte
	timer *time.Timer
}

func NewDebouncedWriter(window time.Duration, logger *zap.Logger) *DebouncedWriter {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebouncedWriter{
		window:  window,
		logger:  logger,
		pending: make(map[string]*pendingWrite),
	}
}

// Write queues data for path. The physical write happens once no further
// write to the same path arrives within the debounce window.
func (w *DebouncedWriter) Write(path string, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		// Late writers after shutdown still get their data on disk.
		w.flushLocked(path, data)
		return
	}

	if p, ok := w.pending[path]; ok {
		p.data = data
		p.timer.Reset(w.window)
		return
	}

	p := &pendingWrite{data: data}
	p.timer = time.AfterFunc(w.window, func() {
		w.fire(path)
	})
	w.pending[path] = p
}

func (w *DebouncedWriter) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	data := p.data
	w.mu.Unlock()

	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		w.logger.Warn("debounced write failed", zap.String("path", path), zap.Error(err))
	}
}

// Flush drains all pending writes synchronously.
func (w *DebouncedWriter) Flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path, p := range w.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	for _, path := range paths {
		p := w.pending[path]
		delete(w.pending, path)
		w.flushLocked(path, p.data)
	}
	w.mu.Unlock()
}

// flushLocked performs the write while the caller holds w.mu. The write
// itself is small and local-disk only, so holding the lock keeps the
// last-write-wins guarantee simple.
func (w *DebouncedWriter) flushLocked(path string, data []byte) {
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		w.logger.Warn("debounced write failed", zap.String("path", path), zap.Error(err))
	}
}

// Close drains pending writes and marks the writer as shut down. Writes
// after Close bypass the debounce window and hit disk immediately.
func (w *DebouncedWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.Flush()
}
