package automation

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/fileio"
)

// History is the sliding window of recently triggered file paths, used to
// escalate frequently-matched files to unconditional loading.
type History struct {
	path      string
	window    int
	threshold int
	logger    *zap.Logger
}

type historyFile struct {
	TriggerHistory [][]string `json:"trigger_history"`
}

func NewHistory(rpDir string, window, threshold int, logger *zap.Logger) *History {
	if window <= 0 {
		window = 10
	}
	if threshold <= 0 {
		threshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		path:      filepath.Join(rpDir, "state", "trigger_history.json"),
		window:    window,
		threshold: threshold,
		logger:    logger,
	}
}

// Track appends this turn's triggered-file list to the window, persists
// it, and returns every file that appears at least `threshold` times in
// the window. It is a plain frequency count, not a decaying average.
//
// An empty triggered list short-circuits: no history write, no
// escalation. Empty turns must not pollute the window.
func (h *History) Track(triggered []string) ([]string, error) {
	if len(triggered) == 0 {
		return nil, nil
	}

	hist := h.load()
	hist.TriggerHistory = append(hist.TriggerHistory, triggered)
	if excess := len(hist.TriggerHistory) - h.window; excess > 0 {
		hist.TriggerHistory = hist.TriggerHistory[excess:]
	}

	if err := fileio.WriteJSONAtomic(h.path, hist, true); err != nil {
		return nil, fmt.Errorf("persist trigger history: %w", err)
	}

	counts := make(map[string]int)
	for _, turn := range hist.TriggerHistory {
		for _, path := range turn {
			counts[path]++
		}
	}

	var escalated []string
	for path, n := range counts {
		if n >= h.threshold {
			escalated = append(escalated, path)
		}
	}
	sort.Strings(escalated)
	return escalated, nil
}

// load reads the window from disk. Corruption is non-fatal: the history is
// reinitialized empty.
func (h *History) load() historyFile {
	var hist historyFile
	if err := fileio.ReadJSON(h.path, &hist); err != nil {
		if !fileio.IsNotExist(err) {
			h.logger.Warn("trigger history corrupt; reinitializing",
				zap.String("path", h.path), zap.Error(err))
		}
		return historyFile{}
	}
	return hist
}
