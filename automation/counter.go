package automation

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/storykeep/continuity/fileio"
)

// Counter persists the response count: how many assistant replies this
// story has produced. Read-modify-write is single-writer only; two
// orchestrators against the same project directory will race.
type Counter struct {
	path string
}

type counterState struct {
	ResponseNumber int    `json:"response_number"`
	LastUpdated    string `json:"last_updated"`
}

func NewCounter(rpDir string) *Counter {
	return &Counter{path: filepath.Join(rpDir, "state", "response_counter.json")}
}

// Current returns the persisted count without modifying it. Missing or
// corrupt files read as zero.
func (c *Counter) Current() int {
	var st counterState
	if err := fileio.ReadJSON(c.path, &st); err != nil {
		return 0
	}
	return st.ResponseNumber
}

// Increment bumps the counter by exactly one, persists it, and returns the
// new value together with the wall-clock time since the previous update
// (zero when unknown).
func (c *Counter) Increment() (int, time.Duration, error) {
	var st counterState
	if err := fileio.ReadJSON(c.path, &st); err != nil && !fileio.IsNotExist(err) {
		// A corrupt counter is a hard error: every downstream stage keys
		// off a correct count.
		return 0, 0, fmt.Errorf("read counter: %w", err)
	}

	var elapsed time.Duration
	if st.LastUpdated != "" {
		if prev, err := time.Parse(time.RFC3339, st.LastUpdated); err == nil {
			// Guard against clock skew producing negative elapsed time.
			if d := time.Since(prev); d > 0 {
				elapsed = d
			}
		}
	}

	st.ResponseNumber++
	st.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if err := fileio.WriteJSONAtomic(c.path, st, true); err != nil {
		return 0, 0, fmt.Errorf("write counter: %w", err)
	}
	return st.ResponseNumber, elapsed, nil
}

// ElapsedHint renders a short in-story time suggestion from real elapsed
// time between turns. Empty for short gaps.
func ElapsedHint(elapsed time.Duration) string {
	switch {
	case elapsed <= 0 || elapsed < 10*time.Minute:
		return ""
	case elapsed < 2*time.Hour:
		return fmt.Sprintf("About %d minutes have passed since the last exchange; a short in-story time skip may be natural.", int(elapsed.Minutes()))
	case elapsed < 48*time.Hour:
		return fmt.Sprintf("About %d hours have passed since the last exchange; consider whether story time should advance.", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("About %d days have passed since the last exchange; consider a scene or time transition.", int(elapsed.Hours()/24))
	}
}
