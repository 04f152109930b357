package automation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/storykeep/continuity/fileio"
)

func TestHistory_EscalatesAtThreshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := NewHistory(dir, 10, 3, nil)

	// Two appearances stay below the threshold of three.
	for i := 0; i < 2; i++ {
		esc, err := h.Track([]string{"entities/harbor.md"})
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		if len(esc) != 0 {
			t.Fatalf("escalated after %d turns: %v", i+1, esc)
		}
	}

	esc, err := h.Track([]string{"entities/harbor.md"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(esc) != 1 || esc[0] != "entities/harbor.md" {
		t.Fatalf("escalated=%v, want [entities/harbor.md]", esc)
	}
}

func TestHistory_EmptyTurnIsNoOp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := NewHistory(dir, 10, 3, nil)

	esc, err := h.Track(nil)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if esc != nil {
		t.Fatalf("escalated=%v, want nil", esc)
	}
	if fileio.FileExists(filepath.Join(dir, "state", "trigger_history.json")) {
		t.Fatalf("empty turn wrote history file")
	}
}

func TestHistory_WindowEviction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := NewHistory(dir, 3, 3, nil)

	// Two hits, then enough unrelated turns to push them out of the window.
	for i := 0; i < 2; i++ {
		if _, err := h.Track([]string{"entities/harbor.md"}); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := h.Track([]string{"entities/other.md"}); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}

	esc, err := h.Track([]string{"entities/harbor.md"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(esc) != 0 {
		t.Fatalf("evicted hits still counted: %v", esc)
	}
}

func TestHistory_CorruptFileReinitializes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "trigger_history.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	h := NewHistory(dir, 10, 3, nil)
	esc, err := h.Track([]string{"entities/harbor.md"})
	if err != nil {
		t.Fatalf("Track after corruption: %v", err)
	}
	if len(esc) != 0 {
		t.Fatalf("escalated=%v, want empty after reinit", esc)
	}

	var hist historyFile
	if err := fileio.ReadJSON(path, &hist); err != nil {
		t.Fatalf("history not rewritten: %v", err)
	}
	if len(hist.TriggerHistory) != 1 {
		t.Fatalf("window=%v, want one turn", hist.TriggerHistory)
	}
}
