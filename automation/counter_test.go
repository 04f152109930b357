package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/storykeep/continuity/fileio"
)

func TestCounter_IncrementFromZero(t *testing.T) {
	t.Parallel()

	c := NewCounter(t.TempDir())
	if got := c.Current(); got != 0 {
		t.Fatalf("Current=%d, want 0", got)
	}

	n, elapsed, err := c.Increment()
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 1 {
		t.Fatalf("n=%d, want 1", n)
	}
	if elapsed != 0 {
		t.Fatalf("elapsed=%v, want 0 on first increment", elapsed)
	}

	n, _, err = c.Increment()
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}
	if got := c.Current(); got != 2 {
		t.Fatalf("Current=%d, want 2", got)
	}
}

func TestCounter_ElapsedFromLastUpdated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "response_counter.json")
	past := time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)
	if err := fileio.WriteJSONAtomic(path, map[string]any{
		"response_number": 5,
		"last_updated":    past,
	}, true); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	n, elapsed, err := NewCounter(dir).Increment()
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 6 {
		t.Fatalf("n=%d, want 6", n)
	}
	if elapsed < 29*time.Minute || elapsed > 31*time.Minute {
		t.Fatalf("elapsed=%v, want ~30m", elapsed)
	}
}

func TestCounter_CorruptIsHardError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "response_counter.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	c := NewCounter(dir)
	if got := c.Current(); got != 0 {
		t.Fatalf("Current=%d, want 0 for corrupt file", got)
	}
	if _, _, err := c.Increment(); err == nil {
		t.Fatalf("Increment should fail on corrupt counter")
	}
}

func TestElapsedHint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{5 * time.Minute, ""},
		{0, ""},
	}
	for _, tc := range cases {
		if got := ElapsedHint(tc.elapsed); got != tc.want {
			t.Fatalf("ElapsedHint(%v)=%q, want %q", tc.elapsed, got, tc.want)
		}
	}

	if got := ElapsedHint(45 * time.Minute); got == "" || !strings.Contains(got, "45 minutes") {
		t.Fatalf("minutes hint=%q", got)
	}
	if got := ElapsedHint(5 * time.Hour); got == "" || !strings.Contains(got, "5 hours") {
		t.Fatalf("hours hint=%q", got)
	}
	if got := ElapsedHint(72 * time.Hour); got == "" || !strings.Contains(got, "3 days") {
		t.Fatalf("days hint=%q", got)
	}
}
