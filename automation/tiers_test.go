package automation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/storykeep/continuity/entity"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestLoadTier1_MissingFilesSkippedSilently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "AUTHOR_NOTES.md", "notes")
	writeFile(t, dir, "state/current_state.md", "state")

	l := NewTierLoader(dir, 4, "User", nil, nil)
	got := l.LoadTier1(context.Background())

	if len(got) != 2 {
		t.Fatalf("loaded=%d files, want 2: %v", len(got), got)
	}
	if got[filepath.Join(dir, "AUTHOR_NOTES.md")] != "notes" {
		t.Fatalf("AUTHOR_NOTES missing: %v", got)
	}
}

func TestLoadTier1_IncludesUserAndOneOtherSheet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "characters/[CHAR] Alden.md", "alden")
	writeFile(t, dir, "characters/[CHAR] Brynn.md", "brynn")
	userPath := writeFile(t, dir, "characters/[CHAR] User Kestrel.md", "kestrel")

	l := NewTierLoader(dir, 4, "Kestrel", nil, nil)
	got := l.LoadTier1(context.Background())

	if _, ok := got[userPath]; !ok {
		t.Fatalf("user sheet not loaded: %v", got)
	}
	// First non-user sheet alphabetically.
	if _, ok := got[filepath.Join(dir, "characters", "[CHAR] Alden.md")]; !ok {
		t.Fatalf("first other sheet not loaded: %v", got)
	}
	if _, ok := got[filepath.Join(dir, "characters", "[CHAR] Brynn.md")]; ok {
		t.Fatalf("second other sheet should not load in tier 1")
	}
}

func TestLoadTier2_Policy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "guidelines/writing_style.md", "style")

	l := NewTierLoader(dir, 4, "User", nil, nil)
	ctx := context.Background()

	if got := l.LoadTier2(ctx, 1, 10); len(got) != 1 {
		t.Fatalf("count=1 should load guidelines, got %v", got)
	}
	if got := l.LoadTier2(ctx, 10, 10); len(got) != 1 {
		t.Fatalf("count=10 should load guidelines, got %v", got)
	}
	if got := l.LoadTier2(ctx, 7, 10); len(got) != 0 {
		t.Fatalf("count=7 should skip guidelines, got %v", got)
	}
	if got := l.LoadTier2(ctx, 20, 10); len(got) != 1 {
		t.Fatalf("count=20 should load guidelines, got %v", got)
	}
}

func TestLoadTier3_MatcherSelectsCandidates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "entities/[LOC] Harbor.md", "# [LOC] Harbor\n[Triggers: docks]\n")
	writeFile(t, dir, "entities/[LOC] Keep.md", "# [LOC] Keep\n")

	ix := entity.NewIndex(nil)
	if err := ix.ScanAndIndex(filepath.Join(dir, "entities")); err != nil {
		t.Fatalf("ScanAndIndex: %v", err)
	}

	l := NewTierLoader(dir, 4, "User", ix, nil)
	got, triggered := l.LoadTier3(context.Background(), "meet me at the docks", &IndexMatcher{Index: ix})

	if len(triggered) != 1 || filepath.Base(triggered[0]) != "[LOC] Harbor.md" {
		t.Fatalf("triggered=%v", triggered)
	}
	if len(got) != 1 {
		t.Fatalf("loaded=%v", got)
	}

	got, triggered = l.LoadTier3(context.Background(), "nothing here", &IndexMatcher{Index: ix})
	if len(got) != 0 || len(triggered) != 0 {
		t.Fatalf("expected no matches, got %v / %v", got, triggered)
	}
}
