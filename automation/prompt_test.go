package automation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/storykeep/continuity/entity"
)

func newTestBuilder(t *testing.T, dir string) (*PromptBuilder, *entity.Index) {
	t.Helper()
	ix := entity.NewIndex(nil)
	if err := ix.ScanAndIndex(filepath.Join(dir, "entities"), filepath.Join(dir, "characters")); err != nil {
		t.Fatalf("ScanAndIndex: %v", err)
	}
	return NewPromptBuilder(dir, ix, nil), ix
}

func TestBuild_CachedPrefixDependsOnlyOnTier1(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder(t, t.TempDir())
	tier1 := map[string]string{
		"/rp/AUTHOR_NOTES.md": "notes",
		"/rp/STORY_GENOME.md": "genome",
	}

	a := b.Build(BuildInput{
		Tier1:     tier1,
		Message:   "first message",
		CacheMode: true,
	})
	c := b.Build(BuildInput{
		Tier1:             tier1,
		Tier2:             map[string]string{"/rp/guidelines/style.md": "style"},
		Message:           "completely different message",
		ElapsedHint:       "About 45 minutes have passed.",
		AgentContext:      "## Agent Analysis\ncontent",
		UpdatedFiles:      []string{"/rp/SCENE_NOTES.md"},
		ShouldGenerateArc: true,
		CacheMode:         true,
	})

	if !a.Cached || !c.Cached {
		t.Fatalf("expected cached prompts")
	}
	if a.CachedPrefix != c.CachedPrefix {
		t.Fatalf("prefix changed with dynamic inputs:\n%q\nvs\n%q", a.CachedPrefix, c.CachedPrefix)
	}
	if a.DynamicSuffix == c.DynamicSuffix {
		t.Fatalf("dynamic suffix should differ")
	}
	if strings.Contains(a.CachedPrefix, "first message") {
		t.Fatalf("user message leaked into cacheable prefix")
	}
}

func TestBuild_FullEqualsPrefixPlusSuffix(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder(t, t.TempDir())
	in := BuildInput{
		Tier1:   map[string]string{"/rp/AUTHOR_NOTES.md": "notes"},
		Message: "hello",
	}
	full := b.Build(in)
	in.CacheMode = true
	split := b.Build(in)

	if full.Full != split.CachedPrefix+split.DynamicSuffix {
		t.Fatalf("full prompt diverges from prefix+suffix")
	}
}

func TestBuild_SectionOrdering(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder(t, t.TempDir())
	p := b.Build(BuildInput{
		Tier1:             map[string]string{"/rp/AUTHOR_NOTES.md": "notes"},
		Tier2:             map[string]string{"/rp/guidelines/style.md": "style"},
		Tier3:             map[string]string{"/rp/entities/harbor.md": "harbor content"},
		Escalated:         map[string]string{"/rp/entities/keep.md": "keep content"},
		Message:           "the user message",
		ElapsedHint:       "About 2 hours have passed.",
		AgentContext:      "## Agent Analysis\n\n### Facts\nstuff",
		UpdatedFiles:      []string{"/rp/SCENE_NOTES.md"},
		ShouldGenerateArc: true,
	})

	markers := []string{
		"## FILE UPDATES",
		"## STORY ARC CHECKPOINT",
		"## NARRATIVE STYLE",
		"## TIME",
		"# GUIDELINES (periodic refresh)",
		"# SCENE CONTEXT (triggered)",
		"# RECURRING CONTEXT (escalated)",
		"## Agent Analysis",
		"# USER MESSAGE",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(p.Full, m)
		if idx < 0 {
			t.Fatalf("section %q missing:\n%s", m, p.Full)
		}
		if idx < last {
			t.Fatalf("section %q out of order", m)
		}
		last = idx
	}

	if !strings.HasSuffix(strings.TrimRight(p.Full, "\n"), "the user message") {
		t.Fatalf("user message is not last:\n%s", p.Full)
	}
}

func TestBuild_EntityFilesRoutedThroughLockedFormatter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "entities/[CHAR] Mira.md",
		"# [CHAR] Mira\n\n## PERSONALITY CORE\nNever lies.\n\n## History\nDocks.\n")

	b, _ := newTestBuilder(t, dir)
	p := b.Build(BuildInput{
		Tier1:   map[string]string{},
		Tier3:   map[string]string{path: "raw content on disk"},
		Message: "hi",
	})

	if !strings.Contains(p.Full, "[IMMUTABLE PERSONALITY CORE — Mira — DO NOT ALTER]") {
		t.Fatalf("locked block not highlighted:\n%s", p.Full)
	}
	if got := strings.Count(p.Full, "Never lies."); got != 1 {
		t.Fatalf("locked body appears %d times, want 1", got)
	}
}

func TestBuild_ChecklistOnlyWithCharacters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "characters/[CHAR] Mira.md",
		"# [CHAR] Mira\n\n## PERSONALITY CORE\nNever lies.\n")
	writeFile(t, dir, "characters/[CHAR] Alden.md", "# [CHAR] Alden\n")
	writeFile(t, dir, "entities/[LOC] Harbor.md", "# [LOC] Harbor\n")

	b, _ := newTestBuilder(t, dir)

	p := b.Build(BuildInput{
		Tier1:          map[string]string{},
		Message:        "hi",
		LoadedEntities: []string{"Mira", "Alden", "Harbor"},
	})
	if !strings.Contains(p.Full, "# CHARACTER CONSISTENCY") {
		t.Fatalf("checklist missing:\n%s", p.Full)
	}
	if !strings.Contains(p.Full, "STRICT ADHERENCE REQUIRED") || !strings.Contains(p.Full, "- Mira") {
		t.Fatalf("locked character not in strict list:\n%s", p.Full)
	}
	if strings.Contains(p.Full, "- Harbor\n") {
		t.Fatalf("non-character in checklist:\n%s", p.Full)
	}

	// Locations alone produce no checklist.
	p = b.Build(BuildInput{
		Tier1:          map[string]string{},
		Message:        "hi",
		LoadedEntities: []string{"Harbor"},
	})
	if strings.Contains(p.Full, "# CHARACTER CONSISTENCY") {
		t.Fatalf("checklist emitted with no characters:\n%s", p.Full)
	}
}

func TestBuild_NoArcBlockByDefault(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder(t, t.TempDir())
	p := b.Build(BuildInput{Tier1: map[string]string{}, Message: "hi"})
	if strings.Contains(p.Full, "STORY ARC CHECKPOINT") {
		t.Fatalf("arc block emitted without checkpoint")
	}
}
