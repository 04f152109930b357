package entity

import (
	"strings"
	"testing"
)

func TestParse_FilenameTagBeatsHeadingAndTypeField(t *testing.T) {
	t.Parallel()

	content := "# [LOC] Harbor District\n\n**Type**: organization\n\nSome text.\n"
	card := Parse("[CHAR] Mira.md", content)

	if card.Kind != KindCharacter {
		t.Fatalf("kind=%s, want character", card.Kind)
	}
	if card.Name != "Mira" {
		t.Fatalf("name=%q, want Mira", card.Name)
	}
}

func TestParse_HeadingTagBeatsTypeField(t *testing.T) {
	t.Parallel()

	content := "# [LOC] Harbor District\n\n**Type**: character\n"
	card := Parse("notes.md", content)

	if card.Kind != KindLocation {
		t.Fatalf("kind=%s, want location", card.Kind)
	}
	if card.Name != "Harbor District" {
		t.Fatalf("name=%q", card.Name)
	}
}

func TestParse_TypeFieldFallback(t *testing.T) {
	t.Parallel()

	content := "# The Gilded Cup\n\n**Type**: Location (tavern)\n"
	card := Parse("gilded_cup.md", content)

	if card.Kind != KindLocation {
		t.Fatalf("kind=%s, want location", card.Kind)
	}
	if card.Name != "The Gilded Cup" {
		t.Fatalf("name=%q", card.Name)
	}
}

func TestParse_FallbackNameFromFilenameStem(t *testing.T) {
	t.Parallel()

	card := Parse("mystery_place.md", "no headings here\n")
	if card.Kind != KindUnknown {
		t.Fatalf("kind=%s, want unknown", card.Kind)
	}
	if card.Name != "mystery_place" {
		t.Fatalf("name=%q, want mystery_place", card.Name)
	}
}

func TestParse_TriggersIncludeOwnNameDeduped(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n[Triggers: mira, \"the captain\", Harbormaster]\n"
	card := Parse("[CHAR] Mira.md", content)

	want := []string{"mira", "the captain", "harbormaster"}
	if len(card.TriggerWords) != len(want) {
		t.Fatalf("triggers=%v, want %v", card.TriggerWords, want)
	}
	for i, w := range want {
		if card.TriggerWords[i] != w {
			t.Fatalf("triggers[%d]=%q, want %q", i, card.TriggerWords[i], w)
		}
	}
}

func TestParse_LockedSectionEndsAtNextHeading(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n## PERSONALITY CORE\nLoyal. Blunt. Never lies.\n\n## History\nGrew up on the docks.\n"
	card := Parse("[CHAR] Mira.md", content)

	if !strings.HasPrefix(card.LockedPersonality, "## PERSONALITY CORE") {
		t.Fatalf("locked does not start at heading: %q", card.LockedPersonality)
	}
	if strings.Contains(card.LockedPersonality, "## History") {
		t.Fatalf("locked leaked into next section: %q", card.LockedPersonality)
	}
	if !strings.Contains(card.LockedPersonality, "Never lies.") {
		t.Fatalf("locked missing body: %q", card.LockedPersonality)
	}
}

func TestParse_LockedSectionRunsToEOF(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n## PERSONALITY CORE\nLoyal to a fault.\n"
	card := Parse("[CHAR] Mira.md", content)
	if !strings.Contains(card.LockedPersonality, "Loyal to a fault.") {
		t.Fatalf("locked=%q", card.LockedPersonality)
	}
}

func TestFormat_LockedBlockMovedNotDuplicated(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n## PERSONALITY CORE\nLoyal. Blunt.\n\n## History\nDocks.\n"
	card := Parse("[CHAR] Mira.md", content)

	out := card.Format(true)
	if !strings.Contains(out, "[IMMUTABLE PERSONALITY CORE — Mira — DO NOT ALTER]") {
		t.Fatalf("missing immutable marker:\n%s", out)
	}
	if got := strings.Count(out, "Loyal. Blunt."); got != 1 {
		t.Fatalf("locked body appears %d times, want 1:\n%s", got, out)
	}
	if !strings.Contains(out, "## History") {
		t.Fatalf("remainder lost:\n%s", out)
	}
}

func TestFormat_NoHighlightReturnsRaw(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n## PERSONALITY CORE\nLoyal.\n"
	card := Parse("[CHAR] Mira.md", content)
	if card.Format(false) != content {
		t.Fatalf("unhighlighted format should be raw content")
	}
}

func TestParse_MetadataKeysNormalized(t *testing.T) {
	t.Parallel()

	content := "# [CHAR] Mira\n\n**Current Location**: Harbor District\n**Type**: character\n"
	card := Parse("[CHAR] Mira.md", content)
	if card.Metadata["current_location"] != "Harbor District" {
		t.Fatalf("metadata=%v", card.Metadata)
	}
}
