package automation

import (
	"path/filepath"
	"testing"

	"github.com/storykeep/continuity/fileio"
)

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg := LoadConfig(t.TempDir(), nil)
	def := DefaultConfig()
	if cfg.ArcFrequency != def.ArcFrequency || cfg.GuidelineFrequency != def.GuidelineFrequency {
		t.Fatalf("cfg=%+v, want defaults", cfg)
	}
	if cfg.SubModel.Model != def.SubModel.Model {
		t.Fatalf("sub-model=%+v", cfg.SubModel)
	}
	if cfg.Agents.Contradictions {
		t.Fatalf("contradictions agent should default off")
	}
}

func TestLoadConfig_PartialFileBackfilled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "automation_config.json")
	if err := fileio.WriteJSONAtomic(path, map[string]any{
		"arc_frequency":  25,
		"user_character": "Kestrel",
	}, true); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg := LoadConfig(dir, nil)
	if cfg.ArcFrequency != 25 {
		t.Fatalf("arc_frequency=%d, want 25", cfg.ArcFrequency)
	}
	if cfg.UserCharacter != "Kestrel" {
		t.Fatalf("user_character=%q", cfg.UserCharacter)
	}
	if cfg.GuidelineFrequency != DefaultConfig().GuidelineFrequency {
		t.Fatalf("guideline_frequency=%d, want backfilled default", cfg.GuidelineFrequency)
	}
}

func TestLoadConfig_CorruptFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "state/automation_config.json", "{nope")

	cfg := LoadConfig(dir, nil)
	if cfg.ArcFrequency != DefaultConfig().ArcFrequency {
		t.Fatalf("cfg=%+v, want defaults on corruption", cfg)
	}
}
