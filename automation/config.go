// Package automation sequences one roleplay turn: counter increment, tiered
// file loading, trigger tracking, agent execution, and prompt assembly.
package automation

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/fileio"
)

// AgentToggles enables/disables individual agents.
type AgentToggles struct {
	EntityTier          bool `json:"entity_tier"`
	FactExtraction      bool `json:"fact_extraction"`
	MemoryExtraction    bool `json:"memory_extraction"`
	PlotThreadsRelevant bool `json:"plot_threads_relevant"`

	ScenePacing        bool `json:"scene_pacing"`
	MemorableMoments   bool `json:"memorable_moments"`
	RelationshipDeltas bool `json:"relationship_deltas"`
	PlotThreads        bool `json:"plot_threads"`
	WorldFacts         bool `json:"world_facts"`
	Contradictions     bool `json:"contradictions"`
}

// SubModelConfig configures the secondary model transport.
type SubModelConfig struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url"`
	APIKeyEnv   string  `json:"api_key_env"`
	Temperature float64 `json:"temperature"`
}

// Config is the nested automation_config.json. Absent or corrupt files
// load as full defaults; the pipeline never fails on configuration.
type Config struct {
	// GuidelineFrequency is the single authoritative tier-2 reload policy:
	// guidelines load when responseCount == 1 or responseCount is a
	// multiple of this value.
	GuidelineFrequency int `json:"guideline_frequency"`

	// ArcFrequency controls the story-arc regeneration instruction.
	ArcFrequency int `json:"arc_frequency"`

	EscalationWindow    int `json:"escalation_window"`
	EscalationThreshold int `json:"escalation_threshold"`

	TierWorkers              int `json:"tier_workers"`
	ImmediateWorkers         int `json:"immediate_workers"`
	BackgroundWorkers        int `json:"background_workers"`
	ImmediateTimeoutSeconds  int `json:"immediate_timeout_seconds"`
	BackgroundTimeoutSeconds int `json:"background_timeout_seconds"`

	StateCharBudget int `json:"state_char_budget"`
	DebounceMillis  int `json:"debounce_millis"`

	QueueWorkers    int `json:"queue_workers"`
	QueueMaxRetries int `json:"queue_max_retries"`

	// UserCharacter names the player's own character sheet under
	// characters/; tier 1 loads it plus the first non-user sheet found.
	UserCharacter string `json:"user_character"`

	SubModel SubModelConfig `json:"sub_model"`
	Agents   AgentToggles   `json:"agents"`

	Debug bool `json:"debug"`
}

func DefaultConfig() Config {
	return Config{
		GuidelineFrequency:       10,
		ArcFrequency:             50,
		EscalationWindow:         10,
		EscalationThreshold:      3,
		TierWorkers:              8,
		ImmediateWorkers:         4,
		BackgroundWorkers:        6,
		ImmediateTimeoutSeconds:  10,
		BackgroundTimeoutSeconds: 60,
		StateCharBudget:          4000,
		DebounceMillis:           300,
		QueueWorkers:             2,
		QueueMaxRetries:          5,
		UserCharacter:            "User",
		SubModel: SubModelConfig{
			Model:       "deepseek-chat",
			BaseURL:     "https://api.deepseek.com",
			APIKeyEnv:   "SUBMODEL_API_KEY",
			Temperature: 0.3,
		},
		Agents: AgentToggles{
			EntityTier:          true,
			FactExtraction:      true,
			MemoryExtraction:    true,
			PlotThreadsRelevant: true,
			ScenePacing:         true,
			MemorableMoments:    true,
			RelationshipDeltas:  true,
			PlotThreads:         true,
			WorldFacts:          true,
			Contradictions:      false,
		},
	}
}

// LoadConfig reads state/automation_config.json, falling back to defaults
// for a missing or corrupt file. Zero-valued numeric fields are filled
// from defaults so partial configs stay valid.
func LoadConfig(rpDir string, logger *zap.Logger) Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	path := filepath.Join(rpDir, "state", "automation_config.json")

	cfg := def
	if err := fileio.ReadJSON(path, &cfg); err != nil {
		if !fileio.IsNotExist(err) {
			logger.Warn("automation config unreadable; using defaults",
				zap.String("path", path), zap.Error(err))
		}
		return def
	}

	if cfg.GuidelineFrequency <= 0 {
		cfg.GuidelineFrequency = def.GuidelineFrequency
	}
	if cfg.ArcFrequency <= 0 {
		cfg.ArcFrequency = def.ArcFrequency
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = def.EscalationWindow
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = def.EscalationThreshold
	}
	if cfg.TierWorkers <= 0 {
		cfg.TierWorkers = def.TierWorkers
	}
	if cfg.ImmediateWorkers <= 0 {
		cfg.ImmediateWorkers = def.ImmediateWorkers
	}
	if cfg.BackgroundWorkers <= 0 {
		cfg.BackgroundWorkers = def.BackgroundWorkers
	}
	if cfg.ImmediateTimeoutSeconds <= 0 {
		cfg.ImmediateTimeoutSeconds = def.ImmediateTimeoutSeconds
	}
	if cfg.BackgroundTimeoutSeconds <= 0 {
		cfg.BackgroundTimeoutSeconds = def.BackgroundTimeoutSeconds
	}
	if cfg.StateCharBudget <= 0 {
		cfg.StateCharBudget = def.StateCharBudget
	}
	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = def.DebounceMillis
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = def.QueueWorkers
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = def.QueueMaxRetries
	}
	if cfg.UserCharacter == "" {
		cfg.UserCharacter = def.UserCharacter
	}
	if cfg.SubModel.Model == "" {
		cfg.SubModel = def.SubModel
	}
	return cfg
}
