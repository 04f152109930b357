package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storykeep/continuity/fileio"
)

// The agent cache is the write/read contract between the background phase
// of one turn and the immediate phase of the next.

type CacheMeta struct {
	RespNum    int    `json:"resp_num"`
	Updated    string `json:"updated"`
	Status     string `json:"status"`
	AgentsRun  int    `json:"agents_run"`
	AgentsOK   int    `json:"agents_ok"`
	AgentsFail int    `json:"agents_fail"`
}

type CacheStats struct {
	BgDurMillis int64   `json:"bg_dur"`
	BgCost      float64 `json:"bg_cost"`
	ImDurMillis int64   `json:"im_dur"`
	ImCost      float64 `json:"im_cost"`
	TotalDur    int64   `json:"total_dur"`
	TotalCost   float64 `json:"total_cost"`
}

type Cache struct {
	Meta       CacheMeta                  `json:"meta"`
	Background map[string]json.RawMessage `json:"background"`
	Immediate  map[string]json.RawMessage `json:"immediate"`
	Stats      CacheStats                 `json:"stats"`
}

// SaveCache serializes the coordinator's completed results keyed by
// category then agent id. Each successful agent's output is stored as its
// parsed JSON payload; output that still is not JSON after the agent's own
// FormatOutput defense is wrapped in a {raw, error} envelope rather than
// dropped.
func (c *Coordinator) SaveCache(path string, responseNumber int) error {
	results := c.Results()
	stats := c.Stats()

	cache := Cache{
		Meta: CacheMeta{
			RespNum:    responseNumber,
			Updated:    time.Now().UTC().Format(time.RFC3339),
			Status:     "fresh",
			AgentsRun:  stats.Total,
			AgentsOK:   stats.Succeeded,
			AgentsFail: stats.Failed,
		},
		Background: make(map[string]json.RawMessage),
		Immediate:  make(map[string]json.RawMessage),
	}

	for _, r := range results {
		if !r.Success {
			continue
		}
		payload := toRawJSON(r.Content)
		switch r.Class {
		case ClassBackground:
			cache.Background[r.ID] = payload
			cache.Stats.BgDurMillis += r.Duration.Milliseconds()
		default:
			cache.Immediate[r.ID] = payload
			cache.Stats.ImDurMillis += r.Duration.Milliseconds()
		}
	}
	cache.Stats.TotalDur = cache.Stats.BgDurMillis + cache.Stats.ImDurMillis

	if err := fileio.WriteJSONAtomic(path, cache, true); err != nil {
		return fmt.Errorf("save agent cache: %w", err)
	}
	return nil
}

func toRawJSON(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	env := map[string]string{
		"raw":   fileio.Truncate(content, 500),
		"error": "non-json",
	}
	b, err := json.Marshal(env)
	if err != nil {
		return json.RawMessage(`{"error":"non-json"}`)
	}
	return json.RawMessage(b)
}

// LoadCache reads the agent cache. A missing or corrupt file yields an
// empty cache and no error: the next turn simply runs without background
// context.
func LoadCache(path string) (Cache, error) {
	var cache Cache
	if err := fileio.ReadJSON(path, &cache); err != nil {
		if fileio.IsNotExist(err) {
			return Cache{}, nil
		}
		return Cache{}, err
	}
	return cache, nil
}

// Digest condenses a cache into a short natural-language block for the
// next prompt. The condensation is a fixed set of per-category rules, not
// another model call: it must stay deterministic and cheap.
func (c Cache) Digest() string {
	if len(c.Background) == 0 && len(c.Immediate) == 0 {
		return ""
	}

	var lines []string

	if raw, ok := c.Background["scene_pacing"]; ok {
		var sp scenePacingOutput
		if json.Unmarshal(raw, &sp) == nil && sp.SceneType != "" {
			lines = append(lines, fmt.Sprintf("Previous scene: %s, pacing %s, tension %d/10.",
				sp.SceneType, sp.Pacing, sp.TensionLevel))
		}
	}

	// Top memorable moment by significance.
	if raw, ok := c.Background["memorable_moments"]; ok {
		var mm memorableMomentsOutput
		if json.Unmarshal(raw, &mm) == nil && len(mm.Moments) > 0 {
			best := mm.Moments[0]
			for _, m := range mm.Moments[1:] {
				if m.Significance > best.Significance {
					best = m
				}
			}
			lines = append(lines, fmt.Sprintf("Key moment last turn: %s (%s).",
				strings.TrimRight(best.Description, "."), best.Characters))
		}
	}

	// At most two relationship deltas.
	if raw, ok := c.Background["relationship_deltas"]; ok {
		var rd relationshipDeltasOutput
		if json.Unmarshal(raw, &rd) == nil {
			for i, d := range rd.Deltas {
				if i >= 2 {
					break
				}
				lines = append(lines, fmt.Sprintf("Relationship shift — %s: %s (%s).",
					d.Pair, strings.TrimRight(d.Change, "."), d.Direction))
			}
		}
	}

	// At most three active plot threads, preferring new over mentioned.
	if raw, ok := c.Background["plot_threads"]; ok {
		var pt plotThreadsOutput
		if json.Unmarshal(raw, &pt) == nil {
			threads := append(append([]string(nil), pt.New...), pt.Mentioned...)
			if len(threads) > 3 {
				threads = threads[:3]
			}
			if len(threads) > 0 {
				lines = append(lines, "Active plot threads: "+strings.Join(threads, "; ")+".")
			}
			if len(pt.Resolved) > 0 {
				lines = append(lines, "Resolved last turn: "+strings.Join(pt.Resolved, "; ")+".")
			}
		}
	}

	// At most three new world facts.
	if raw, ok := c.Background["world_facts"]; ok {
		var wf worldFactsOutput
		if json.Unmarshal(raw, &wf) == nil {
			for i, f := range wf.Facts {
				if i >= 3 {
					break
				}
				lines = append(lines, "Established: "+strings.TrimRight(f.Fact, ".")+".")
			}
		}
	}

	if raw, ok := c.Background["contradictions"]; ok {
		var cd contradictionsOutput
		if json.Unmarshal(raw, &cd) == nil && len(cd.Contradictions) > 0 {
			worst := cd.Contradictions[0]
			lines = append(lines, fmt.Sprintf("Continuity warning (%s): %s",
				worst.Severity, worst.Description))
		}
	}

	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Background Analysis (previous turn)\n")
	for _, l := range lines {
		b.WriteString("- " + l + "\n")
	}
	return b.String()
}

// LoadCacheDigest is the one-call form the orchestrator uses.
func LoadCacheDigest(path string) string {
	cache, err := LoadCache(path)
	if err != nil {
		return ""
	}
	return cache.Digest()
}
