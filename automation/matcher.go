package automation

import (
	"context"
	"sort"

	"github.com/storykeep/continuity/entity"
)

// Match is one trigger-matcher hit: a candidate file the current message
// activated.
type Match struct {
	Path   string
	Score  float64
	Reason string
}

// TriggerMatcher maps a message plus candidate files to ranked matches.
// The semantic engine behind it is external; this interface is the whole
// contract the pipeline depends on.
type TriggerMatcher interface {
	Match(ctx context.Context, message string, candidates []string) ([]Match, error)
}

// IndexMatcher is the built-in fallback matcher: a case-insensitive
// substring scan over the entity index's trigger words.
type IndexMatcher struct {
	Index *entity.Index
}

func (m *IndexMatcher) Match(ctx context.Context, message string, candidates []string) ([]Match, error) {
	mentioned := m.Index.DetectMentioned(message)
	allowed := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		allowed[c] = struct{}{}
	}

	var out []Match
	for _, name := range mentioned {
		card := m.Index.Get(name)
		if card == nil || card.SourcePath == "" {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[card.SourcePath]; !ok {
				continue
			}
		}
		out = append(out, Match{Path: card.SourcePath, Score: 1, Reason: "trigger word"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
