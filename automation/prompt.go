package automation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/entity"
)

// BuildInput carries everything one turn contributes to the prompt.
type BuildInput struct {
	Tier1     map[string]string
	Tier2     map[string]string
	Tier3     map[string]string
	Escalated map[string]string

	Message       string
	ResponseCount int

	ElapsedHint  string
	AgentContext string

	// UpdatedFiles are context files that changed since they were last
	// loaded. They lead the dynamic section: ground truth changed.
	UpdatedFiles []string

	ShouldGenerateArc bool

	// LoadedEntities names every entity whose card was injected this turn,
	// via any tier. Drives the consistency checklist.
	LoadedEntities []string

	CacheMode bool
}

// Prompt is either a single full prompt or a (cacheable prefix, dynamic
// suffix) pair for transports with server-side prompt caching.
type Prompt struct {
	Full          string
	CachedPrefix  string
	DynamicSuffix string
	Cached        bool
}

// PromptBuilder merges loaded tiers, agent context and the user message.
// Files living under the entity/character directories are injected through
// the entity index's card formatter so the locked-section invariant holds
// everywhere, not just in tier 3.
type PromptBuilder struct {
	index      *entity.Index
	entityDirs map[string]struct{}
	logger     *zap.Logger
}

func NewPromptBuilder(rpDir string, index *entity.Index, logger *zap.Logger) *PromptBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptBuilder{
		index: index,
		entityDirs: map[string]struct{}{
			filepath.Join(rpDir, "entities"):   {},
			filepath.Join(rpDir, "characters"): {},
		},
		logger: logger,
	}
}

const arcRegenerationBlock = `## STORY ARC CHECKPOINT
This response reaches a story-arc checkpoint. After replying in character,
append a separate section titled "STORY ARC UPDATE" that summarizes the
arc so far: major developments, open threads, and where the story appears
to be heading. Keep it under 300 words.`

const narrativeStyleBlock = `## NARRATIVE STYLE
Stay in third-person limited past tense unless the story has established
otherwise. Show character interiority through action and dialogue. Do not
summarize or skip ahead without an explicit cue from the user.`

// Build assembles the prompt. In cache mode the returned prefix contains
// tier-1 content only: nothing that changes turn-to-turn may enter it, or
// the transport will silently serve stale context on cache hits.
func (p *PromptBuilder) Build(in BuildInput) Prompt {
	prefix := p.buildStableSection(in.Tier1)
	dynamic := p.buildDynamicSection(in)

	if in.CacheMode {
		return Prompt{CachedPrefix: prefix, DynamicSuffix: dynamic, Cached: true}
	}
	return Prompt{Full: prefix + dynamic}
}

// buildStableSection renders tier 1 deterministically: same inputs, same
// bytes.
func (p *PromptBuilder) buildStableSection(tier1 map[string]string) string {
	var b strings.Builder
	b.WriteString("# CORE CONTEXT\n\n")
	for _, path := range sortedKeys(tier1) {
		fmt.Fprintf(&b, "## %s\n%s\n\n", filepath.Base(path), strings.TrimRight(tier1[path], "\n"))
	}
	return b.String()
}

func (p *PromptBuilder) buildDynamicSection(in BuildInput) string {
	var b strings.Builder

	// Ordering below is load-bearing; see the section comments.

	// 1. File updates come first: they represent ground truth changing
	// underneath previously-loaded context.
	if len(in.UpdatedFiles) > 0 {
		b.WriteString("## FILE UPDATES\nThese context files changed since they were last loaded; trust their current content over anything remembered:\n")
		for _, f := range in.UpdatedFiles {
			fmt.Fprintf(&b, "- %s\n", filepath.Base(f))
		}
		b.WriteString("\n")
	}

	// 2. Story-arc regeneration instructions.
	if in.ShouldGenerateArc {
		b.WriteString(arcRegenerationBlock)
		b.WriteString("\n\n")
	}

	// 3. Narrative style guidance.
	b.WriteString(narrativeStyleBlock)
	b.WriteString("\n\n")

	// 4. Elapsed-time suggestion.
	if in.ElapsedHint != "" {
		fmt.Fprintf(&b, "## TIME\n%s\n\n", in.ElapsedHint)
	}

	// 5. Tier 2 guideline content.
	if len(in.Tier2) > 0 {
		b.WriteString("# GUIDELINES (periodic refresh)\n\n")
		for _, path := range sortedKeys(in.Tier2) {
			fmt.Fprintf(&b, "## %s\n%s\n\n", filepath.Base(path), strings.TrimRight(in.Tier2[path], "\n"))
		}
	}

	// 6. Tier 3 conditional content, entity cards routed through the
	// locked-section formatter.
	if len(in.Tier3) > 0 {
		b.WriteString("# SCENE CONTEXT (triggered)\n\n")
		p.writeContextFiles(&b, in.Tier3, "")
	}

	// 7. Escalated tier-3 content, flagged as such.
	if len(in.Escalated) > 0 {
		b.WriteString("# RECURRING CONTEXT (escalated)\n\n")
		p.writeContextFiles(&b, in.Escalated, "escalated: triggered frequently in recent turns")
	}

	// 8. Agent context.
	if in.AgentContext != "" {
		b.WriteString(strings.TrimRight(in.AgentContext, "\n"))
		b.WriteString("\n\n")
	}

	// 9. Character consistency checklist.
	if checklist := p.buildChecklist(in.LoadedEntities); checklist != "" {
		b.WriteString(checklist)
		b.WriteString("\n")
	}

	// 10. The user message, always last.
	fmt.Fprintf(&b, "# USER MESSAGE\n%s\n", in.Message)
	return b.String()
}

func (p *PromptBuilder) writeContextFiles(b *strings.Builder, files map[string]string, note string) {
	for _, path := range sortedKeys(files) {
		header := filepath.Base(path)
		if note != "" {
			header += " (" + note + ")"
		}
		content := files[path]
		if p.isEntityPath(path) {
			if card := p.index.CardByPath(path); card != nil {
				content = card.Format(true)
			}
		}
		fmt.Fprintf(b, "## %s\n%s\n\n", header, strings.TrimRight(content, "\n"))
	}
}

func (p *PromptBuilder) isEntityPath(path string) bool {
	_, ok := p.entityDirs[filepath.Dir(path)]
	return ok
}

var consistencyQuestions = []string{
	"Does the reply keep each character's established voice and mannerisms?",
	"Are motivations consistent with what the story has already shown?",
	"Does any character know something they could not yet know?",
	"Are physical positions and scene facts carried over correctly?",
}

// buildChecklist emits the character-consistency block for the characters
// loaded this turn. Characters with a locked personality section get a
// dedicated strict-adherence list. No characters, no checklist.
func (p *PromptBuilder) buildChecklist(loaded []string) string {
	var characters []*entity.Card
	seen := make(map[string]struct{})
	for _, name := range loaded {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if card := p.index.Get(name); card != nil && card.Kind == entity.KindCharacter {
			characters = append(characters, card)
		}
	}
	if len(characters) == 0 {
		return ""
	}
	sort.Slice(characters, func(i, j int) bool { return characters[i].Name < characters[j].Name })

	var b strings.Builder
	b.WriteString("# CHARACTER CONSISTENCY\n")

	var locked []string
	for _, c := range characters {
		if c.LockedPersonality != "" {
			locked = append(locked, c.Name)
		}
	}
	if len(locked) > 0 {
		b.WriteString("STRICT ADHERENCE REQUIRED — these characters have immutable personality cores:\n")
		for _, name := range locked {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}

	b.WriteString("Before finalizing the reply, check for every character in scene:\n")
	for _, q := range consistencyQuestions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
