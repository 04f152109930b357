package automation

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/agents"
	"github.com/storykeep/continuity/entity"
	"github.com/storykeep/continuity/fileio"
	"github.com/storykeep/continuity/provider"
	"github.com/storykeep/continuity/queue"
)

// Profiling breaks down where one turn's wall-clock time went.
type Profiling struct {
	CounterUpdate   time.Duration
	TierLoad        time.Duration
	TriggerTrack    time.Duration
	ImmediateAgents time.Duration
	PromptBuild     time.Duration
	Total           time.Duration
}

// Orchestrator sequences one turn end to end. Of all its stages only two
// can fail the turn: the counter update (every downstream stage keys off
// the count) and the prompt build. Everything else degrades to less
// context.
type Orchestrator struct {
	rpDir  string
	cfg    Config
	logger *zap.Logger

	index   *entity.Index
	loader  *TierLoader
	history *History
	counter *Counter
	builder *PromptBuilder
	matcher TriggerMatcher
	caller  provider.Caller

	watcher   *Watcher
	debounced *fileio.DebouncedWriter
	status    *StatusWriter
	tasks     *queue.Queue
	cards     *CardAuthor

	agentCachePath string
	mtimePath      string
}

func NewOrchestrator(rpDir string, cfg Config, caller provider.Caller, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	index := entity.NewIndex(logger)
	entityDirs := []string{
		filepath.Join(rpDir, "entities"),
		filepath.Join(rpDir, "characters"),
	}
	if err := index.ScanAndIndex(entityDirs...); err != nil {
		return nil, fmt.Errorf("index entities: %w", err)
	}

	debounced := fileio.NewDebouncedWriter(time.Duration(cfg.DebounceMillis)*time.Millisecond, logger)

	tasks := queue.New(queue.Options{
		Workers:      cfg.QueueWorkers,
		MaxRetries:   cfg.QueueMaxRetries,
		SnapshotPath: filepath.Join(rpDir, "state", "task_queue.json"),
	}, logger)
	tasks.Start()

	o := &Orchestrator{
		rpDir:   rpDir,
		cfg:     cfg,
		logger:  logger,
		index:   index,
		loader:  NewTierLoader(rpDir, cfg.TierWorkers, cfg.UserCharacter, index, logger),
		history: NewHistory(rpDir, cfg.EscalationWindow, cfg.EscalationThreshold, logger),
		counter: NewCounter(rpDir),
		builder: NewPromptBuilder(rpDir, index, logger),
		matcher: &IndexMatcher{Index: index},
		caller:  caller,

		debounced: debounced,
		tasks:     tasks,

		agentCachePath: filepath.Join(rpDir, "state", "agent_analysis.json"),
		mtimePath:      filepath.Join(rpDir, "state", "file_mtimes.json"),
	}
	o.status = NewStatusWriter(rpDir, debounced)
	o.cards = NewCardAuthor(rpDir, index, caller, tasks, logger)

	// Live file watching is best effort; the mtime snapshot covers process
	// restarts and platforms where inotify is unavailable.
	if w, err := NewWatcher(logger); err == nil {
		w.WatchDirs(append(entityDirs, rpDir, filepath.Join(rpDir, "state"), filepath.Join(rpDir, "guidelines"))...)
		o.watcher = w
	} else {
		logger.Warn("file watcher unavailable; relying on mtime snapshots", zap.Error(err))
	}

	return o, nil
}

// SetMatcher replaces the built-in trigger matcher.
func (o *Orchestrator) SetMatcher(m TriggerMatcher) {
	if m != nil {
		o.matcher = m
	}
}

// Index exposes the entity index to callers that reload cards externally.
func (o *Orchestrator) Index() *entity.Index { return o.index }

// Cards exposes the background card author.
func (o *Orchestrator) Cards() *CardAuthor { return o.cards }

// RunAutomation runs the full turn pipeline and returns a single assembled
// prompt plus the names of the entities loaded into it.
func (o *Orchestrator) RunAutomation(ctx context.Context, message string) (string, []string, error) {
	prompt, entities, _, err := o.run(ctx, message, false)
	if err != nil {
		return "", nil, err
	}
	return prompt.Full, entities, nil
}

// RunAutomationWithCaching is RunAutomation for transports with prompt
// caching: the result is split into a stable cacheable prefix and a
// per-turn dynamic suffix, with per-stage profiling.
func (o *Orchestrator) RunAutomationWithCaching(ctx context.Context, message string) (Prompt, []string, *Profiling, error) {
	return o.run(ctx, message, true)
}

func (o *Orchestrator) run(ctx context.Context, message string, cacheMode bool) (Prompt, []string, *Profiling, error) {
	prof := &Profiling{}
	start := time.Now()

	stageStart := time.Now()
	count, elapsed, err := o.counter.Increment()
	prof.CounterUpdate = time.Since(stageStart)
	if err != nil {
		return Prompt{}, nil, prof, fmt.Errorf("response counter: %w", err)
	}

	stageStart = time.Now()
	tier1 := o.loader.LoadTier1(ctx)
	tier2 := o.loader.LoadTier2(ctx, count, o.cfg.GuidelineFrequency)
	tier3, triggered := o.loader.LoadTier3(ctx, message, o.matcher)
	prof.TierLoad = time.Since(stageStart)

	stageStart = time.Now()
	escalatedPaths, err := o.history.Track(triggered)
	if err != nil {
		o.logger.Warn("trigger history update failed; no escalation this turn", zap.Error(err))
		escalatedPaths = nil
	}
	// Escalated files already loaded by tier 3 this turn stay in tier 3.
	var extra []string
	for _, p := range escalatedPaths {
		if _, ok := tier3[p]; !ok {
			extra = append(extra, p)
		}
	}
	escalated := o.loader.LoadPaths(ctx, extra)
	prof.TriggerTrack = time.Since(stageStart)

	updated := o.collectUpdatedFiles()

	charactersInScene := o.detectCharacters(message)

	stageStart = time.Now()
	agentContext, agentStats := o.runImmediateAgents(ctx, message, count, charactersInScene)
	prof.ImmediateAgents = time.Since(stageStart)

	if digest := agents.LoadCacheDigest(o.agentCachePath); digest != "" {
		if agentContext != "" {
			agentContext = digest + "\n" + agentContext
		} else {
			agentContext = digest
		}
	}

	loadedEntities := o.collectEntityNames(tier3, escalated, charactersInScene)

	stageStart = time.Now()
	prompt := o.builder.Build(BuildInput{
		Tier1:             tier1,
		Tier2:             tier2,
		Tier3:             tier3,
		Escalated:         escalated,
		Message:           message,
		ResponseCount:     count,
		ElapsedHint:       ElapsedHint(elapsed),
		AgentContext:      agentContext,
		UpdatedFiles:      updated,
		ShouldGenerateArc: o.cfg.ArcFrequency > 0 && count > 0 && count%o.cfg.ArcFrequency == 0,
		LoadedEntities:    loadedEntities,
		CacheMode:         cacheMode,
	})
	prof.PromptBuild = time.Since(stageStart)
	prof.Total = time.Since(start)

	o.snapshotLoaded(tier1, tier2, tier3, escalated)

	o.status.Record(TurnStatus{
		ResponseNumber: count,
		LoadedEntities: loadedEntities,
		Escalated:      escalatedPaths,
		UpdatedFiles:   updated,
		AgentStats:     agentStats,
		Profiling:      prof,
	})

	o.logger.Info("turn assembled",
		zap.Int("response", count),
		zap.Int("tier1", len(tier1)),
		zap.Int("tier2", len(tier2)),
		zap.Int("tier3", len(tier3)),
		zap.Int("escalated", len(escalated)),
		zap.Strings("entities", loadedEntities),
		zap.Duration("total", prof.Total))

	return prompt, loadedEntities, prof, nil
}

// RunBackgroundAgents analyzes the assistant's reply after the turn and
// persists the results to the agent cache for the next turn's prompt.
func (o *Orchestrator) RunBackgroundAgents(ctx context.Context, reply string, responseNumber int, charactersInScene []string) error {
	// Scene characters without a card on disk get one drafted on the task
	// queue; Enqueue skips names the index already knows.
	for _, name := range charactersInScene {
		o.cards.Enqueue(name, entity.KindCharacter, reply)
	}

	env := o.agentEnv(reply, responseNumber, charactersInScene)

	coord := agents.NewCoordinator(o.caller, o.cfg.BackgroundWorkers, o.cfg.SubModel.Temperature, o.logger)
	t := o.cfg.Agents
	if t.ScenePacing {
		coord.Add(&agents.ScenePacingAgent{Env: env})
	}
	if t.MemorableMoments {
		coord.Add(&agents.MemorableMomentsAgent{Env: env})
	}
	if t.RelationshipDeltas {
		coord.Add(&agents.RelationshipDeltasAgent{Env: env})
	}
	if t.PlotThreads {
		coord.Add(&agents.PlotThreadsAgent{Env: env})
	}
	if t.WorldFacts {
		coord.Add(&agents.WorldFactsAgent{Env: env})
	}
	if t.Contradictions {
		coord.Add(&agents.ContradictionsAgent{Env: env})
	}

	timeout := time.Duration(o.cfg.BackgroundTimeoutSeconds) * time.Second
	if _, err := coord.RunAll(ctx, timeout, true); err != nil {
		return fmt.Errorf("background agents: %w", err)
	}
	if err := coord.SaveCache(o.agentCachePath, responseNumber); err != nil {
		return err
	}

	stats := coord.Stats()
	o.logger.Info("background analysis cached",
		zap.Int("response", responseNumber),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed))
	return nil
}

func (o *Orchestrator) runImmediateAgents(ctx context.Context, message string, count int, charactersInScene []string) (string, agents.Stats) {
	env := o.agentEnv(message, count, charactersInScene)

	coord := agents.NewCoordinator(o.caller, o.cfg.ImmediateWorkers, o.cfg.SubModel.Temperature, o.logger)
	t := o.cfg.Agents
	if t.EntityTier {
		coord.Add(&agents.EntityTierAgent{Env: env})
	}
	if t.FactExtraction {
		coord.Add(&agents.FactExtractionAgent{Env: env})
	}
	if t.MemoryExtraction {
		coord.Add(&agents.MemoryExtractionAgent{Env: env})
	}
	if t.PlotThreadsRelevant {
		coord.Add(&agents.RelevantThreadsAgent{Env: env})
	}

	timeout := time.Duration(o.cfg.ImmediateTimeoutSeconds) * time.Second
	block, err := coord.RunAll(ctx, timeout, true)
	if err != nil {
		o.logger.Warn("immediate agents failed; prompt proceeds without analysis", zap.Error(err))
		return "", coord.Stats()
	}
	return block, coord.Stats()
}

func (o *Orchestrator) agentEnv(text string, count int, charactersInScene []string) agents.Env {
	return agents.Env{
		RPDir:             o.rpDir,
		Index:             o.index,
		Text:              text,
		ResponseNumber:    count,
		CharactersInScene: charactersInScene,
		StateCharBudget:   o.cfg.StateCharBudget,
	}
}

// detectCharacters returns the character names the message mentions.
func (o *Orchestrator) detectCharacters(message string) []string {
	mentioned := make(map[string]struct{})
	for _, name := range o.index.DetectMentioned(message) {
		mentioned[name] = struct{}{}
	}
	var out []string
	for _, c := range o.index.Characters() {
		if _, ok := mentioned[c.Name]; ok {
			out = append(out, c.Name)
		}
	}
	return out
}

// collectUpdatedFiles merges live watcher events with the cross-restart
// mtime comparison, deduplicated and sorted.
func (o *Orchestrator) collectUpdatedFiles() []string {
	// The pipeline's own status file changes every turn; reporting it would
	// be noise.
	statusPath := filepath.Join(o.rpDir, "CURRENT_STATUS.md")

	seen := make(map[string]struct{})
	if o.watcher != nil {
		for _, p := range o.watcher.Drain() {
			if p != statusPath {
				seen[p] = struct{}{}
			}
		}
	}
	for _, p := range ChangedSinceSnapshot(o.mtimePath) {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// snapshotLoaded persists mtimes for every file this turn loaded so the
// next run (possibly in a new process) can detect edits.
func (o *Orchestrator) snapshotLoaded(tiers ...map[string]string) {
	var paths []string
	for _, tier := range tiers {
		for p := range tier {
			paths = append(paths, p)
		}
	}
	if err := SnapshotMtimes(o.mtimePath, paths); err != nil {
		o.logger.Warn("mtime snapshot failed", zap.Error(err))
	}
}

func (o *Orchestrator) collectEntityNames(tier3, escalated map[string]string, characters []string) []string {
	seen := make(map[string]struct{})
	add := func(name string) {
		if name != "" {
			seen[name] = struct{}{}
		}
	}
	for path := range tier3 {
		if card := o.index.CardByPath(path); card != nil {
			add(card.Name)
		}
	}
	for path := range escalated {
		if card := o.index.CardByPath(path); card != nil {
			add(card.Name)
		}
	}
	for _, name := range characters {
		add(name)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close flushes pending debounced writes and stops the watcher and queue.
func (o *Orchestrator) Close() {
	if o.watcher != nil {
		o.watcher.Close()
	}
	o.tasks.Close()
	o.debounced.Close()
}
