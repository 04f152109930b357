package automation

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storykeep/continuity/entity"
	"github.com/storykeep/continuity/fileio"
)

// TierLoader loads the three context-file tiers. All reads run on a
// bounded pool; a missing or unreadable file is skipped without blocking
// its siblings.
type TierLoader struct {
	rpDir   string
	workers int
	user    string
	index   *entity.Index
	logger  *zap.Logger
}

func NewTierLoader(rpDir string, workers int, userCharacter string, index *entity.Index, logger *zap.Logger) *TierLoader {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierLoader{rpDir: rpDir, workers: workers, user: userCharacter, index: index, logger: logger}
}

// tier1Files is the fixed always-loaded core set, relative to the project
// directory. Character sheets are resolved separately.
var tier1Files = []string{
	"AUTHOR_NOTES.md",
	"STORY_GENOME.md",
	"SCENE_NOTES.md",
	"state/current_state.md",
	"state/story_arc.md",
}

// tier2Files is the fixed periodic guideline set.
var tier2Files = []string{
	"guidelines/writing_style.md",
	"guidelines/pacing_guide.md",
	"guidelines/world_rules.md",
	"guidelines/dialogue_guide.md",
}

// LoadTier1 reads the always-loaded core files: author notes, story
// genome, scene notes, current state, story arc, the user's own character
// sheet, and the first non-user character sheet found.
func (l *TierLoader) LoadTier1(ctx context.Context) map[string]string {
	paths := make([]string, 0, len(tier1Files)+2)
	for _, rel := range tier1Files {
		paths = append(paths, filepath.Join(l.rpDir, rel))
	}
	paths = append(paths, l.characterSheets()...)
	return l.readAll(ctx, paths)
}

// LoadTier2 reads the guideline files when the periodic policy says so:
// the first response, or every freq-th response.
func (l *TierLoader) LoadTier2(ctx context.Context, responseCount, freq int) map[string]string {
	if freq <= 0 {
		freq = 10
	}
	if responseCount != 1 && responseCount%freq != 0 {
		return map[string]string{}
	}
	paths := make([]string, 0, len(tier2Files))
	for _, rel := range tier2Files {
		paths = append(paths, filepath.Join(l.rpDir, rel))
	}
	return l.readAll(ctx, paths)
}

// LoadTier3 asks the trigger matcher which candidate files the message
// activates, then reads the matches. It returns the loaded contents plus
// the matched paths (for history tracking).
func (l *TierLoader) LoadTier3(ctx context.Context, message string, matcher TriggerMatcher) (map[string]string, []string) {
	if matcher == nil {
		return map[string]string{}, nil
	}
	candidates := l.candidateFiles()
	matches, err := matcher.Match(ctx, message, candidates)
	if err != nil {
		l.logger.Warn("trigger matcher failed; tier 3 empty", zap.Error(err))
		return map[string]string{}, nil
	}

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m.Path)
	}
	return l.readAll(ctx, paths), paths
}

// LoadPaths reads an arbitrary set of files with tier semantics (used for
// escalated content).
func (l *TierLoader) LoadPaths(ctx context.Context, paths []string) map[string]string {
	return l.readAll(ctx, paths)
}

func (l *TierLoader) readAll(ctx context.Context, paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil
			}
			content, err := fileio.ReadFileString(path)
			if err != nil {
				if !fileio.IsNotExist(err) {
					l.logger.Warn("context file unreadable; skipped",
						zap.String("path", path), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			out[path] = content
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// characterSheets resolves the user's own sheet and the first non-user
// sheet under characters/.
func (l *TierLoader) characterSheets() []string {
	dir := filepath.Join(l.rpDir, "characters")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []string
	var firstOther string
	userLower := strings.ToLower(l.user)
	for _, name := range names {
		stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
		if userLower != "" && strings.Contains(stem, userLower) {
			out = append(out, filepath.Join(dir, name))
			continue
		}
		if firstOther == "" {
			firstOther = filepath.Join(dir, name)
		}
	}
	if firstOther != "" {
		out = append(out, firstOther)
	}
	return out
}

// candidateFiles is the trigger matcher's search space: every card the
// index knows, or a directory scan when no index is attached.
func (l *TierLoader) candidateFiles() []string {
	if l.index != nil {
		seen := make(map[string]struct{})
		var out []string
		for _, path := range l.index.TriggerPaths() {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
		sort.Strings(out)
		return out
	}

	var out []string
	for _, sub := range []string{"entities", "characters"} {
		dir := filepath.Join(l.rpDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
				continue
			}
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}
