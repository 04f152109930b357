package entity

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/fileio"
)

// Index holds parsed cards by name plus the derived trigger lookup. The
// trigger map references cards by name string, not by pointer, so the two
// structures stay independently rebuildable.
type Index struct {
	logger *zap.Logger

	mu       sync.RWMutex
	cards    map[string]*Card  // name -> card
	triggers map[string]string // lower-cased trigger -> name
}

func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		logger:   logger,
		cards:    make(map[string]*Card),
		triggers: make(map[string]string),
	}
}

// ScanAndIndex walks the given directories, parses every markdown file and
// rebuilds both indexes. Parse failures for individual files are logged and
// skipped; they never abort the scan.
func (ix *Index) ScanAndIndex(dirs ...string) error {
	cards := make(map[string]*Card)
	triggers := make(map[string]string)

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
				return nil
			}
			card, perr := ParseFile(path)
			if perr != nil {
				ix.logger.Warn("skipping unparseable card",
					zap.String("path", path), zap.Error(perr))
				return nil
			}
			cards[card.Name] = card
			for _, t := range card.TriggerWords {
				triggers[t] = card.Name
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
	}

	ix.mu.Lock()
	ix.cards = cards
	ix.triggers = triggers
	ix.mu.Unlock()

	ix.logger.Info("entity index rebuilt",
		zap.Int("cards", len(cards)), zap.Int("triggers", len(triggers)))
	return nil
}

// Get returns the card for name, or nil when absent.
func (ix *Index) Get(name string) *Card {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cards[name]
}

// Names returns all indexed entity names, sorted.
func (ix *Index) Names() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	names := make([]string, 0, len(ix.cards))
	for n := range ix.cards {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Characters returns all cards of kind character.
func (ix *Index) Characters() []*Card {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*Card
	for _, c := range ix.cards {
		if c.Kind == KindCharacter {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadCard returns the card's formatted text for prompt injection.
func (ix *Index) LoadCard(name string, highlightLocked bool) (string, error) {
	card := ix.Get(name)
	if card == nil {
		return "", fmt.Errorf("entity %q not indexed", name)
	}
	return card.Format(highlightLocked), nil
}

// Reload re-parses one card file and patches the trigger index
// incrementally: the old card's triggers are removed, the new ones added.
func (ix *Index) Reload(path string) (*Card, error) {
	card, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Drop any previous card parsed from the same file (its name may have
	// changed), along with its triggers.
	for name, old := range ix.cards {
		if old.SourcePath != path {
			continue
		}
		for _, t := range old.TriggerWords {
			if ix.triggers[t] == name {
				delete(ix.triggers, t)
			}
		}
		delete(ix.cards, name)
	}

	ix.cards[card.Name] = card
	for _, t := range card.TriggerWords {
		ix.triggers[t] = card.Name
	}
	return card, nil
}

// DetectMentioned does a naive case-insensitive substring scan of the
// trigger index against text and returns matched entity names. False
// positives from substring overlap are accepted; this is meant to be cheap.
func (ix *Index) DetectMentioned(text string) []string {
	lower := strings.ToLower(text)

	ix.mu.RLock()
	seen := make(map[string]struct{})
	for trigger, name := range ix.triggers {
		if strings.Contains(lower, trigger) {
			seen[name] = struct{}{}
		}
	}
	ix.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TriggerPaths maps each trigger word to the source path of its entity,
// for handing the trigger matcher a candidate file set.
func (ix *Index) TriggerPaths() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]string, len(ix.triggers))
	for t, name := range ix.triggers {
		if c, ok := ix.cards[name]; ok {
			out[t] = c.SourcePath
		}
	}
	return out
}

// CardByPath returns the indexed card whose snapshot came from path.
func (ix *Index) CardByPath(path string) *Card {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, c := range ix.cards {
		if c.SourcePath == path {
			return c
		}
	}
	return nil
}

// CreateCard writes a new card file under dir and indexes it. Used by the
// background card-authoring task.
func (ix *Index) CreateCard(dir, name string, kind Kind, body string) (*Card, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("entity name is empty")
	}
	tag := ""
	switch kind {
	case KindCharacter:
		tag = "[CHAR] "
	case KindLocation:
		tag = "[LOC] "
	case KindOrganization:
		tag = "[ORG] "
	}
	filename := tag + name + ".md"
	path := filepath.Join(dir, filename)
	if fileio.FileExists(path) {
		return nil, fmt.Errorf("card already exists: %s", path)
	}
	if err := fileio.WriteFileAtomic(path, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("write card: %w", err)
	}
	return ix.Reload(path)
}
