package automation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/storykeep/continuity/entity"
	"github.com/storykeep/continuity/fileio"
	"github.com/storykeep/continuity/provider"
	"github.com/storykeep/continuity/queue"
)

// draftCaller answers every call with a valid card draft.
type draftCaller struct{}

func (draftCaller) Call(context.Context, provider.Request) (string, error) {
	return `{"description":"A wary smuggler working the night docks.","personality":"Wary, loyal to a fault.","trigger_words":["vex","the smuggler"],"key_facts":["Owes Mira a debt."]}`, nil
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fileio.FileExists(path) {
		if time.Now().After(deadline) {
			t.Fatalf("file never appeared: %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCardAuthor_DraftsMissingCard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ix := entity.NewIndex(nil)

	q := queue.New(queue.Options{Workers: 1}, nil)
	q.Start()
	defer q.Close()

	ca := NewCardAuthor(dir, ix, draftCaller{}, q, nil)
	if id := ca.Enqueue("Vex", entity.KindCharacter, "Vex slipped past the harbor watch."); id == "" {
		t.Fatalf("Enqueue skipped a name the index does not know")
	}

	path := filepath.Join(dir, "characters", "[CHAR] Vex.md")
	waitForFile(t, path)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read card: %v", err)
	}
	body := string(b)
	if !strings.Contains(body, "[Triggers: vex, the smuggler]") {
		t.Fatalf("triggers missing:\n%s", body)
	}
	if !strings.Contains(body, "## Personality") || !strings.Contains(body, "## Key Facts") {
		t.Fatalf("sections missing:\n%s", body)
	}

	if ix.Get("Vex") == nil {
		t.Fatalf("drafted card not indexed")
	}
}

func TestCardAuthor_SkipsExistingCard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ix := entity.NewIndex(nil)
	if _, err := ix.CreateCard(filepath.Join(dir, "characters"), "Vex", entity.KindCharacter, "Already on disk.\n"); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}

	q := queue.New(queue.Options{Workers: 1}, nil)
	q.Start()
	defer q.Close()

	ca := NewCardAuthor(dir, ix, draftCaller{}, q, nil)
	if id := ca.Enqueue("Vex", entity.KindCharacter, "excerpt"); id != "" {
		t.Fatalf("Enqueue scheduled a draft for an existing card (task %s)", id)
	}
}
