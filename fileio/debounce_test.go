package fileio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDebouncedWriter_CoalescesLastWriteWins(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.md")
	w := NewDebouncedWriter(30*time.Millisecond, nil)

	w.Write(path, []byte("first"))
	w.Write(path, []byte("second"))
	w.Write(path, []byte("third"))

	// Nothing should be on disk before the window elapses.
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("write landed before debounce window")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if b, err := os.ReadFile(path); err == nil {
			if string(b) != "third" {
				t.Fatalf("content=%q, want third", b)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced write never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebouncedWriter_FlushDrainsPending(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.md")
	w := NewDebouncedWriter(10*time.Second, nil)

	w.Write(path, []byte("pending"))
	w.Flush()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after flush: %v", err)
	}
	if string(b) != "pending" {
		t.Fatalf("content=%q, want pending", b)
	}
}

func TestDebouncedWriter_WriteAfterCloseIsImmediate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.md")
	w := NewDebouncedWriter(10*time.Second, nil)
	w.Close()

	w.Write(path, []byte("late"))
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after late write: %v", err)
	}
	if string(b) != "late" {
		t.Fatalf("content=%q, want late", b)
	}
}
