package fileio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic_CreatesDirsAndLeavesNoTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	if err := WriteFileAtomic(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("content=%q, want hello", b)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp_write_") {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestReadJSON_MissingFileIsNotExist(t *testing.T) {
	t.Parallel()

	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err == nil || !IsNotExist(err) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestReadJSON_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "counter.json")
	if err := WriteJSONAtomic(path, map[string]int{"n": 7}, true); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	var v map[string]int
	if err := ReadJSON(path, &v); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if v["n"] != 7 {
		t.Fatalf("n=%d, want 7", v["n"])
	}
}

func TestDecodeModelJSON_ToleratesWrapperText(t *testing.T) {
	t.Parallel()

	var out struct {
		Name string `json:"name"`
	}
	raw := "Sure! Here is the JSON you asked for:\n{\"name\": \"Mira\"}\nLet me know if you need anything else."
	if err := DecodeModelJSON(raw, &out); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if out.Name != "Mira" {
		t.Fatalf("name=%q, want Mira", out.Name)
	}
}

func TestDecodeModelJSON_NoObject(t *testing.T) {
	t.Parallel()

	var v any
	if err := DecodeModelJSON("no json here at all", &v); err == nil {
		t.Fatalf("expected error for non-JSON input")
	}
	if err := DecodeModelJSON("   ", &v); err == nil {
		t.Fatalf("expected error for blank input")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("abcdef", 4); got != "abcd…" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("  abc  ", 0); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
