package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := WriteJSON(path, map[string]int{"n": 2}); err != nil {
		t.Fatalf("WriteJSON overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(data), "}\n") {
		t.Errorf("expected trailing newline, got %q", data)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil || got["n"] != 2 {
		t.Fatalf("expected n=2, got %v (%v)", got, err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("expected mode preserved as 0600, got %v", fi.Mode().Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestWriteJSON_Unmarshalable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteJSON(path, make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file written, got %v", err)
	}
}

func TestAppendLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	for _, line := range []string{`{"a":1}`, `{"b":2}`} {
		if err := AppendLine(path, []byte(line)); err != nil {
			t.Fatalf("AppendLine: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{\"a\":1}\n{\"b\":2}\n" {
		t.Errorf("unexpected contents %q", data)
	}
}

func TestAppendLine_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "log.jsonl")
	if err := AppendLine(path, []byte("x")); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}
