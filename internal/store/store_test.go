package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testStore writes doc to a temp backlog file and returns a store on it.
func testStore(t *testing.T, doc string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.json")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return New(path, WithClock(func() time.Time { return fixedNow }), WithLockRetry(time.Millisecond))
}

const twoStories = `{
  "version": 1,
  "project": "demo",
  "qualityGates": ["go test ./..."],
  "stories": [
    {"id": "A", "title": "First", "status": "open"},
    {"id": "B", "title": "Second", "status": "open", "dependsOn": ["A"]}
  ]
}`

func TestLoad_NotFound(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))

	_, err := s.Load(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = s.WithTransaction(context.Background(), func(*Document) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from transaction, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	s := testStore(t, twoStories)

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Project != "demo" {
		t.Errorf("expected project 'demo', got %q", doc.Project)
	}
	if len(doc.Stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(doc.Stories))
	}
	if doc.Stories[1].DependsOn[0] != "A" {
		t.Errorf("expected B to depend on A, got %v", doc.Stories[1].DependsOn)
	}
}

func TestWithTransaction_WritesPrettyJSON(t *testing.T) {
	s := testStore(t, twoStories)

	err := s.WithTransaction(context.Background(), func(doc *Document) error {
		doc.Stories[0].Title = "Renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.HasSuffix(string(data), "}\n") {
		t.Errorf("expected trailing newline, got %q", data[len(data)-3:])
	}
	if !strings.Contains(string(data), "\n  \"project\": \"demo\"") {
		t.Errorf("expected two-space indented output, got:\n%s", data)
	}
	if !json.Valid(data) {
		t.Fatal("written document is not valid JSON")
	}

	doc, _ := s.Load(context.Background())
	if doc.Stories[0].Title != "Renamed" {
		t.Errorf("expected 'Renamed', got %q", doc.Stories[0].Title)
	}
}

func TestWithTransaction_CorruptFailsClosed(t *testing.T) {
	cases := map[string]string{
		"truncated":      `{"project": "demo", "stories": [`,
		"null":           `null`,
		"empty object":   `{}`,
		"string":         `"x"`,
		"no stories":     `{"project": "demo", "userStories": [{"id": "A"}]}`,
		"null stories":   `{"project": "demo", "stories": null}`,
		"object stories": `{"stories": {"a": 1}}`,
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			s := testStore(t, corrupt)

			called := false
			err := s.WithTransaction(context.Background(), func(*Document) error {
				called = true
				return nil
			})
			if !errors.Is(err, ErrCorruptDocument) {
				t.Fatalf("expected ErrCorruptDocument, got %v", err)
			}
			if called {
				t.Error("transaction body must not run on a corrupt document")
			}

			data, _ := os.ReadFile(s.Path())
			if string(data) != corrupt {
				t.Errorf("corrupt document was modified: %q", data)
			}

			if _, err := s.Load(context.Background()); !errors.Is(err, ErrCorruptDocument) {
				t.Errorf("expected ErrCorruptDocument from Load, got %v", err)
			}
		})
	}
}

func TestWithTransaction_EmptyStoriesIsValid(t *testing.T) {
	s := testStore(t, `{"project": "demo", "stories": []}`)

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Stories) != 0 || doc.Remaining() != 0 {
		t.Errorf("expected an empty backlog, got %+v", doc.Stories)
	}
}

func TestWithTransaction_ErrorDiscardsChanges(t *testing.T) {
	s := testStore(t, twoStories)
	before, _ := os.ReadFile(s.Path())

	boom := errors.New("boom")
	err := s.WithTransaction(context.Background(), func(doc *Document) error {
		doc.Stories[0].Status = StatusDone
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Error("document changed despite transaction error")
	}
}

func TestWithTransaction_PreservesUnknownFields(t *testing.T) {
	s := testStore(t, `{
  "project": "demo",
  "branchName": "feature/x",
  "qualityGates": [],
  "stories": [{"id": "A", "title": "First", "status": "open", "priority": 3, "notes": "keep me"}]
}`)

	err := s.WithTransaction(context.Background(), func(doc *Document) error {
		doc.Stories[0].Status = StatusInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	var raw map[string]any
	data, _ := os.ReadFile(s.Path())
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["branchName"] != "feature/x" {
		t.Errorf("top-level unknown field lost: %v", raw["branchName"])
	}
	story := raw["stories"].([]any)[0].(map[string]any)
	if story["notes"] != "keep me" || story["priority"] != float64(3) {
		t.Errorf("story unknown fields lost: %v", story)
	}
	if story["status"] != "in_progress" {
		t.Errorf("expected in_progress, got %v", story["status"])
	}
}

func TestWithTransaction_Concurrent(t *testing.T) {
	s := testStore(t, twoStories)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Separate Store values open separate lock handles, like separate processes.
			other := New(s.Path(), WithLockRetry(time.Millisecond))
			errs <- other.WithTransaction(context.Background(), func(doc *Document) error {
				doc.Stories = append(doc.Stories, Story{
					ID:     fmt.Sprintf("extra-%d", n),
					Title:  strings.Repeat("x", 512),
					Status: StatusOpen,
				})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent transaction: %v", err)
		}
	}

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after concurrent writes: %v", err)
	}
	if len(doc.Stories) != 2+writers {
		t.Fatalf("expected %d stories (no lost updates), got %d", 2+writers, len(doc.Stories))
	}
}

func TestComplete(t *testing.T) {
	s := testStore(t, twoStories)
	ctx := context.Background()

	if _, err := s.SelectNext(ctx, 0); err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if err := s.Complete(ctx, "A"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	doc, _ := s.Load(ctx)
	a, _ := doc.Find("A")
	if a.Status != StatusDone {
		t.Errorf("expected done, got %s", a.Status)
	}
	if a.CompletedAt == nil || *a.CompletedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("expected completedAt stamped, got %v", a.CompletedAt)
	}

	// done is terminal.
	if err := s.Reopen(ctx, "A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition reopening done story, got %v", err)
	}
	if err := s.Complete(ctx, "A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition completing done story, got %v", err)
	}
}

func TestReopen(t *testing.T) {
	s := testStore(t, twoStories)
	ctx := context.Background()

	if _, err := s.SelectNext(ctx, 0); err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if err := s.Reopen(ctx, "A"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	doc, _ := s.Load(ctx)
	a, _ := doc.Find("A")
	if a.Status != StatusOpen {
		t.Errorf("expected open, got %s", a.Status)
	}
	if a.StartedAt == nil {
		t.Error("expected startedAt to be kept after reopen")
	}
	if a.CompletedAt != nil {
		t.Errorf("expected completedAt cleared, got %v", *a.CompletedAt)
	}

	// Reopening an open story is a no-op.
	if err := s.Reopen(ctx, "A"); err != nil {
		t.Errorf("Reopen open story: %v", err)
	}
}

func TestTransitions_UnknownStory(t *testing.T) {
	s := testStore(t, twoStories)

	if err := s.Complete(context.Background(), "nope"); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("expected ErrStoryNotFound, got %v", err)
	}
	if err := s.Reopen(context.Background(), "nope"); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestReopenInProgress(t *testing.T) {
	s := testStore(t, `{"project": "demo", "qualityGates": [], "stories": [
  {"id": "A", "title": "a", "status": "in_progress", "startedAt": "2026-03-01T11:59:00Z"},
  {"id": "B", "title": "b", "status": "done"},
  {"id": "C", "title": "c", "status": "in_progress"}
]}`)

	ids, err := s.ReopenInProgress(context.Background())
	if err != nil {
		t.Fatalf("ReopenInProgress: %v", err)
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "C" {
		t.Fatalf("expected [A C], got %v", ids)
	}

	doc, _ := s.Load(context.Background())
	if doc.Counts()[StatusInProgress] != 0 {
		t.Error("expected no in-progress stories left")
	}
	a, _ := doc.Find("A")
	if a.StartedAt != nil {
		t.Error("expected startedAt cleared on release")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusOpen, true},
		{StatusOpen, StatusDone, true},
		{StatusDone, StatusOpen, false},
		{StatusDone, StatusInProgress, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMissingStatusDefaultsToOpen(t *testing.T) {
	s := testStore(t, `{"project": "demo", "qualityGates": [], "stories": [{"id": "A", "title": "a"}]}`)

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Stories[0].Status != StatusOpen {
		t.Errorf("expected open, got %q", doc.Stories[0].Status)
	}
}

func TestSnapshot(t *testing.T) {
	s := testStore(t, twoStories)
	doc, _ := s.Load(context.Background())

	snap := BuildSnapshot(doc, fixedNow)
	if snap.Project != "demo" || len(snap.StoryIDs) != 2 || snap.Remaining != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"storyIds"`) {
		t.Errorf("snapshot missing storyIds: %s", data)
	}
}
