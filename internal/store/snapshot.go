package store

import (
	"encoding/json"
	"time"

	"github.com/imkarma/storyloop/internal/fsutil"
)

// Snapshot is a disposable view of the backlog for tools that only need
// project metadata and the story list. It is never read back as truth.
type Snapshot struct {
	Project     string          `json:"project"`
	Version     json.RawMessage `json:"version,omitempty"`
	StoryIDs    []string        `json:"storyIds"`
	Counts      map[Status]int  `json:"counts"`
	Remaining   int             `json:"remaining"`
	GeneratedAt string          `json:"generatedAt"`
}

// BuildSnapshot derives a Snapshot from doc.
func BuildSnapshot(doc *Document, now time.Time) Snapshot {
	ids := make([]string, 0, len(doc.Stories))
	for _, s := range doc.Stories {
		ids = append(ids, s.ID)
	}
	return Snapshot{
		Project:     doc.Project,
		Version:     doc.Version,
		StoryIDs:    ids,
		Counts:      doc.Counts(),
		Remaining:   doc.Remaining(),
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// WriteSnapshot atomically replaces the snapshot file at path.
func WriteSnapshot(path string, snap Snapshot) error {
	return fsutil.WriteJSON(path, snap)
}
