package iteration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/storyloop/internal/fsutil"
)

// ErrRecordExists is returned when an iteration id already has a record.
var ErrRecordExists = errors.New("iteration record already exists")

// syncFile is swapped out in tests to simulate a failing disk.
var syncFile = (*os.File).Sync

// Record status labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is the immutable outcome of one iteration.
type Record struct {
	Iteration       int      `json:"iteration"`
	IterationID     string   `json:"iteration_id"`
	RunTag          string   `json:"run_tag"`
	RunID           string   `json:"run_id"`
	Mode            string   `json:"mode"`
	StoryID         string   `json:"story_id"`
	StoryTitle      string   `json:"story_title"`
	StartedAt       string   `json:"started_at"`
	EndedAt         string   `json:"ended_at"`
	DurationSeconds float64  `json:"duration_seconds"`
	Status          string   `json:"status"`
	Outcome         string   `json:"outcome"`
	ExitCode        int      `json:"exit_code"`
	LogPath         string   `json:"log_path"`
	GitHeadBefore   string   `json:"git_head_before"`
	GitHeadAfter    string   `json:"git_head_after"`
	CommittedFiles  []string `json:"committed_files"`
	DirtyFiles      []string `json:"dirty_files"`
}

// Recorder writes iteration artifacts under one state directory.
type Recorder struct {
	dir string
	now func() time.Time
}

// NewRecorder returns a recorder rooted at dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir, now: time.Now}
}

func (r *Recorder) recordPath(id string) string {
	return filepath.Join(r.dir, "iterations", id+".json")
}

// LogPath is where the transcript for id is stored.
func (r *Recorder) LogPath(id string) string {
	return filepath.Join(r.dir, "logs", id+".log")
}

// SummaryPath is the human-readable run summary log.
func (r *Recorder) SummaryPath() string { return filepath.Join(r.dir, "summary.log") }

// TranscriptIndexPath lists one transcript per line.
func (r *Recorder) TranscriptIndexPath() string { return filepath.Join(r.dir, "transcripts.log") }

// ErrorLogPath collects recoverable per-iteration failures.
func (r *Recorder) ErrorLogPath() string { return filepath.Join(r.dir, "errors.log") }

// SaveTranscript stores the executor output for id and returns its path.
func (r *Recorder) SaveTranscript(id, text string) (string, error) {
	path := r.LogPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	return path, nil
}

// Record writes rec to its own file, refusing to overwrite an existing one,
// then appends a summary line and a transcript index line.
func (r *Recorder) Record(rec Record) error {
	if rec.IterationID == "" {
		return fmt.Errorf("record: missing iteration id")
	}
	if rec.CommittedFiles == nil {
		rec.CommittedFiles = []string{}
	}
	if rec.DirtyFiles == nil {
		rec.DirtyFiles = []string{}
	}

	path := r.recordPath(rec.IterationID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create iterations dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrRecordExists, rec.IterationID)
	}
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	// A partial record would block every retry of this id with
	// ErrRecordExists, so it is removed on failure.
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write record: %w", err)
	}
	if err := syncFile(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close record: %w", err)
	}

	if err := fsutil.AppendLine(r.SummaryPath(), []byte(summaryLine(rec))); err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	if rec.LogPath != "" {
		line := strings.Join([]string{rec.IterationID, rec.StoryID, rec.LogPath}, "\t")
		if err := fsutil.AppendLine(r.TranscriptIndexPath(), []byte(line)); err != nil {
			return fmt.Errorf("append transcript index: %w", err)
		}
	}
	return nil
}

func summaryLine(rec Record) string {
	return fmt.Sprintf("%s %s run=%s story=%s outcome=%s status=%s exit=%d duration=%.1fs files=%d dirty=%d",
		rec.EndedAt, rec.IterationID, rec.RunTag, rec.StoryID, rec.Outcome, rec.Status,
		rec.ExitCode, rec.DurationSeconds, len(rec.CommittedFiles), len(rec.DirtyFiles))
}

// AppendError adds one line to the error log.
func (r *Recorder) AppendError(id, storyID, msg string) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	line := fmt.Sprintf("%s %s story=%s %s", r.now().UTC().Format(time.RFC3339), id, storyID, msg)
	return fsutil.AppendLine(r.ErrorLogPath(), []byte(line))
}

// Load reads the record for id.
func (r *Recorder) Load(id string) (*Record, error) {
	data, err := os.ReadFile(r.recordPath(id))
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every readable record ordered by iteration id number.
// Unreadable files are skipped.
func (r *Recorder) List() ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "iterations"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := r.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return idNumber(out[i].IterationID) < idNumber(out[j].IterationID)
	})
	return out, nil
}

func idNumber(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "iter-%d", &n); err != nil {
		return 0
	}
	return n
}
