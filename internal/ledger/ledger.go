// Package ledger keeps a queryable SQLite index of runs and iterations.
// It is derived data: the backlog document and the iteration records on
// disk stay authoritative, and the ledger can be rebuilt from the records.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imkarma/storyloop/internal/iteration"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
	RunFailed      = "failed"
)

// Run is one invocation of the loop.
type Run struct {
	ID            string    `json:"id"`
	Tag           string    `json:"tag"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	StopReason    string    `json:"stop_reason,omitempty"`
	MaxIterations int       `json:"max_iterations"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}

// Ledger provides access to the ledger database.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger database at the given path.
func Open(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Ledger{db: db, now: time.Now}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		tag             TEXT NOT NULL,
		mode            TEXT NOT NULL DEFAULT 'build',
		status          TEXT NOT NULL DEFAULT 'running',
		max_iterations  INTEGER NOT NULL DEFAULT 0,
		started_at      DATETIME NOT NULL,
		ended_at        DATETIME
	);

	CREATE TABLE IF NOT EXISTS iterations (
		iteration_id      TEXT PRIMARY KEY,
		ordinal           INTEGER NOT NULL,
		run_id            TEXT DEFAULT '',
		run_tag           TEXT DEFAULT '',
		mode              TEXT DEFAULT '',
		story_id          TEXT NOT NULL,
		story_title       TEXT DEFAULT '',
		status            TEXT NOT NULL,
		outcome           TEXT NOT NULL,
		exit_code         INTEGER NOT NULL DEFAULT 0,
		started_at        TEXT DEFAULT '',
		ended_at          TEXT DEFAULT '',
		duration_seconds  REAL NOT NULL DEFAULT 0,
		log_path          TEXT DEFAULT '',
		git_head_before   TEXT DEFAULT '',
		git_head_after    TEXT DEFAULT '',
		committed_files   TEXT DEFAULT '[]',
		dirty_files       TEXT DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_iterations_story ON iterations(story_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}

	// Migrate existing databases: add new columns if missing.
	l.addColumnIfMissing("runs", "stop_reason", "TEXT DEFAULT ''")

	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (l *Ledger) addColumnIfMissing(table, column, colDef string) {
	rows, err := l.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return
		}
		if name == column {
			return
		}
	}

	l.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

// --- Run tracking ---

// StartRun records a new run as running.
func (l *Ledger) StartRun(r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = l.now()
	}
	r.StartedAt = r.StartedAt.UTC()
	_, err := l.db.Exec(
		`INSERT INTO runs (id, tag, mode, status, max_iterations, started_at)
		 VALUES (?, ?, ?, 'running', ?, ?)`,
		r.ID, r.Tag, r.Mode, r.MaxIterations, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// EndRun marks a run with its final status and the reason the loop stopped.
func (l *Ledger) EndRun(id, status, stopReason string) error {
	res, err := l.db.Exec(
		`UPDATE runs SET status = ?, stop_reason = ?, ended_at = ? WHERE id = ?`,
		status, stopReason, l.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run: run %s not found", id)
	}
	return nil
}

const runColumns = `id, tag, mode, status, stop_reason, max_iterations, started_at, ended_at`

// GetRun returns the run with the given id, or nil if there is none.
func (l *Ledger) GetRun(id string) (*Run, error) {
	rows, err := l.db.Query(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (l *Ledger) ListRuns(limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := l.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// ListInterruptedRuns returns all runs still marked running
// (these were interrupted by a crash or kill).
func (l *Ledger) ListInterruptedRuns() ([]Run, error) {
	rows, err := l.db.Query(
		`SELECT ` + runColumns + ` FROM runs WHERE status = 'running' ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list interrupted runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var stopReason sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Tag, &r.Mode, &r.Status, &stopReason, &r.MaxIterations, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StopReason = stopReason.String
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Iteration index ---

const upsertIteration = `INSERT OR REPLACE INTO iterations (
	iteration_id, ordinal, run_id, run_tag, mode, story_id, story_title, status, outcome,
	exit_code, started_at, ended_at, duration_seconds, log_path, git_head_before,
	git_head_after, committed_files, dirty_files
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// AddIteration indexes one iteration record. Re-adding the same iteration id
// replaces the row.
func (l *Ledger) AddIteration(rec iteration.Record) error {
	return addIteration(l.db, rec)
}

func addIteration(db execer, rec iteration.Record) error {
	committed, err := json.Marshal(nonNil(rec.CommittedFiles))
	if err != nil {
		return err
	}
	dirty, err := json.Marshal(nonNil(rec.DirtyFiles))
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertIteration,
		rec.IterationID, rec.Iteration, rec.RunID, rec.RunTag, rec.Mode, rec.StoryID, rec.StoryTitle,
		rec.Status, rec.Outcome, rec.ExitCode, rec.StartedAt, rec.EndedAt, rec.DurationSeconds,
		rec.LogPath, rec.GitHeadBefore, rec.GitHeadAfter, string(committed), string(dirty),
	)
	if err != nil {
		return fmt.Errorf("add iteration %s: %w", rec.IterationID, err)
	}
	return nil
}

// ListIterations returns indexed iterations in the order they ended.
// An empty storyID returns every iteration.
func (l *Ledger) ListIterations(storyID string) ([]iteration.Record, error) {
	q := `SELECT iteration_id, ordinal, run_id, run_tag, mode, story_id, story_title, status, outcome,
		exit_code, started_at, ended_at, duration_seconds, log_path, git_head_before,
		git_head_after, committed_files, dirty_files FROM iterations`
	var args []any
	if storyID != "" {
		q += ` WHERE story_id = ?`
		args = append(args, storyID)
	}
	q += ` ORDER BY ended_at, iteration_id`

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []iteration.Record
	for rows.Next() {
		var r iteration.Record
		var committed, dirty string
		if err := rows.Scan(&r.IterationID, &r.Iteration, &r.RunID, &r.RunTag, &r.Mode, &r.StoryID,
			&r.StoryTitle, &r.Status, &r.Outcome, &r.ExitCode, &r.StartedAt, &r.EndedAt,
			&r.DurationSeconds, &r.LogPath, &r.GitHeadBefore, &r.GitHeadAfter, &committed, &dirty); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		_ = json.Unmarshal([]byte(committed), &r.CommittedFiles)
		_ = json.Unmarshal([]byte(dirty), &r.DirtyFiles)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttemptCounts returns how many iterations each story has had.
func (l *Ledger) AttemptCounts() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT story_id, COUNT(*) FROM iterations GROUP BY story_id`)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan attempts: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Rebuild replaces the iteration index with records, in one transaction.
func (l *Ledger) Rebuild(records []iteration.Record) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM iterations`); err != nil {
		tx.Rollback()
		return fmt.Errorf("rebuild: %w", err)
	}
	for _, rec := range records {
		if err := addIteration(tx, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild: %w", err)
		}
	}
	return tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
