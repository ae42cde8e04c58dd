// Package store owns the backlog document: a JSON file of stories that is
// read and rewritten only inside exclusive, cross-process transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/imkarma/storyloop/internal/fsutil"
)

var (
	// ErrNotFound is returned when the backlog document does not exist.
	ErrNotFound = errors.New("backlog document not found")

	// ErrCorruptDocument is returned when the backlog document cannot be parsed.
	ErrCorruptDocument = errors.New("backlog document is corrupt")

	// ErrStoryNotFound is returned when a transition names an unknown story.
	ErrStoryNotFound = errors.New("story not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const defaultLockRetry = 50 * time.Millisecond

// Store provides transactional access to the backlog document.
type Store struct {
	path      string
	lockPath  string
	lockRetry time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockRetry sets how often a contended lock is re-tried.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockRetry = d
		}
	}
}

// New returns a Store for the document at path. The lock lives in a sidecar
// file because the document itself is replaced by rename on every write.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		lockPath:  path + ".lock",
		lockRetry: defaultLockRetry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backlog document path.
func (s *Store) Path() string { return s.path }

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

// WithTransaction runs fn against the parsed document while holding the
// exclusive lock, then durably writes the result back. If the document
// cannot be read or fn returns an error, nothing is written.
func (s *Store) WithTransaction(ctx context.Context, fn func(doc *Document) error) error {
	if err := s.Exists(); err != nil {
		return err
	}
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLockContext(ctx, s.lockRetry)
	if err != nil {
		return fmt.Errorf("acquire backlog lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire backlog lock: %s", s.lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := fsutil.WriteJSON(s.path, doc); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return nil
}

// Load reads the document under a shared lock without modifying it.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	if err := s.Exists(); err != nil {
		return nil, err
	}
	lock := flock.New(s.lockPath)
	locked, err := lock.TryRLockContext(ctx, s.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire backlog lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire backlog lock: %s", s.lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	return s.read()
}

// Exists returns ErrNotFound when the document is missing. Transactions
// check it before locking so a missing document never leaves a stray lock
// file behind.
func (s *Store) Exists() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	return nil
}

func (s *Store) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, s.path, err)
	}
	return &doc, nil
}

// Complete marks a story done and stamps completedAt.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(doc *Document) error {
		story, _ := doc.Find(id)
		if story == nil {
			return fmt.Errorf("%w: %s", ErrStoryNotFound, id)
		}
		if !CanTransition(story.Status, StatusDone) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, story.Status, StatusDone)
		}
		now := stamp(s.Now())
		story.Status = StatusDone
		story.CompletedAt = now
		story.UpdatedAt = now
		return nil
	})
}

// Reopen moves an in-progress story back to open. startedAt is kept so a
// re-attempt reports when work on the story first began. Reopening an open
// story is a no-op.
func (s *Store) Reopen(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(doc *Document) error {
		story, _ := doc.Find(id)
		if story == nil {
			return fmt.Errorf("%w: %s", ErrStoryNotFound, id)
		}
		if story.Status == StatusOpen {
			return nil
		}
		if !CanTransition(story.Status, StatusOpen) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, story.Status, StatusOpen)
		}
		story.Status = StatusOpen
		story.CompletedAt = nil
		story.UpdatedAt = stamp(s.Now())
		return nil
	})
}

// ReopenInProgress releases every in-progress story regardless of age,
// clearing startedAt as the reaper does. Used for manual crash recovery.
func (s *Store) ReopenInProgress(ctx context.Context) ([]string, error) {
	var reopened []string
	err := s.WithTransaction(ctx, func(doc *Document) error {
		reopened = doc.release(s.Now(), func(*Story) bool { return true })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

func stamp(t time.Time) *string {
	s := t.UTC().Format(time.RFC3339)
	return &s
}
