// Package iteration allocates iteration ids and keeps the per-iteration
// outcome records, run summary and transcript index.
package iteration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/imkarma/storyloop/internal/fsutil"
)

// Counter is the persisted allocator state.
type Counter struct {
	IterationCount  int    `json:"iterationCount"`
	LastIterationID string `json:"lastIterationId"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// Allocator hands out monotonically increasing iteration ids. It uses its
// own lock so allocation never waits on a backlog transaction.
type Allocator struct {
	path      string
	lockRetry time.Duration
	now       func() time.Time
}

// NewAllocator returns an allocator backed by the counter file at path.
func NewAllocator(path string) *Allocator {
	return &Allocator{path: path, lockRetry: 20 * time.Millisecond, now: time.Now}
}

// FormatID renders an iteration number as its id.
func FormatID(n int) string {
	return fmt.Sprintf("iter-%02d", n)
}

// Next increments the counter and returns the new id.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return "", fmt.Errorf("create counter dir: %w", err)
	}
	lock := flock.New(a.path + ".lock")
	locked, err := lock.TryLockContext(ctx, a.lockRetry)
	if err != nil {
		return "", fmt.Errorf("acquire counter lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("acquire counter lock: %s", a.path)
	}
	defer func() { _ = lock.Unlock() }()

	c, err := a.read()
	if err != nil {
		return "", err
	}
	now := a.now().UTC().Format(time.RFC3339)
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	c.IterationCount++
	c.LastIterationID = FormatID(c.IterationCount)
	c.UpdatedAt = now

	if err := fsutil.WriteJSON(a.path, c); err != nil {
		return "", fmt.Errorf("write counter: %w", err)
	}
	return c.LastIterationID, nil
}

// Current returns the counter without changing it. A missing counter is
// reported as the zero Counter.
func (a *Allocator) Current(ctx context.Context) (*Counter, error) {
	if _, err := os.Stat(a.path); errors.Is(err, os.ErrNotExist) {
		return &Counter{}, nil
	}
	lock := flock.New(a.path + ".lock")
	locked, err := lock.TryRLockContext(ctx, a.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire counter lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire counter lock: %s", a.path)
	}
	defer func() { _ = lock.Unlock() }()
	return a.read()
}

func (a *Allocator) read() (*Counter, error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Counter{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}
	var c Counter
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse counter %s: %w", a.path, err)
	}
	return &c, nil
}
