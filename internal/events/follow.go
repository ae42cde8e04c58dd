package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PollInterval is used when filesystem notifications are unavailable.
var PollInterval = 500 * time.Millisecond

// Follow calls fn for every event appended to path after Follow starts,
// until ctx is done. Only complete lines are delivered; a line still being
// written is held back until its newline arrives.
func Follow(ctx context.Context, path string, fn func(Event)) error {
	t := &tailer{path: path}
	if fi, err := os.Stat(path); err == nil {
		t.offset = fi.Size()
	}

	// Watch the directory: the log may not exist yet.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return t.poll(ctx, fn)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return t.poll(ctx, fn)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := t.drain(fn); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch events: %w", err)
		}
	}
}

type tailer struct {
	path    string
	offset  int64
	partial []byte
}

func (t *tailer) poll(ctx context.Context, fn func(Event)) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.drain(fn); err != nil {
				return err
			}
		}
	}
}

// drain reads everything past the current offset and delivers complete lines.
func (t *tailer) drain(fn func(Event)) error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat events: %w", err)
	}
	if fi.Size() < t.offset {
		// Replaced or truncated externally; start over.
		t.offset = 0
		t.partial = nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek events: %w", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	t.offset += int64(len(chunk))

	buf := append(t.partial, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if ev, ok := decode(buf[:i]); ok {
			fn(ev)
		}
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}
