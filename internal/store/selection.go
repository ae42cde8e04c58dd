package store

import (
	"context"
	"time"
)

// Selection is the result of one selection transaction.
// Story is nil when no story was eligible.
type Selection struct {
	Story     *Story
	Index     int
	Gates     []string
	Remaining int      // stories not yet done, after reaping
	Reaped    []string // ids released by the stale reaper in this transaction
}

// Exhausted reports whether every story is done.
func (s *Selection) Exhausted() bool {
	return s.Story == nil && s.Remaining == 0
}

// SelectNext reaps stale claims and claims the first eligible story, all in
// one transaction. Reaped stories are persisted even when nothing is claimed.
func (s *Store) SelectNext(ctx context.Context, staleAfter time.Duration) (*Selection, error) {
	var sel *Selection
	err := s.WithTransaction(ctx, func(doc *Document) error {
		now := s.Now()
		reaped := doc.ReapStale(now, staleAfter)

		sel = &Selection{Index: -1, Reaped: reaped}
		idx := doc.NextEligible()
		if idx >= 0 {
			story := &doc.Stories[idx]
			ts := stamp(now)
			story.Status = StatusInProgress
			if story.StartedAt == nil || *story.StartedAt == "" {
				story.StartedAt = ts
			}
			story.CompletedAt = nil
			story.UpdatedAt = ts

			claimed := *story
			sel.Story = &claimed
			sel.Index = idx
			sel.Gates = doc.EffectiveGates(idx)
		}
		sel.Remaining = doc.Remaining()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sel, nil
}

// NextEligible returns the index of the first open story, in document order,
// whose dependencies are all done, or -1. A dependency id that names no story
// is never satisfied.
func (d *Document) NextEligible() int {
	status := make(map[string]Status, len(d.Stories))
	for _, s := range d.Stories {
		status[s.ID] = s.Status
	}
	for i, s := range d.Stories {
		if s.Status != StatusOpen {
			continue
		}
		if depsDone(s.DependsOn, status) {
			return i
		}
	}
	return -1
}

func depsDone(deps []string, status map[string]Status) bool {
	for _, dep := range deps {
		st, ok := status[dep]
		if !ok || st != StatusDone {
			return false
		}
	}
	return true
}

// EffectiveGates resolves the quality gates for the story at index idx:
// the story's own list, else the early list for stories positioned before
// qualityGatesStartIndex, else the global list.
func (d *Document) EffectiveGates(idx int) []string {
	if idx < 0 || idx >= len(d.Stories) {
		return nil
	}
	if gates := d.Stories[idx].QualityGates; len(gates) > 0 {
		return append([]string(nil), gates...)
	}
	if d.QualityGatesStartIndex != nil && idx < *d.QualityGatesStartIndex && len(d.QualityGatesEarly) > 0 {
		return append([]string(nil), d.QualityGatesEarly...)
	}
	return append([]string(nil), d.QualityGates...)
}

// ReapStale releases in-progress stories whose claim is older than
// staleAfter. A missing or unparsable startedAt counts as stale.
// staleAfter <= 0 disables reaping.
func (d *Document) ReapStale(now time.Time, staleAfter time.Duration) []string {
	if staleAfter <= 0 {
		return nil
	}
	return d.release(now, func(s *Story) bool {
		if s.StartedAt == nil {
			return true
		}
		started, ok := ParseTime(*s.StartedAt)
		if !ok {
			return true
		}
		return now.Sub(started) > staleAfter
	})
}

// release reopens in-progress stories matching stale and clears their
// timing fields.
func (d *Document) release(now time.Time, stale func(*Story) bool) []string {
	var ids []string
	for i := range d.Stories {
		s := &d.Stories[i]
		if s.Status != StatusInProgress || !stale(s) {
			continue
		}
		s.Status = StatusOpen
		s.StartedAt = nil
		s.CompletedAt = nil
		s.UpdatedAt = stamp(now)
		ids = append(ids, s.ID)
	}
	return ids
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses an ISO-8601 timestamp. Zone-less values are taken as UTC.
func ParseTime(v string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
