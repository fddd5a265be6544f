package jobtable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates no record exists for the request id.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal indicates a second terminal write was attempted.
	ErrAlreadyTerminal = errors.New("job already terminal")

	// ErrExpired indicates the id completed earlier and its record was pruned.
	// The id can never be scheduled again.
	ErrExpired = errors.New("job record expired")
)

// entry is the table's internal slot. done is closed exactly once, when the
// record leaves IN_PROGRESS.
type entry struct {
	record Record
	done   chan struct{}
	cancel context.CancelFunc
}

// Table is the shared request id -> job record mapping.
//
// All mutation happens under a single mutex; critical sections are plain map
// operations and never wrap a callable invocation or I/O.
//
// Pruned ids are kept as tombstones so a replay of an id that already ran is
// refused instead of executing a second time.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	expired map[string]struct{}
	now     func() time.Time
}

func New() *Table {
	return &Table{
		entries: make(map[string]*entry),
		expired: make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PutInProgress inserts rec as IN_PROGRESS if its id is absent.
//
// If the id already exists, the stored record is returned unchanged and
// created is false. Submission is therefore idempotent. A pruned id fails
// with ErrExpired.
func (t *Table) PutInProgress(rec Record) (Record, bool, error) {
	id := strings.TrimSpace(rec.RequestID)
	if id == "" {
		return Record{}, false, fmt.Errorf("request_id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		return e.record, false, nil
	}
	if _, ok := t.expired[id]; ok {
		return Record{}, false, fmt.Errorf("put %s: %w", id, ErrExpired)
	}

	rec.RequestID = id
	rec.Status = StatusInProgress
	rec.Data = nil
	rec.ErrorReason = ""
	rec.Detail = ""
	rec.CompletedAt = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}
	t.entries[id] = &entry{record: rec, done: make(chan struct{})}
	return rec, true, nil
}

// Complete transitions an IN_PROGRESS record to a terminal status.
func (t *Table) Complete(id string, out Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("complete %s: status %q is not terminal", id, out.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	if e.record.Status.Terminal() {
		return fmt.Errorf("complete %s: %w", id, ErrAlreadyTerminal)
	}

	now := t.now()
	e.record.Status = out.Status
	e.record.CompletedAt = &now
	switch out.Status {
	case StatusSuccess:
		e.record.Data = out.Data
	case StatusError:
		e.record.ErrorReason = out.ErrorReason
		e.record.Detail = out.Detail
	}
	close(e.done)
	return nil
}

// Get returns a copy of the record for id.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// AttachTask stores the cancellation handle of the task executing id.
func (t *Table) AttachTask(id string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("attach task %s: %w", id, ErrNotFound)
	}
	e.cancel = cancel
	return nil
}

// RemoveTaskHandle decouples the background task from the table so it can be
// collected once the job is terminal.
func (t *Table) RemoveTaskHandle(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.cancel = nil
	}
}

// Cancel signals the task executing id. It reports whether a live task
// handle was found.
func (t *Table) Cancel(id string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	var cancel context.CancelFunc
	if ok && !e.record.Status.Terminal() {
		cancel = e.cancel
	}
	t.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Wait blocks until id reaches a terminal status or ctx is done.
func (t *Table) Wait(ctx context.Context, id string) (Record, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
	}

	select {
	case <-e.done:
		rec, _ := t.Get(id)
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// List returns all records, newest first.
func (t *Table) List() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.record)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	for _, e := range t.entries {
		switch e.record.Status {
		case StatusInProgress:
			s.InProgress++
		case StatusSuccess:
			s.Success++
		case StatusError:
			s.Error++
		}
		if e.cancel != nil {
			s.Running++
		}
	}
	return s
}

// Prune drops terminal records completed before now-olderThan and returns
// how many were removed. IN_PROGRESS records are never pruned. Each removed
// id is remembered by Expired.
func (t *Table) Prune(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.entries {
		if !e.record.Status.Terminal() || e.record.CompletedAt == nil {
			continue
		}
		if e.record.CompletedAt.Before(cutoff) {
			delete(t.entries, id)
			t.expired[id] = struct{}{}
			removed++
		}
	}
	return removed
}

// Expired reports whether id was pruned.
func (t *Table) Expired(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.expired[id]
	return ok
}

// Len returns the number of tracked records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
