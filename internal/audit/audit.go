package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Sink stores audit entries. Entries are append-only; Purge is the only deletion.
type Sink interface {
	Append(ctx context.Context, entry model.AuditLogEntry) error
	Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// prepare fills the id and timestamp when the caller left them empty.
func prepare(entry model.AuditLogEntry) model.AuditLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return entry
}

// MemorySink keeps entries in process memory, oldest first.
type MemorySink struct {
	mu      sync.RWMutex
	entries []model.AuditLogEntry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of entry.
func (s *MemorySink) Append(_ context.Context, entry model.AuditLogEntry) error {
	entry = prepare(entry)
	entry.Details = copyDetails(entry.Details)

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// Query returns matching entries in append order. A positive Limit keeps the most recent entries.
func (s *MemorySink) Query(_ context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuditLogEntry, 0)
	for _, e := range s.entries {
		if filter.Matches(e) {
			e.Details = copyDetails(e.Details)
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Purge drops entries older than the horizon and returns how many were removed.
func (s *MemorySink) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Len returns the number of stored entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
