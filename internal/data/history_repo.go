package data

import (
	"sqlinx/internal/core"
	"sync"
)

// MaxHistoryEntries bounds the per-session history; the oldest entries are dropped first.
const MaxHistoryEntries = 100

var _ core.HistoryRepository = (*HistoryRepo)(nil)

// HistoryRepo keeps the query history of one session in memory.
type HistoryRepo struct {
	mu      sync.Mutex
	entries []core.HistoryEntry
	max     int
}

func NewHistoryRepo() *HistoryRepo {
	return &HistoryRepo{max: MaxHistoryEntries}
}

func (r *HistoryRepo) Append(e core.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	if over := len(r.entries) - r.max; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
}

// Recent returns up to limit entries, newest first. A non-positive limit returns all.
func (r *HistoryRepo) Recent(limit int) []core.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]core.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

func (r *HistoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *HistoryRepo) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
