package data

import (
	"sync"

	"sqlinx/internal/core"
)

// MaxTranscriptEntries bounds the AI transcript kept per session.
const MaxTranscriptEntries = 20

var _ core.TranscriptRepository = (*TranscriptRepo)(nil)

// TranscriptRepo is the in-memory AI conversation of one session, oldest first.
type TranscriptRepo struct {
	mu      sync.Mutex
	entries []core.TranscriptEntry
	max     int
}

func NewTranscriptRepo() *TranscriptRepo {
	return &TranscriptRepo{max: MaxTranscriptEntries}
}

func (r *TranscriptRepo) Append(entries ...core.TranscriptEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entries...)
	if over := len(r.entries) - r.max; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
}

// Recent returns the last limit entries in conversation order. A non-positive
// limit returns all.
func (r *TranscriptRepo) Recent(limit int) []core.TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]core.TranscriptEntry, limit)
	copy(out, r.entries[n-limit:])
	return out
}

func (r *TranscriptRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *TranscriptRepo) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
