package data

import (
	"fmt"
	"testing"
	"time"

	"sqlinx/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRepo_RecentNewestFirst(t *testing.T) {
	repo := NewHistoryRepo()
	for i := 1; i <= 7; i++ {
		repo.Append(core.HistoryEntry{Query: fmt.Sprintf("SELECT %d", i), ExecutedAt: time.Now(), Success: true})
	}

	recent := repo.Recent(5)
	require.Len(t, recent, 5)
	assert.Equal(t, "SELECT 7", recent[0].Query)
	assert.Equal(t, "SELECT 3", recent[4].Query)
	assert.Len(t, repo.Recent(0), 7)
	assert.Len(t, repo.Recent(50), 7)
}

func TestHistoryRepo_Cap(t *testing.T) {
	repo := NewHistoryRepo()
	for i := 0; i < MaxHistoryEntries+20; i++ {
		repo.Append(core.HistoryEntry{Query: fmt.Sprintf("SELECT %d", i)})
	}

	assert.Equal(t, MaxHistoryEntries, repo.Len())
	all := repo.Recent(0)
	assert.Equal(t, fmt.Sprintf("SELECT %d", MaxHistoryEntries+19), all[0].Query)
	assert.Equal(t, "SELECT 20", all[len(all)-1].Query)
}

func TestHistoryRepo_Clear(t *testing.T) {
	repo := NewHistoryRepo()
	repo.Append(core.HistoryEntry{Query: "SELECT 1"})
	repo.Clear()

	assert.Zero(t, repo.Len())
	assert.Empty(t, repo.Recent(5))
}
