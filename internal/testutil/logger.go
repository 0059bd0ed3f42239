// Package testutil provides helpers shared by package tests.
package testutil

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"sqlinx/internal/core"
	"sqlinx/internal/data"

	"github.com/stretchr/testify/require"
)

// NewTestLogger returns a logger that writes to t.Log().
// Logs only appear on test failure or when running with -v.
func NewTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// SampleHandle creates a fresh sample database in a temp dir and returns a handle on it.
func SampleHandle(t testing.TB) *core.Handle {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sample.db")
	require.NoError(t, data.InitSampleDB(ctx, path))

	db, err := data.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &core.Handle{
		Kind:    core.KindSQLiteSample,
		Dialect: data.SQLiteDriverName,
		DB:      db,
		Config:  core.ConnectionConfig{Kind: core.KindSQLiteSample, FilePath: path},
	}
}
