package core

import (
	"context"
	"database/sql"
	"io"
)

// Handle is an open, usable connection owned by exactly one session.
type Handle struct {
	Kind    Kind
	Dialect string // database/sql driver name
	DB      *sql.DB
	Config  ConnectionConfig
}

// Close releases the pool behind the handle.
func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

// Placeholder returns the positional placeholder style of the handle's driver.
func (h *Handle) Placeholder() PlaceholderStyle {
	switch h.Dialect {
	case "postgres":
		return PlaceholderDollar
	case "sqlserver":
		return PlaceholderAtP
	}
	return PlaceholderQuestion
}

// ConnectionResolver produces a live handle for a connection config.
type ConnectionResolver interface {
	Resolve(ctx context.Context, cfg ConnectionConfig) (*Handle, error)
}

// QueryExecutor runs one statement against a handle.
type QueryExecutor interface {
	Execute(ctx context.Context, h *Handle, sqlText string, params map[string]string) (*QueryResult, error)
}

// FileConverter materializes tabular upload data as a SQLite table.
type FileConverter interface {
	Convert(ctx context.Context, r io.Reader, spec ConversionSpec, dbPath string) (*ConversionResult, error)
}

// InsightGenerator turns a query result into natural-language text.
type InsightGenerator interface {
	Generate(ctx context.Context, req InsightRequest) (string, error)
}

// SchemaBrowser lists tables and columns of the connected database.
type SchemaBrowser interface {
	Tables(ctx context.Context, h *Handle) ([]string, error)
	Columns(ctx context.Context, h *Handle, table string) ([]ColumnInfo, error)
}

// HistoryRepository defines storage operations for session query history
type HistoryRepository interface {
	Append(entry HistoryEntry)
	Recent(limit int) []HistoryEntry
	Len() int
	Clear()
}

// TranscriptRepository keeps the AI messages shown to a session.
type TranscriptRepository interface {
	Append(entries ...TranscriptEntry)
	Recent(limit int) []TranscriptEntry
	Clear()
}
