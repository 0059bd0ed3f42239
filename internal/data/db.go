package data

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteDriverName is the database/sql name registered by modernc.org/sqlite.
const SQLiteDriverName = "sqlite"

// SQLiteDSN builds a file DSN with a busy timeout applied to every pooled connection.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens a SQLite database file and checks it is usable.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(SQLiteDriverName, SQLiteDSN(path))
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// InitSampleDB creates the sample database at path unless it already exists.
// The schema and seed rows come from the embedded migrations, so every session
// gets byte-for-byte the same data.
func InitSampleDB(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return fmt.Errorf("open sample database: %w", err)
	}
	defer db.Close()

	if err := runMigrations(ctx, db); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	// Versioning is disabled so no goose bookkeeping table shows up next to the sample tables.
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys, goose.WithDisableVersioning(true))
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
