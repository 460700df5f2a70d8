package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// SQLiteDBOption overrides connection parameters. A zero-value field keeps
// the relay default: a read-write-create file with a shared cache and WAL
// journaling, so the relay handlers and goose can share one pool.
type SQLiteDBOption struct {
	// Mode can be ro | rw | rwc | memory.
	Mode string
	// Cache can be shared | private.
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF.
	JournalMode string
}

func (o *SQLiteDBOption) withDefaults() SQLiteDBOption {
	out := SQLiteDBOption{Mode: "rwc", Cache: "shared", JournalMode: "WAL"}
	if o == nil {
		return out
	}
	if o.Mode != "" {
		out.Mode = o.Mode
	}
	if o.Cache != "" {
		out.Cache = o.Cache
	}
	if o.JournalMode != "" {
		out.JournalMode = o.JournalMode
	}
	return out
}

func (o SQLiteDBOption) dsn(file string) string {
	q := url.Values{}
	q.Set("mode", o.Mode)
	q.Set("cache", o.Cache)
	// go-sqlite3 prefixes driver-level pragmas with an underscore.
	q.Set("_journal_mode", o.JournalMode)
	return "file:" + file + "?" + q.Encode()
}

// SQLiteDB is a migratable sqlite handle.
type SQLiteDB struct {
	*sql.DB
	migrationDir string
}

// NewSQLiteDB opens the database file. A nil config uses the relay
// defaults; see SQLiteDBOption.
func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", config.withDefaults().dsn(file))
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteDB: %w", err)
	}
	return &SQLiteDB{DB: d, migrationDir: migrationDir}, nil
}

// Migrate applies all pending goose migrations from the migration dir.
func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(os.DirFS(db.migrationDir))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}
