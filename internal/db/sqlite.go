package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside a single writer.
	defaultSQLiteReaderConns = 4
)

// OpenSQLite opens a SQLite pool pair: a single-connection writer and a
// multi-connection read-only reader sharing the same WAL database.
func OpenSQLite(dbPath string) (*Pool, error) {
	if err := ensureSQLiteDir(dbPath); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}

	// Writer DSN: FK enforcement, WAL for read concurrency, busy_timeout to
	// ride out transient lock contention.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer connection serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&mode=ro",
		dbPath, int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(defaultSQLiteReaderConns)
	reader.SetMaxIdleConns(defaultSQLiteReaderConns)

	return NewPool(writer, reader), nil
}

// OpenSQLiteMemory opens an in-memory SQLite database for tests. Reads and
// writes share one connection so both see the same database.
func OpenSQLiteMemory() (*Pool, error) {
	conn, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return NewPool(conn, conn), nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
