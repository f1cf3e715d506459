package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteBusyTimeout is how long a connection waits on a locked database
// before giving up with SQLITE_BUSY.
const sqliteBusyTimeout = 5 * time.Second

// sqliteReaderConns sizes the read pool. WAL mode lets these proceed
// against a snapshot while the writer commits; the gateway's hot
// readers are scheduler admission counts and session listings.
const sqliteReaderConns = 4

// sqliteDSN assembles a go-sqlite3 connection string. The writer opens
// rwc and owns journal_mode/synchronous, which are database-level
// settings; readers open ro and inherit them.
func sqliteDSN(path, mode string) string {
	params := []string{
		"_foreign_keys=on",
		"_mode=" + mode,
		fmt.Sprintf("_busy_timeout=%d", int(sqliteBusyTimeout/time.Millisecond)),
		"_cache=shared",
	}
	if mode == "rwc" {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// openSQLiteWriter opens the write side of the store: one pinned
// connection, so writes serialize in the pool instead of colliding
// inside SQLite and surfacing as SQLITE_BUSY.
func openSQLiteWriter(dbPath string) (*sqlx.DB, error) {
	path, err := prepareSQLiteFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("prepare sqlite file: %w", err)
	}

	conn, err := sqlx.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// openSQLiteReader opens the read side: a small pool of read-only
// connections that WAL keeps independent of the writer.
func openSQLiteReader(dbPath string) (*sqlx.DB, error) {
	path := absSQLitePath(dbPath)

	conn, err := sqlx.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// prepareSQLiteFile makes sure the database file and its directory
// exist before the ro pool opens, which fails on a missing file.
func prepareSQLiteFile(dbPath string) (string, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, f.Close()
}

// absSQLitePath resolves the configured path so the writer and reader
// DSNs agree on one shared cache even if the working directory moves.
func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
