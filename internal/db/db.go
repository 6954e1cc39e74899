// Package db stores the handshake audit log in sqlite. It records state
// transitions and per-service totals, never tokens.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB is an open audit log.
type DB struct {
	path       string
	conn       *sql.DB
	quarantine string
}

// OpenAt opens the audit log at path, creating it if needed. An unreadable
// file is moved aside to <path>.corrupt.<stamp> (with its -wal and -shm
// files) and a fresh log started; Quarantined reports where it went.
func OpenAt(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}

	d := &DB{path: clean}
	conn, err := connect(clean)
	if err != nil {
		if !isCorrupt(err) {
			return nil, err
		}
		backup, qerr := quarantine(clean, time.Now())
		if qerr != nil {
			return nil, fmt.Errorf("audit log unreadable (%v): %w", err, qerr)
		}
		d.quarantine = backup
		if conn, err = connect(clean); err != nil {
			return nil, err
		}
	}
	d.conn = conn
	return d, nil
}

// Close closes the connection.
func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Conn exposes the connection for migrations and tests.
func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Quarantined is the path an unreadable log was moved to by OpenAt, or "".
func (d *DB) Quarantined() string {
	if d == nil {
		return ""
	}
	return d.quarantine
}

// DefaultPath is $IAB_HOME/data/iab.db, or ~/.iab/data/iab.db.
func DefaultPath() string {
	if home := os.Getenv("IAB_HOME"); home != "" {
		return filepath.Join(home, "data", "iab.db")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".iab", "data", "iab.db")
	}
	return filepath.Join(homeDir, ".iab", "data", "iab.db")
}

// connect opens path with WAL and a busy timeout set per connection, then
// migrates. The recorder is the only writer, so one connection suffices.
func connect(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping audit log: %w", err)
	}
	if err := RunMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func dsn(path string) string {
	return "file:" + filepath.ToSlash(path) +
		"?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// isCorrupt reports whether err means the file is not a usable database,
// as opposed to a permissions or I/O problem.
func isCorrupt(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

// quarantine moves path and its sidecars aside and returns the new main
// path. Missing sidecars are skipped.
func quarantine(path string, now time.Time) (string, error) {
	backup := path + ".corrupt." + now.UTC().Format("20060102T150405Z")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, backup+suffix)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("move %s aside: %w", path+suffix, err)
		}
	}
	return backup, nil
}
