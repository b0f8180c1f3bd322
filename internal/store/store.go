// Package store provides the shared sqlite opener used by the five
// feature stores (sessions, mail, merge queue, events, metrics), per
// spec.md §4.1.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
)

// Open prepares the database file at dbPath and returns a single-writer
// sqlx handle with WAL journaling and a 5s busy timeout. name identifies
// the store in any StoreError raised here or by the caller.
func Open(name, dbPath string) (*sqlx.DB, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, &errs.StoreError{Store: name, Op: "open", WrappedError: err}
	}
	if err := ensureFile(normalized); err != nil {
		return nil, &errs.StoreError{Store: name, Op: "open", WrappedError: err}
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, &errs.StoreError{Store: name, Op: "open", WrappedError: err}
	}
	// Single-writer-per-process: sqlite serializes writers anyway, and a
	// pool of more than one connection just produces SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// MustExec runs each statement in schema in order, wrapping any failure in
// a StoreError. Stores call this once from their constructor with their own
// `CREATE TABLE IF NOT EXISTS` DDL, per spec.md §4.1's idempotent-open rule.
func MustExec(name string, db *sqlx.DB, schema ...string) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return &errs.StoreError{Store: name, Op: "schema", WrappedError: err}
		}
	}
	return nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
