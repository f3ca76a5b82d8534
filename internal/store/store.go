package store

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested account does not exist.
var ErrNotFound = errors.New("store: not found")

// SyncStatus is the persisted state-machine status of an account.
type SyncStatus string

const (
	StatusIdle              SyncStatus = "idle"
	StatusSyncing           SyncStatus = "syncing"
	StatusBackgroundSyncing SyncStatus = "background_syncing"
	StatusCompleted         SyncStatus = "completed"
	StatusError             SyncStatus = "error"
)

// FolderType is the normalized folder taxonomy messages are tagged with.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderSpam    FolderType = "spam"
	FolderTrash   FolderType = "trash"
	FolderCustom  FolderType = "custom"
	FolderUnknown FolderType = "unknown"
)

// Store persists accounts, folders, messages and the continuation
// outbox in a single SQLite database.
type Store struct {
	DB *sqlx.DB
}

// Open opens (or creates) the database at dbPath, enables WAL mode and
// applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}
