package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Account is one connected mailbox and its sync state. The sync columns
// (status through stopped) are only written through the transition
// methods below; callers elsewhere treat them as read-only.
type Account struct {
	ID           string `db:"id" json:"id"`
	UserID       string `db:"user_id" json:"userId"`
	Provider     string `db:"provider" json:"provider"`
	GrantRef     string `db:"grant_ref" json:"-"`
	EmailAddress string `db:"email_address" json:"emailAddress"`

	Status               SyncStatus `db:"status" json:"status"`
	Progress             int        `db:"progress" json:"progress"`
	Cursor               *string    `db:"cursor" json:"-"`
	SyncedCount          int64      `db:"synced_count" json:"syncedCount"`
	TotalCount           int64      `db:"total_count" json:"totalCount"`
	TotalEstimated       bool       `db:"total_estimated" json:"totalEstimated"`
	ContinuationCount    int        `db:"continuation_count" json:"continuationCount"`
	RetryCount           int        `db:"retry_count" json:"retryCount"`
	LastRetryAt          *time.Time `db:"last_retry_at" json:"lastRetryAt,omitempty"`
	LastError            *string    `db:"last_error" json:"lastError,omitempty"`
	LastActivityAt       *time.Time `db:"last_activity_at" json:"lastActivityAt,omitempty"`
	LastSyncedAt         *time.Time `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
	Stopped              bool       `db:"stopped" json:"stopped"`
	InitialSyncCompleted bool       `db:"initial_sync_completed" json:"initialSyncCompleted"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// CreateAccount inserts a new connected account in the idle state.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	a.Status = StatusIdle
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, grant_ref, email_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Provider, a.GrantRef, a.EmailAddress, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount loads a single account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.DB.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListAccounts returns all accounts owned by a user.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	var accounts []Account
	err := s.DB.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// ListAccountsByStatus returns accounts currently in any of the given
// statuses, for the stall sweep.
func (s *Store) ListAccountsByStatus(ctx context.Context, statuses ...SyncStatus) ([]Account, error) {
	query, args, err := sqlx.In(`SELECT * FROM accounts WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	var accounts []Account
	if err := s.DB.SelectContext(ctx, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("list accounts by status: %w", err)
	}
	return accounts, nil
}

// TryStartSync claims the per-account sync lock. The guard is a single
// conditional UPDATE rather than a read-then-write, so two racing
// invocations cannot both start. Returns false when another sync holds
// the lock.
func (s *Store) TryStartSync(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, last_error = NULL, retry_count = 0, stopped = 0,
		    last_activity_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusSyncing, now, now, id, StatusSyncing, StatusBackgroundSyncing)
	if err != nil {
		return false, fmt.Errorf("start sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ContinueSync resumes a backgrounded pass: bumps the continuation
// counter and refreshes activity. Refuses when the account is paused or
// no longer background-syncing (e.g. completed or force-restarted since
// the continuation was scheduled).
func (s *Store) ContinueSync(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET continuation_count = continuation_count + 1,
		    last_activity_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND stopped = 0
	`, now, now, id, StatusBackgroundSyncing)
	if err != nil {
		return false, fmt.Errorf("continue sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PageResult is the durable outcome of one processed page.
type PageResult struct {
	Cursor         *string
	NewMessages    int64
	TotalCount     int64
	TotalEstimated bool
	Progress       int
}

// RecordPage advances cursor, counters and progress after a page has
// been durably written. Progress never decreases here; the only reset
// path is a full-resync force restart. The boolean reports whether the
// row was still in a syncing status; a pause that landed while the
// page was in flight leaves the row untouched and returns false, so
// the caller can surrender the pass instead of treating the page as
// counted.
func (s *Store) RecordPage(ctx context.Context, id string, p PageResult, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET cursor = ?,
		    synced_count = synced_count + ?,
		    total_count = ?,
		    total_estimated = ?,
		    progress = MAX(progress, ?),
		    retry_count = 0,
		    last_activity_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, p.Cursor, p.NewMessages, p.TotalCount, p.TotalEstimated, p.Progress,
		now, now, id, StatusSyncing, StatusBackgroundSyncing)
	if err != nil {
		return false, fmt.Errorf("record page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record page: %w", err)
	}
	return n > 0, nil
}

// MarkBackgroundSyncing flips a foreground sync into background mode
// inside the given transaction, so the continuation enqueue that
// follows commits atomically with it.
func (s *Store) MarkBackgroundSyncing(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusBackgroundSyncing, now, now, id, StatusSyncing, StatusBackgroundSyncing)
	if err != nil {
		return fmt.Errorf("mark background syncing: %w", err)
	}
	return nil
}

// CompleteSync finishes a pass: progress 100, cursor cleared.
func (s *Store) CompleteSync(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, progress = 100, cursor = NULL, retry_count = 0,
		    initial_sync_completed = 1,
		    last_synced_at = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?
	`, StatusCompleted, now, now, now, id)
	if err != nil {
		return fmt.Errorf("complete sync: %w", err)
	}
	return nil
}

// FailSync records a terminal error. The cursor is preserved so the
// pass stays resumable.
func (s *Store) FailSync(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, last_error = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?
	`, StatusError, lastError, now, now, id)
	if err != nil {
		return fmt.Errorf("fail sync: %w", err)
	}
	return nil
}

// BumpRetry increments the retry counter after a transient provider
// error, without leaving the syncing state.
func (s *Store) BumpRetry(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET retry_count = retry_count + 1, last_retry_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("bump retry: %w", err)
	}
	return nil
}

// PauseSync stops future continuations. The cursor is untouched so a
// resume picks up where the pass left off.
func (s *Store) PauseSync(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET stopped = 1,
		    status = CASE WHEN status IN (?, ?) THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ?
	`, StatusSyncing, StatusBackgroundSyncing, StatusIdle, now, id)
	if err != nil {
		return fmt.Errorf("pause sync: %w", err)
	}
	return nil
}

// ResumeSync clears the pause flag only; cursor and counters stay.
func (s *Store) ResumeSync(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET stopped = 0, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("resume sync: %w", err)
	}
	return nil
}

// ForceRestart clears the lock unconditionally and returns the account
// to idle. With fullResync it also wipes cursor, counters and progress.
// This is the designated recovery path for stuck syncs.
func (s *Store) ForceRestart(ctx context.Context, id string, fullResync bool, now time.Time) error {
	var err error
	if fullResync {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE accounts
			SET status = ?, cursor = NULL, progress = 0,
			    synced_count = 0, total_count = 0, total_estimated = 0,
			    continuation_count = 0, retry_count = 0,
			    last_error = NULL, stopped = 0, updated_at = ?
			WHERE id = ?
		`, StatusIdle, now, id)
	} else {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE accounts
			SET status = ?, retry_count = 0, last_error = NULL, stopped = 0, updated_at = ?
			WHERE id = ?
		`, StatusIdle, now, id)
	}
	if err != nil {
		return fmt.Errorf("force restart: %w", err)
	}
	return nil
}

// ClearError drops a recorded error without touching sync progress.
func (s *Store) ClearError(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET last_error = NULL,
		    status = CASE WHEN status = ? THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ?
	`, StatusError, StatusIdle, now, id)
	if err != nil {
		return fmt.Errorf("clear error: %w", err)
	}
	return nil
}
