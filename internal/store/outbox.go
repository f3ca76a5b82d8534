package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Continuation is a pending continuation trigger waiting to be
// published to the queue.
type Continuation struct {
	ID        int64  `db:"id"`
	AccountID string `db:"account_id"`
	Subject   string `db:"subject"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// HandOffContinuation transitions the account into background syncing
// and enqueues the continuation trigger in one transaction. Either both
// become durable or neither does; a crash between "cursor saved" and
// "continuation scheduled" is impossible.
func (s *Store) HandOffContinuation(ctx context.Context, accountID, subject string, payload []byte, msgID string) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hand-off: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := s.MarkBackgroundSyncing(ctx, tx, accountID, now); err != nil {
		return err
	}

	if err := s.enqueueContinuationTx(ctx, tx, accountID, subject, payload, msgID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) enqueueContinuationTx(ctx context.Context, tx *sqlx.Tx, accountID, subject string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO continuation_outbox (account_id, subject, payload, msg_id, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, accountID, subject, payload, msgID, now, now)
	if err != nil {
		return fmt.Errorf("enqueue continuation: %w", err)
	}
	return nil
}

// DequeueContinuations fetches unpublished continuations that are due.
func (s *Store) DequeueContinuations(ctx context.Context, limit int) ([]Continuation, error) {
	var out []Continuation
	err := s.DB.SelectContext(ctx, &out, `
		SELECT id, account_id, subject, payload, msg_id, retries
		FROM continuation_outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue continuations: %w", err)
	}
	return out, nil
}

// MarkContinuationPublished records a successful queue publish.
func (s *Store) MarkContinuationPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE continuation_outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark continuation published: %w", err)
	}
	return nil
}

// MarkContinuationRetry schedules another publish attempt after backoff.
func (s *Store) MarkContinuationRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE continuation_outbox
		SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark continuation retry: %w", err)
	}
	return nil
}
