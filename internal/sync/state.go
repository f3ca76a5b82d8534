package sync

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// ErrAlreadyInProgress is returned when a start races a running sync.
var ErrAlreadyInProgress = errors.New("sync already in progress")

// StateMachine is the single writer of an account's sync fields. Every
// transition is an atomic conditional update in the store, so the
// single-flight guard holds across concurrent invocations without an
// in-memory lock.
type StateMachine struct {
	store *store.Store
	now   func() time.Time
}

// NewStateMachine wraps the store's account transitions.
func NewStateMachine(st *store.Store) *StateMachine {
	return &StateMachine{store: st, now: time.Now}
}

// Start claims the sync lock: idle/error/completed -> syncing. Fails
// with ErrAlreadyInProgress instead of silently no-op-ing.
func (m *StateMachine) Start(ctx context.Context, accountID string) error {
	if _, err := m.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	ok, err := m.store.TryStartSync(ctx, accountID, m.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyInProgress
	}
	return nil
}

// Continue picks up a backgrounded pass. Returns false when the account
// is paused, completed, or otherwise no longer continuable; a scheduled
// continuation that observes false simply drops.
func (m *StateMachine) Continue(ctx context.Context, accountID string) (bool, error) {
	return m.store.ContinueSync(ctx, accountID, m.now().UTC())
}

// RecordPage persists one page's durable outcome and resets the retry
// counter (a successful fetch clears transient-failure history). The
// boolean is false when the account left its syncing status while the
// page was in flight, in which case nothing was recorded.
func (m *StateMachine) RecordPage(ctx context.Context, accountID string, p store.PageResult) (bool, error) {
	return m.store.RecordPage(ctx, accountID, p, m.now().UTC())
}

// HandOff persists the in-flight cursor state as background_syncing and
// enqueues the continuation trigger transactionally.
func (m *StateMachine) HandOff(ctx context.Context, accountID, subject string, payload []byte, msgID string) error {
	return m.store.HandOffContinuation(ctx, accountID, subject, payload, msgID)
}

// Complete ends a pass at true end-of-stream.
func (m *StateMachine) Complete(ctx context.Context, accountID string) error {
	return m.store.CompleteSync(ctx, accountID, m.now().UTC())
}

// Fail records a terminal error, preserving the cursor.
func (m *StateMachine) Fail(ctx context.Context, accountID string, cause error) error {
	return m.store.FailSync(ctx, accountID, cause.Error(), m.now().UTC())
}

// BumpRetry counts one transient failure without leaving the syncing
// state.
func (m *StateMachine) BumpRetry(ctx context.Context, accountID string) error {
	return m.store.BumpRetry(ctx, accountID, m.now().UTC())
}

// Pause sets the operator stop flag; the cursor is preserved.
func (m *StateMachine) Pause(ctx context.Context, accountID string) error {
	return m.store.PauseSync(ctx, accountID, m.now().UTC())
}

// Resume clears the stop flag without touching cursor or counts.
func (m *StateMachine) Resume(ctx context.Context, accountID string) error {
	return m.store.ResumeSync(ctx, accountID, m.now().UTC())
}

// ForceRestart bypasses the in-progress guard and returns the account
// to idle; with fullResync it also clears cursor, counters and
// progress.
func (m *StateMachine) ForceRestart(ctx context.Context, accountID string, fullResync bool) error {
	return m.store.ForceRestart(ctx, accountID, fullResync, m.now().UTC())
}

// ClearError drops a recorded error message.
func (m *StateMachine) ClearError(ctx context.Context, accountID string) error {
	return m.store.ClearError(ctx, accountID, m.now().UTC())
}
