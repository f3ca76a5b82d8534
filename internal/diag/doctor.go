package diag

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// Action is an operator remediation the doctor can recommend.
type Action string

const (
	ActionResume       Action = "resume"
	ActionForceRestart Action = "force_restart"
	ActionFullResync   Action = "full_resync"
	ActionClearError   Action = "clear_error"
	ActionReconnect    Action = "reconnect_account"
)

// Report is one account's health snapshot. CountMismatch is a
// data-integrity warning, not an error: the message row count is the
// ground truth and the counter can drift under partial failures.
type Report struct {
	AccountID           string           `json:"accountId"`
	Status              store.SyncStatus `json:"status"`
	Progress            int              `json:"progress"`
	Stopped             bool             `json:"stopped"`
	IsStuck             bool             `json:"isStuck"`
	SecondsSinceActive  int64            `json:"secondsSinceActivity"`
	ContinuationCount   int              `json:"continuationCount"`
	ContinuationWarning bool             `json:"continuationWarning"`
	SyncedCount         int64            `json:"syncedCount"`
	StoredCount         int64            `json:"storedCount"`
	CountMismatch       bool             `json:"countMismatch"`
	LastError           string           `json:"lastError,omitempty"`
	Recommended         []Action         `json:"recommended"`
}

// Doctor computes health and staleness from the state machine's
// timestamps. It only ever reads; remediation happens through the
// state machine's transitions.
type Doctor struct {
	Store             *store.Store
	StallThreshold    time.Duration
	ContinuationLimit int
	Log               *slog.Logger
	Now               func() time.Time
}

func (d *Doctor) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Diagnose builds a health report for one account.
func (d *Doctor) Diagnose(ctx context.Context, accountID string) (*Report, error) {
	account, err := d.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stored, err := d.Store.CountMessages(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return d.report(account, stored), nil
}

// SweepStalled scans accounts that claim to be syncing and returns the
// stuck ones. It never heals anything itself: recovery stays an
// operator action through force-restart.
func (d *Doctor) SweepStalled(ctx context.Context) ([]Report, error) {
	accounts, err := d.Store.ListAccountsByStatus(ctx, store.StatusSyncing, store.StatusBackgroundSyncing)
	if err != nil {
		return nil, err
	}

	var stuck []Report
	for i := range accounts {
		stored, err := d.Store.CountMessages(ctx, accounts[i].ID)
		if err != nil {
			return nil, err
		}
		r := d.report(&accounts[i], stored)
		if !r.IsStuck {
			continue
		}
		d.Log.Warn("stalled sync detected",
			"account", r.AccountID, "status", string(r.Status),
			"inactive_seconds", r.SecondsSinceActive,
			"recommended", r.Recommended)
		stuck = append(stuck, *r)
	}
	return stuck, nil
}

func (d *Doctor) report(account *store.Account, stored int64) *Report {
	now := d.clock()

	r := &Report{
		AccountID:         account.ID,
		Status:            account.Status,
		Progress:          account.Progress,
		Stopped:           account.Stopped,
		ContinuationCount: account.ContinuationCount,
		SyncedCount:       account.SyncedCount,
		StoredCount:       stored,
	}
	if account.LastError != nil {
		r.LastError = *account.LastError
	}
	if account.LastActivityAt != nil {
		r.SecondsSinceActive = int64(now.Sub(*account.LastActivityAt).Seconds())
	}

	syncing := account.Status == store.StatusSyncing || account.Status == store.StatusBackgroundSyncing
	if syncing && account.LastActivityAt != nil &&
		now.Sub(*account.LastActivityAt) > d.StallThreshold {
		r.IsStuck = true
	}

	if d.ContinuationLimit > 0 && account.ContinuationCount > d.ContinuationLimit {
		r.ContinuationWarning = true
	}
	if stored != account.SyncedCount {
		r.CountMismatch = true
	}

	r.Recommended = recommend(account, r)
	return r
}

// recommend translates raw state into operator actions instead of
// exposing internals.
func recommend(account *store.Account, r *Report) []Action {
	var actions []Action

	if account.Stopped {
		actions = append(actions, ActionResume)
	}
	if r.IsStuck || r.ContinuationWarning {
		actions = append(actions, ActionForceRestart, ActionFullResync)
	}
	if account.Status == store.StatusError {
		if looksLikeAuthError(r.LastError) {
			actions = append(actions, ActionReconnect)
		} else {
			actions = append(actions, ActionClearError, ActionForceRestart)
		}
	}
	return actions
}

func looksLikeAuthError(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "401") ||
		strings.Contains(m, "invalid_grant") ||
		strings.Contains(m, "token")
}
