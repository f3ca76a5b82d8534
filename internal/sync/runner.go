package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// ContinuationSubjectPrefix is the queue subject namespace for
// continuation triggers; one subject per account.
const ContinuationSubjectPrefix = "sync.continue."

// ContinuationSubject returns the queue subject for an account.
func ContinuationSubject(accountID string) string {
	return ContinuationSubjectPrefix + accountID
}

// ContinuationMsg is the payload of a continuation trigger. The cursor
// itself stays in the account row; the message only says "this account
// has more work".
type ContinuationMsg struct {
	AccountID   string `json:"accountId"`
	Sequence    int    `json:"sequence"`
	ScheduledAt int64  `json:"scheduledAt"`
}

// ProviderFactory builds a provider client for a connected account.
type ProviderFactory func(ctx context.Context, account *store.Account) (Client, error)

// Options bounds sync invocations.
type Options struct {
	PageSize          int
	MaxPagesPerRun    int
	RunBudget         time.Duration
	ContinuationLimit int
}

// Service orchestrates sync passes: folders first, then budgeted
// pagination, then completion, hand-off or failure. One Service per
// process; per-account mutual exclusion lives in the persisted status,
// not here.
type Service struct {
	Store   *store.Store
	State   *StateMachine
	Factory ProviderFactory
	Policy  RetryPolicy
	Opts    Options
	Log     *slog.Logger

	spawn func(func())
	now   func() time.Time
	sleep func(time.Duration)
}

// NewService wires a sync service with production defaults.
func NewService(st *store.Store, state *StateMachine, factory ProviderFactory, policy RetryPolicy, opts Options, log *slog.Logger) *Service {
	return &Service{
		Store:   st,
		State:   state,
		Factory: factory,
		Policy:  policy,
		Opts:    opts,
		Log:     log,
		spawn:   func(fn func()) { go fn() },
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// StartSync claims the per-account lock and runs the pass in the
// background. Returns ErrAlreadyInProgress when a sync holds the lock.
func (s *Service) StartSync(ctx context.Context, accountID string) error {
	if err := s.State.Start(ctx, accountID); err != nil {
		return err
	}
	s.spawn(func() {
		s.RunPass(context.Background(), accountID)
	})
	return nil
}

// HandleContinuation resumes a backgrounded pass from a queue trigger.
// A continuation for a paused, completed or restarted account drops
// silently; the Continue transition is the gate.
func (s *Service) HandleContinuation(ctx context.Context, payload []byte) error {
	var msg ContinuationMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode continuation: %w", err)
	}

	ok, err := s.State.Continue(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	if !ok {
		s.Log.Info("continuation dropped, account no longer continuable", "account", msg.AccountID)
		return nil
	}

	s.RunPass(ctx, msg.AccountID)
	return nil
}

// RunPass executes one budgeted invocation for an account whose lock is
// already held (by Start or Continue). It never returns an error to the
// caller: every failure path lands in the account's sync state.
func (s *Service) RunPass(ctx context.Context, accountID string) {
	account, err := s.Store.GetAccount(ctx, accountID)
	if err != nil {
		s.Log.Error("load account", "account", accountID, "error", err)
		return
	}

	client, err := s.Factory(ctx, account)
	if err != nil {
		s.fail(ctx, accountID, fmt.Errorf("create provider client: %w", err))
		return
	}

	// Folder rows must exist before any message page, because message
	// classification resolves against them.
	folders, err := s.syncFolders(ctx, client, account)
	if err != nil {
		s.fail(ctx, accountID, err)
		return
	}

	pag := &Paginator{
		Provider: client,
		Store:    s.Store,
		State:    s.State,
		Policy:   s.Policy,
		PageSize: s.Opts.PageSize,
		Log:      s.Log,
		now:      s.now,
		sleep:    s.sleep,
	}
	budget := Budget{
		MaxPages: s.Opts.MaxPagesPerRun,
		Deadline: s.now().Add(s.Opts.RunBudget),
	}

	outcome, perr := pag.Run(ctx, account, folders, budget)
	switch outcome {
	case OutcomeCompleted:
		if err := s.State.Complete(ctx, accountID); err != nil {
			s.Log.Error("complete sync", "account", accountID, "error", err)
			return
		}
		s.Log.Info("sync completed", "account", accountID)

	case OutcomePaused:
		s.Log.Info("sync paused mid-pass", "account", accountID)

	case OutcomeFailed:
		s.fail(ctx, accountID, perr)

	case OutcomeBudgetExhausted:
		s.handOff(ctx, accountID)
	}
}

// syncFolders lists, classifies and upserts the account's folders,
// retrying transient provider errors the same way page fetches do.
func (s *Service) syncFolders(ctx context.Context, client Client, account *store.Account) (FolderMap, error) {
	var infos []FolderInfo
	attempt := 0
	for {
		var err error
		infos, err = client.ListFolders(ctx, account.EmailAddress)
		if err == nil {
			break
		}
		if !s.Policy.Retryable(err, attempt) {
			return nil, fmt.Errorf("list folders: %w", err)
		}
		attempt++
		delay := s.Policy.Delay(err, attempt)
		s.Log.Warn("folder listing failed, backing off",
			"account", account.ID, "attempt", attempt, "delay", delay, "error", err)
		s.sleep(delay)
	}

	fm := make(FolderMap, len(infos))
	for _, info := range infos {
		ftype := ClassifyFolder(info)
		fm[info.ID] = ftype

		err := s.Store.UpsertFolder(ctx, &store.Folder{
			AccountID:        account.ID,
			ProviderFolderID: info.ID,
			Name:             info.Name,
			Type:             ftype,
			UnreadCount:      info.Unread,
			TotalCount:       info.Total,
		})
		if err != nil {
			return nil, err
		}
	}
	return fm, nil
}

// handOff schedules a continuation through the transactional outbox.
// The continuation ceiling is a health signal, not a hard stop: crossing
// it logs a warning and shows up in diagnostics, but the sync goes on.
func (s *Service) handOff(ctx context.Context, accountID string) {
	account, err := s.Store.GetAccount(ctx, accountID)
	if err != nil {
		s.Log.Error("load account for hand-off", "account", accountID, "error", err)
		return
	}

	seq := account.ContinuationCount + 1
	if s.Opts.ContinuationLimit > 0 && seq > s.Opts.ContinuationLimit {
		s.Log.Warn("continuation ceiling exceeded",
			"account", accountID, "sequence", seq, "limit", s.Opts.ContinuationLimit)
	}

	msg := ContinuationMsg{
		AccountID:   accountID,
		Sequence:    seq,
		ScheduledAt: s.now().Unix(),
	}
	payload, _ := json.Marshal(msg)
	// The msg id must be unique per hand-off, not per sequence number: a
	// full resync resets the sequence, and reusing an id inside the
	// stream's duplicate window would silently drop the new pass's first
	// continuation. The id stays stable across dispatcher retries of the
	// same outbox row.
	msgID := fmt.Sprintf("continue|%s|%s", accountID, uuid.NewString())

	if err := s.State.HandOff(ctx, accountID, ContinuationSubject(accountID), payload, msgID); err != nil {
		// The account stays background_syncing; the stall sweep will
		// flag it if nothing moves.
		s.Log.Error("continuation hand-off", "account", accountID, "error", err)
		return
	}
	s.Log.Info("continuation scheduled", "account", accountID, "sequence", seq)
}

func (s *Service) fail(ctx context.Context, accountID string, cause error) {
	s.Log.Error("sync failed", "account", accountID, "kind", KindOf(cause).String(), "error", cause)
	if err := s.State.Fail(ctx, accountID, cause); err != nil {
		s.Log.Error("record sync failure", "account", accountID, "error", err)
	}
}
