package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

func startSyncing(t *testing.T, st *store.Store, id string) *store.Account {
	t.Helper()
	ok, err := st.TryStartSync(context.Background(), id, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	account, err := st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account
}

func farBudget() Budget {
	return Budget{MaxPages: 100, Deadline: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPaginatorRunsToCompletion(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(250)}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.SyncedCount)
	assert.Equal(t, int64(250), got.TotalCount)
	assert.False(t, got.TotalEstimated)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.Cursor)

	stored, err := st.CountMessages(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), stored)
}

func TestPaginatorRerunInsertsNothingNew(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	ctx := context.Background()

	account := startSyncing(t, st, "acc-1")
	client := &fakeClient{pages: threePages(250)}
	pag := newTestPaginator(st, client)
	_, err := pag.Run(ctx, account, inboxFolders, farBudget())
	require.NoError(t, err)
	require.NoError(t, st.CompleteSync(ctx, "acc-1", time.Now().UTC()))

	// Full resync over the same mailbox re-observes every message.
	require.NoError(t, st.ForceRestart(ctx, "acc-1", true, time.Now().UTC()))
	account = startSyncing(t, st, "acc-1")
	outcome, err := pag.Run(ctx, account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	stored, err := st.CountMessages(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), stored, "re-delivered messages never duplicate")
}

func TestPaginatorBudgetExhausted(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(250)}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, Budget{
		MaxPages: 1,
		Deadline: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBudgetExhausted, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "c1", *got.Cursor)
	assert.Equal(t, int64(100), got.SyncedCount)
	assert.Less(t, got.Progress, 100)
}

func TestPaginatorEstimatesTotalWhenProviderSilent(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(0)}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, Budget{
		MaxPages: 1,
		Deadline: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBudgetExhausted, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, got.TotalEstimated)
	assert.Equal(t, int64(100+3*100), got.TotalCount, "estimate assumes a few pages remain")
	assert.Less(t, got.Progress, 100)
}

func TestPaginatorEndOfStreamSettlesEstimate(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(0)}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, got.TotalEstimated, "end of stream makes the count exact")
	assert.Equal(t, int64(250), got.TotalCount)
	assert.Equal(t, 100, got.Progress)
}

func TestPaginatorRetriesTransientError(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{
		pages: threePages(250),
		// Page 2's first fetch is rate limited; the retry succeeds.
		errs: []error{nil, &ProviderError{Kind: ErrorRateLimited}, nil, nil},
	}
	pag := newTestPaginator(st, client)
	var slept []time.Duration
	pag.sleep = func(d time.Duration) { slept = append(slept, d) }

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Len(t, slept, 1)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.SyncedCount)
	assert.Equal(t, 0, got.RetryCount, "a successful page clears the retry counter")
	assert.Equal(t, 4, client.listCalls, "the failed cursor is refetched, not skipped")
}

func TestPaginatorFailsOnUnauthorized(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{
		pages: threePages(250),
		errs:  []error{&ProviderError{Kind: ErrorUnauthorized}},
	}
	pag := newTestPaginator(st, client)
	var slept []time.Duration
	pag.sleep = func(d time.Duration) { slept = append(slept, d) }

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, ErrorUnauthorized, KindOf(err))
	assert.Empty(t, slept, "auth failures are terminal, not retried")
}

func TestPaginatorExhaustsRetriesThenFails(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{
		pages: threePages(250),
		errs: []error{
			&ProviderError{Kind: ErrorServiceUnavailable},
			&ProviderError{Kind: ErrorServiceUnavailable},
			&ProviderError{Kind: ErrorServiceUnavailable},
			&ProviderError{Kind: ErrorServiceUnavailable},
		},
	}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, ErrorServiceUnavailable, KindOf(err))

	got, gerr := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, gerr)
	assert.Equal(t, 3, got.RetryCount)
}

func TestPaginatorPauseTakesEffectBetweenPages(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(250)}
	client.onList = func(call int) {
		if call == 2 {
			// Operator pauses while page 2 is in flight; the stop flag
			// is honored at the next page boundary.
			_, err := st.DB.Exec(`UPDATE accounts SET stopped = 1 WHERE id = ?`, "acc-1")
			require.NoError(t, err)
		}
	}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.SyncedCount, "the in-flight page still lands")
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "c2", *got.Cursor, "pause preserves the cursor for resume")
}

func TestPaginatorPauseDuringFetchSkipsRecording(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(250)}
	client.onList = func(call int) {
		if call == 1 {
			// A real pause flips the status to idle before the page
			// fetch returns, so the page outcome must not be counted
			// against a no-longer-syncing account.
			require.NoError(t, st.PauseSync(context.Background(), "acc-1", time.Now().UTC()))
		}
	}
	pag := newTestPaginator(st, client)

	outcome, err := pag.Run(context.Background(), account, inboxFolders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	got, err := st.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, got.Status)
	assert.Equal(t, int64(0), got.SyncedCount, "counters stay untouched for the skipped page")
	assert.Nil(t, got.Cursor, "the cursor never advances past an uncounted page")

	stored, err := st.CountMessages(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored, "the in-flight page's rows still land idempotently")
}

func TestPaginatorRegistersMidPassFolder(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	// The message lives in a folder created after the pass's folder
	// listing, so the folder map has never seen its id.
	msgs := makeMessages(0, 1)
	msgs[0].FolderIDs = []string{"Receipts"}
	client := &fakeClient{pages: map[string]*Page{
		"": {Messages: msgs, EndOfStream: true, TotalEstimate: 1},
	}}
	pag := newTestPaginator(st, client)

	folders := FolderMap{"INBOX": store.FolderInbox}
	outcome, err := pag.Run(context.Background(), account, folders, farBudget())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	rows, err := st.ListFolders(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Receipts", rows[0].ProviderFolderID)
	assert.Equal(t, store.FolderCustom, rows[0].Type)
	assert.Equal(t, store.FolderCustom, folders["Receipts"], "later pages reuse the registered folder")

	var ft store.FolderType
	require.NoError(t, st.DB.Get(&ft, `SELECT folder_type FROM messages WHERE account_id = ?`, "acc-1"))
	assert.Equal(t, store.FolderCustom, ft)
}

func TestPaginatorDeadlineStopsPass(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	account := startSyncing(t, st, "acc-1")

	client := &fakeClient{pages: threePages(250)}
	pag := newTestPaginator(st, client)
	pag.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	outcome, err := pag.Run(context.Background(), account, inboxFolders, Budget{
		MaxPages: 100,
		Deadline: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBudgetExhausted, outcome)
	assert.Equal(t, 1, client.listCalls)
}
