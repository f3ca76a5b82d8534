package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestAccount(t *testing.T, st *store.Store, id string) *store.Account {
	t.Helper()
	a := &store.Account{
		ID:           id,
		UserID:       "user-1",
		Provider:     "gmail",
		GrantRef:     "grant-" + id,
		EmailAddress: id + "@example.com",
	}
	require.NoError(t, st.CreateAccount(context.Background(), a))
	return a
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient serves scripted pages keyed by cursor. errs is consumed
// one per ListMessages call before any page is returned; a nil entry
// means that call succeeds. onList fires at the start of each
// ListMessages call with the 1-based call number.
type fakeClient struct {
	folders []FolderInfo
	pages   map[string]*Page
	errs    []error
	onList  func(call int)

	listCalls   int
	folderCalls int
	folderErrs  []error
}

func (f *fakeClient) ListFolders(ctx context.Context, accountRef string) ([]FolderInfo, error) {
	f.folderCalls++
	if len(f.folderErrs) > 0 {
		err := f.folderErrs[0]
		f.folderErrs = f.folderErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.folders, nil
}

func (f *fakeClient) ListMessages(ctx context.Context, accountRef, cursor string, pageSize int) (*Page, error) {
	f.listCalls++
	if f.onList != nil {
		f.onList(f.listCalls)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("no scripted page for cursor %q", cursor)
	}
	return page, nil
}

// threePages scripts a 250-message mailbox served as 100/100/50.
func threePages(total int64) map[string]*Page {
	return map[string]*Page{
		"":   {Messages: makeMessages(0, 100), NextCursor: "c1", TotalEstimate: total},
		"c1": {Messages: makeMessages(100, 100), NextCursor: "c2", TotalEstimate: total},
		"c2": {Messages: makeMessages(200, 50), EndOfStream: true, TotalEstimate: total},
	}
}

func makeMessages(start, n int) []MessageMeta {
	msgs := make([]MessageMeta, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, MessageMeta{
			MessageID: fmt.Sprintf("msg-%04d", start+i),
			FolderIDs: []string{"INBOX"},
			Sender:    "sender@example.com",
			Subject:   "subject",
			Date:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(start+i) * time.Minute),
		})
	}
	return msgs
}

var inboxFolders = FolderMap{"INBOX": store.FolderInbox}

func newTestPaginator(st *store.Store, client Client) *Paginator {
	return &Paginator{
		Provider: client,
		Store:    st,
		State:    NewStateMachine(st),
		Policy:   RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		PageSize: 100,
		Log:      discardLogger(),
		now:      func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
		sleep:    func(time.Duration) {},
	}
}
