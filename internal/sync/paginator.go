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

// assumedRemainingPages is the guess used for progress when the
// provider reports no total. Deliberately small so early progress is
// visible; the estimate is flagged as such.
const assumedRemainingPages = 3

// Outcome is how a bounded pagination run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeBudgetExhausted
	OutcomePaused
	OutcomeFailed
)

// Budget bounds one invocation by page count and wall clock.
type Budget struct {
	MaxPages int
	Deadline time.Time
}

// Paginator drives repeated page fetches against the provider,
// advancing the opaque cursor. Page N+1 is only requested after page
// N's messages are durably written, because its cursor comes out of
// page N's processing.
type Paginator struct {
	Provider Client
	Store    *store.Store
	State    *StateMachine
	Policy   RetryPolicy
	PageSize int
	Log      *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func (p *Paginator) clock() func() time.Time {
	if p.now != nil {
		return p.now
	}
	return time.Now
}

func (p *Paginator) wait(d time.Duration) {
	if p.sleep != nil {
		p.sleep(d)
		return
	}
	time.Sleep(d)
}

// Run fetches pages until end-of-stream, budget exhaustion, pause, or a
// terminal error. Transient provider errors are retried in place with
// backoff and never advance the cursor.
func (p *Paginator) Run(ctx context.Context, account *store.Account, folders FolderMap, budget Budget) (Outcome, error) {
	cursor := ""
	if account.Cursor != nil {
		cursor = *account.Cursor
	}

	synced := account.SyncedCount
	attempt := account.RetryCount
	pages := 0

	for {
		page, err := p.Provider.ListMessages(ctx, account.EmailAddress, cursor, p.PageSize)
		if err != nil {
			if !p.Policy.Retryable(err, attempt) {
				return OutcomeFailed, err
			}
			attempt++
			if berr := p.State.BumpRetry(ctx, account.ID); berr != nil {
				return OutcomeFailed, berr
			}
			delay := p.Policy.Delay(err, attempt)
			p.Log.Warn("transient provider error, backing off",
				"account", account.ID, "kind", KindOf(err).String(),
				"attempt", attempt, "delay", delay, "error", err)
			p.wait(delay)
			continue
		}
		attempt = 0

		inserted, err := p.writePage(ctx, account, folders, page)
		if err != nil {
			return OutcomeFailed, err
		}
		synced += inserted

		total, estimated := totals(synced, pages+1, p.PageSize, page)
		next := nullable(page.NextCursor)
		if page.EndOfStream {
			next = nil
		}

		result := store.PageResult{
			Cursor:         next,
			NewMessages:    inserted,
			TotalCount:     total,
			TotalEstimated: estimated,
			Progress:       progressOf(synced, total, page.EndOfStream),
		}
		recorded, err := p.State.RecordPage(ctx, account.ID, result)
		if err != nil {
			return OutcomeFailed, err
		}
		if !recorded {
			// A pause flipped the status while the page was in flight.
			// The page's rows are already written and idempotent; the
			// cursor stays put, so the resumed pass refetches from the
			// same place instead of skipping past an uncounted page.
			return OutcomePaused, nil
		}

		p.Log.Info("page synced",
			"account", account.ID, "new", inserted, "synced", synced,
			"total", total, "estimated", estimated, "end", page.EndOfStream)

		if page.EndOfStream {
			return OutcomeCompleted, nil
		}
		cursor = page.NextCursor
		pages++

		// Pause does not interrupt an in-flight fetch; it takes effect
		// here, between pages.
		fresh, err := p.Store.GetAccount(ctx, account.ID)
		if err != nil {
			return OutcomeFailed, err
		}
		if fresh.Stopped {
			return OutcomePaused, nil
		}

		if pages >= budget.MaxPages || !p.clock()().Before(budget.Deadline) {
			return OutcomeBudgetExhausted, nil
		}
	}
}

// writePage classifies and upserts one page of messages, returning the
// count of genuinely new rows (re-delivered messages update in place
// and do not count).
func (p *Paginator) writePage(ctx context.Context, account *store.Account, folders FolderMap, page *Page) (int64, error) {
	var inserted int64
	for _, meta := range page.Messages {
		folderID, folderType := folders.Resolve(meta.FolderIDs)
		if folderType == store.FolderUnknown && folderID != "" {
			// Providers can surface folder ids that were created after the
			// pass's folder listing. Register such a folder from its id so
			// the message row points at something real; the next full
			// listing refreshes its name and counts.
			folderType = ClassifyFolder(FolderInfo{ID: folderID, Name: folderID})
			f := &store.Folder{
				AccountID:        account.ID,
				ProviderFolderID: folderID,
				Name:             folderID,
				Type:             folderType,
			}
			if err := p.Store.UpsertFolder(ctx, f); err != nil {
				return inserted, err
			}
			folders[folderID] = folderType
		}

		msg := &store.Message{
			ID:                uuid.NewString(),
			AccountID:         account.ID,
			ProviderMessageID: meta.MessageID,
			ThreadID:          meta.ThreadID,
			FolderID:          folderID,
			FolderType:        folderType,
			Sender:            meta.Sender,
			ToAddrs:           mustJSON(meta.To),
			CcAddrs:           mustJSON(meta.Cc),
			Subject:           meta.Subject,
			Snippet:           meta.Snippet,
			IsRead:            meta.Read,
			IsStarred:         meta.Starred,
			Attachments:       mustJSON(meta.Attachments),
		}
		if !meta.Date.IsZero() {
			d := meta.Date.UTC()
			msg.MessageDate = &d
		}

		isNew, err := p.Store.UpsertMessage(ctx, msg)
		if err != nil {
			return inserted, fmt.Errorf("write message %s: %w", meta.MessageID, err)
		}
		if isNew {
			inserted++
		}
	}
	return inserted, nil
}

// totals picks the best available mailbox size: the provider's reported
// total when present, otherwise an estimate flagged as such.
func totals(synced int64, pagesFetched, pageSize int, page *Page) (int64, bool) {
	if page.TotalEstimate > 0 {
		return page.TotalEstimate, false
	}
	if page.EndOfStream {
		return synced, false
	}
	return synced + int64(assumedRemainingPages*pageSize), true
}

// progressOf never reports 100 before true end-of-stream.
func progressOf(synced, total int64, end bool) int {
	if end {
		return 100
	}
	if total <= 0 {
		return 0
	}
	pct := int(synced * 100 / total)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
