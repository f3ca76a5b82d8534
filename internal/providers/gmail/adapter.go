package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// Adapter implements the provider contract for Gmail. The cursor is
// Gmail's list page token.
type Adapter struct {
	svc *gmail.Service
}

// New builds a Gmail adapter from an OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauthToken := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, oauthToken)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListFolders lists Gmail labels. System labels carry their role as
// special-use; user labels classify by name.
func (a *Adapter) ListFolders(ctx context.Context, accountRef string) ([]sync.FolderInfo, error) {
	resp, err := a.svc.Users.Labels.List(accountRef).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	folders := make([]sync.FolderInfo, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		folders = append(folders, sync.FolderInfo{
			ID:         l.Id,
			Name:       l.Name,
			SpecialUse: specialUse(l.Id),
			Unread:     l.MessagesUnread,
			Total:      l.MessagesTotal,
		})
	}
	return folders, nil
}

// ListMessages fetches one page of message ids and resolves each to
// metadata. ResultSizeEstimate is Gmail's approximate mailbox total.
func (a *Adapter) ListMessages(ctx context.Context, accountRef, cursor string, pageSize int) (*sync.Page, error) {
	call := a.svc.Users.Messages.List(accountRef).
		MaxResults(int64(pageSize)).
		IncludeSpamTrash(true).
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &sync.Page{
		NextCursor:    resp.NextPageToken,
		EndOfStream:   resp.NextPageToken == "",
		TotalEstimate: resp.ResultSizeEstimate,
	}

	for _, m := range resp.Messages {
		full, err := a.svc.Users.Messages.Get(accountRef, m.Id).
			Format("metadata").
			MetadataHeaders("Subject", "From", "To", "Cc").
			Context(ctx).
			Do()
		if err != nil {
			return nil, classify(err)
		}
		page.Messages = append(page.Messages, normalize(full))
	}
	return page, nil
}

func normalize(m *gmail.Message) sync.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	return sync.MessageMeta{
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		FolderIDs: m.LabelIds,
		Sender:    headers["From"],
		To:        splitAddrs(headers["To"]),
		Cc:        splitAddrs(headers["Cc"]),
		Subject:   headers["Subject"],
		Snippet:   m.Snippet,
		Date:      time.UnixMilli(m.InternalDate),
		Read:      !hasLabel(m.LabelIds, "UNREAD"),
		Starred:   hasLabel(m.LabelIds, "STARRED"),
	}
}

// specialUse maps Gmail system label ids to normalized roles.
func specialUse(labelID string) string {
	switch labelID {
	case "INBOX":
		return "inbox"
	case "SENT":
		return "sent"
	case "DRAFT":
		return "drafts"
	case "SPAM":
		return "spam"
	case "TRASH":
		return "trash"
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// classify maps Gmail API failures onto the engine's error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return &sync.ProviderError{Kind: sync.ErrorUnauthorized, Err: err}
		case gerr.Code == 429:
			return &sync.ProviderError{Kind: sync.ErrorRateLimited, RetryAfter: retryAfter(gerr), Err: err}
		case gerr.Code == 403 && isQuotaReason(gerr):
			return &sync.ProviderError{Kind: sync.ErrorRateLimited, RetryAfter: retryAfter(gerr), Err: err}
		case gerr.Code == 403:
			return &sync.ProviderError{Kind: sync.ErrorUnauthorized, Err: err}
		case gerr.Code >= 500:
			return &sync.ProviderError{Kind: sync.ErrorServiceUnavailable, Err: err}
		}
		return &sync.ProviderError{Kind: sync.ErrorUnknown, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &sync.ProviderError{Kind: sync.ErrorNetwork, Err: err}
	}
	return &sync.ProviderError{Kind: sync.ErrorUnknown, Err: err}
}

func isQuotaReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "rateLimit") || strings.Contains(item.Reason, "quota") {
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}
	if v := gerr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
