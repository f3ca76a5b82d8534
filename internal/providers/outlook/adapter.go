package outlook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// Adapter implements the provider contract for Outlook via Microsoft
// Graph. The cursor is a numeric offset into the ordered message list.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New builds a Graph adapter from an OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// ListFolders lists the account's mail folders. Graph exposes no
// machine-readable role on the list call, so classification falls back
// to display-name heuristics.
func (a *Adapter) ListFolders(ctx context.Context, accountRef string) ([]sync.FolderInfo, error) {
	requestConfig := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: int32Ptr(100),
		},
	}

	result, err := a.client.Users().ByUserId(accountRef).MailFolders().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	var folders []sync.FolderInfo
	for _, f := range result.GetValue() {
		info := sync.FolderInfo{}
		if id := f.GetId(); id != nil {
			info.ID = *id
		}
		if name := f.GetDisplayName(); name != nil {
			info.Name = *name
		}
		if n := f.GetUnreadItemCount(); n != nil {
			info.Unread = int64(*n)
		}
		if n := f.GetTotalItemCount(); n != nil {
			info.Total = int64(*n)
		}
		folders = append(folders, info)
	}
	return folders, nil
}

// ListMessages fetches one offset page ordered by received time.
func (a *Adapter) ListMessages(ctx context.Context, accountRef, cursor string, pageSize int) (*sync.Page, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		offset = parsed
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(pageSize)),
			Skip:    int32Ptr(int32(offset)),
			Count:   boolPtr(true),
			Orderby: []string{"receivedDateTime desc"},
			Select: []string{
				"id", "conversationId", "parentFolderId", "subject", "from",
				"toRecipients", "ccRecipients", "bodyPreview", "receivedDateTime",
				"isRead", "flag", "hasAttachments",
			},
		},
	}

	result, err := a.client.Users().ByUserId(accountRef).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	msgs := result.GetValue()
	page := &sync.Page{
		EndOfStream: len(msgs) < pageSize,
	}
	if total := result.GetOdataCount(); total != nil {
		page.TotalEstimate = *total
	}
	if !page.EndOfStream {
		page.NextCursor = strconv.Itoa(offset + len(msgs))
	}

	for _, m := range msgs {
		page.Messages = append(page.Messages, normalize(m))
	}
	return page, nil
}

func normalize(m models.Messageable) sync.MessageMeta {
	meta := sync.MessageMeta{}

	if id := m.GetId(); id != nil {
		meta.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		meta.ThreadID = *convID
	}
	if folderID := m.GetParentFolderId(); folderID != nil {
		meta.FolderIDs = []string{*folderID}
	}
	if subject := m.GetSubject(); subject != nil {
		meta.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if s := addr.GetAddress(); s != nil {
				meta.Sender = *s
			}
		}
	}
	meta.To = extractAddresses(m.GetToRecipients())
	meta.Cc = extractAddresses(m.GetCcRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		meta.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.Date = *rcvd
	}
	if read := m.GetIsRead(); read != nil {
		meta.Read = *read
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil {
			meta.Starred = *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	return meta
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if addr := r.GetEmailAddress(); addr != nil {
			if s := addr.GetAddress(); s != nil {
				addrs = append(addrs, *s)
			}
		}
	}
	return addrs
}

// classify maps Graph OData failures onto the engine's error taxonomy.
func classify(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch code := oerr.ResponseStatusCode; {
		case code == 401 || code == 403:
			return &sync.ProviderError{Kind: sync.ErrorUnauthorized, Err: err}
		case code == 429:
			return &sync.ProviderError{Kind: sync.ErrorRateLimited, Err: err}
		case code >= 500:
			return &sync.ProviderError{Kind: sync.ErrorServiceUnavailable, Err: err}
		}
		return &sync.ProviderError{Kind: sync.ErrorUnknown, Err: err}
	}
	return &sync.ProviderError{Kind: sync.ErrorNetwork, Err: err}
}

// staticTokenCredential adapts a fetched OAuth token to the Azure
// credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

func int32Ptr(i int32) *int32 { return &i }
func boolPtr(b bool) *bool    { return &b }
