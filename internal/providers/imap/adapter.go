package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

const snippetLimit = 200

// Adapter implements the provider contract over plain IMAP. The cursor
// encodes the current mailbox and the highest UID already consumed as
// "mailbox|uid"; mailboxes are walked in sorted order.
type Adapter struct {
	addr     string
	username string
	password string
}

// New builds an IMAP adapter. addr is host:port for an implicit-TLS
// endpoint.
func New(addr, username, password string) *Adapter {
	return &Adapter{addr: addr, username: username, password: password}
}

func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, error) {
	client, err := imapclient.DialTLS(a.addr, nil)
	if err != nil {
		return nil, &sync.ProviderError{Kind: sync.ErrorNetwork, Err: fmt.Errorf("dial %s: %w", a.addr, err)}
	}

	if err := client.Login(a.username, a.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &sync.ProviderError{Kind: sync.ErrorUnauthorized, Err: fmt.Errorf("login %s: %w", a.username, err)}
	}
	return client, nil
}

// ListFolders lists all mailboxes with their SPECIAL-USE attributes and
// message counts.
func (a *Adapter) ListFolders(ctx context.Context, accountRef string) ([]sync.FolderInfo, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	listOpts := &goimap.ListOptions{
		ReturnStatus: &goimap.StatusOptions{NumMessages: true, NumUnseen: true},
	}
	mailboxes, err := client.List("", "*", listOpts).Collect()
	if err != nil {
		return nil, classify(err)
	}

	var folders []sync.FolderInfo
	for _, mbox := range mailboxes {
		info := sync.FolderInfo{
			ID:         mbox.Mailbox,
			Name:       mbox.Mailbox,
			SpecialUse: specialUse(mbox),
		}
		if mbox.Status != nil {
			if mbox.Status.NumMessages != nil {
				info.Total = int64(*mbox.Status.NumMessages)
			}
			if mbox.Status.NumUnseen != nil {
				info.Unread = int64(*mbox.Status.NumUnseen)
			}
		}
		folders = append(folders, info)
	}
	return folders, nil
}

func specialUse(mbox *goimap.ListData) string {
	if strings.EqualFold(mbox.Mailbox, "INBOX") {
		return "inbox"
	}
	for _, attr := range mbox.Attrs {
		switch attr {
		case goimap.MailboxAttrSent:
			return "sent"
		case goimap.MailboxAttrDrafts:
			return "drafts"
		case goimap.MailboxAttrJunk:
			return "junk"
		case goimap.MailboxAttrTrash:
			return "trash"
		}
	}
	return ""
}

// ListMessages walks mailboxes in sorted order, fetching up to pageSize
// messages with UIDs above the cursor position. Empty mailboxes are
// skipped within a single call.
func (a *Adapter) ListMessages(ctx context.Context, accountRef, cursor string, pageSize int) (*sync.Page, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	names, err := a.mailboxNames(client)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return &sync.Page{EndOfStream: true}, nil
	}

	mailbox, lastUID, err := parseCursor(cursor, names)
	if err != nil {
		return nil, err
	}

	idx := indexOf(names, mailbox)
	if idx < 0 {
		// Mailbox deleted since the cursor was written; restart from
		// the next surviving name.
		idx = 0
		lastUID = 0
	}

	for idx < len(names) {
		mailbox = names[idx]
		uids, err := a.searchAbove(client, mailbox, lastUID)
		if err != nil {
			return nil, err
		}
		if len(uids) == 0 {
			idx++
			lastUID = 0
			continue
		}

		more := len(uids) > pageSize
		if more {
			uids = uids[:pageSize]
		}
		msgs, err := a.fetchMessages(client, mailbox, uids)
		if err != nil {
			return nil, err
		}

		page := &sync.Page{Messages: msgs}
		if more || idx < len(names)-1 {
			page.NextCursor = encodeCursor(mailbox, uint32(uids[len(uids)-1]))
		} else {
			page.EndOfStream = true
		}
		return page, nil
	}
	return &sync.Page{EndOfStream: true}, nil
}

func (a *Adapter) mailboxNames(client *imapclient.Client) ([]string, error) {
	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify(err)
	}
	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		if hasAttr(mbox.Attrs, goimap.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, mbox.Mailbox)
	}
	sort.Strings(names)
	return names, nil
}

func hasAttr(attrs []goimap.MailboxAttr, want goimap.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}

func (a *Adapter) searchAbove(client *imapclient.Client, mailbox string, lastUID uint32) ([]goimap.UID, error) {
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return nil, classify(err)
	}

	criteria := &goimap.SearchCriteria{
		UID: []goimap.UIDSet{{goimap.UIDRange{Start: goimap.UID(lastUID + 1), Stop: 0}}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify(err)
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (a *Adapter) fetchMessages(client *imapclient.Client, mailbox string, uids []goimap.UID) ([]sync.MessageMeta, error) {
	uidSet := goimap.UIDSetNum(uids...)
	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchOpts := &goimap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var msgs []sync.MessageMeta
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		msgs = append(msgs, normalize(mailbox, buf, bodySection))
	}
	if err := fetchCmd.Close(); err != nil {
		return msgs, classify(err)
	}
	return msgs, nil
}

func normalize(mailbox string, buf *imapclient.FetchMessageBuffer, section *goimap.FetchItemBodySection) sync.MessageMeta {
	meta := sync.MessageMeta{
		MessageID: fmt.Sprintf("%s:%d", mailbox, buf.UID),
		FolderIDs: []string{mailbox},
	}

	if buf.Envelope != nil {
		meta.Subject = buf.Envelope.Subject
		meta.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			meta.Sender = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			meta.To = append(meta.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			meta.Cc = append(meta.Cc, cc.Addr())
		}
	}

	for _, flag := range buf.Flags {
		switch flag {
		case goimap.FlagSeen:
			meta.Read = true
		case goimap.FlagFlagged:
			meta.Starred = true
		}
	}

	if raw := buf.FindBodySection(section); raw != nil {
		meta.Snippet, meta.Attachments = parseBody(raw)
	}
	return meta
}

// parseBody extracts a plain-text snippet and attachment metadata from
// a raw RFC 5322 message.
func parseBody(raw []byte) (string, []sync.AttachmentMeta) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return snippet(string(raw)), nil
	}
	defer mr.Close()

	var text string
	var attachments []sync.AttachmentMeta
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if text == "" && strings.HasPrefix(contentType, "text/plain") {
				body, readErr := io.ReadAll(part.Body)
				if readErr == nil {
					text = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, sync.AttachmentMeta{
				Filename: filename,
				MimeType: contentType,
				Size:     int64(len(body)),
			})
		}
	}
	return snippet(text), attachments
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > snippetLimit {
		// Cut on a rune boundary so a multi-byte character is never
		// split into invalid UTF-8.
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return body
}

func parseCursor(cursor string, names []string) (string, uint32, error) {
	if cursor == "" {
		return names[0], 0, nil
	}
	mailbox, uidStr, ok := strings.Cut(cursor, "|")
	if !ok {
		return "", 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return mailbox, uint32(uid), nil
}

func encodeCursor(mailbox string, uid uint32) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

func indexOf(names []string, want string) int {
	for i, name := range names {
		if name == want {
			return i
		}
	}
	return -1
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "login"):
		return &sync.ProviderError{Kind: sync.ErrorUnauthorized, Err: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe"):
		return &sync.ProviderError{Kind: sync.ErrorNetwork, Err: err}
	default:
		return &sync.ProviderError{Kind: sync.ErrorServiceUnavailable, Err: err}
	}
}
