package store

import (
	"context"
	"fmt"
	"time"
)

// Folder is one provider mailbox/label scoped to an account.
type Folder struct {
	AccountID        string     `db:"account_id" json:"accountId"`
	ProviderFolderID string     `db:"provider_folder_id" json:"providerFolderId"`
	Name             string     `db:"name" json:"name"`
	Type             FolderType `db:"folder_type" json:"type"`
	UnreadCount      int64      `db:"unread_count" json:"unreadCount"`
	TotalCount       int64      `db:"total_count" json:"totalCount"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// Message is one synced mail item. Address lists and attachment
// metadata are stored as JSON text.
type Message struct {
	ID                string     `db:"id" json:"id"`
	AccountID         string     `db:"account_id" json:"accountId"`
	ProviderMessageID string     `db:"provider_message_id" json:"providerMessageId"`
	ThreadID          string     `db:"thread_id" json:"threadId"`
	FolderID          string     `db:"folder_id" json:"folderId"`
	FolderType        FolderType `db:"folder_type" json:"folderType"`
	Sender            string     `db:"sender" json:"sender"`
	ToAddrs           string     `db:"to_addrs" json:"toAddrs"`
	CcAddrs           string     `db:"cc_addrs" json:"ccAddrs"`
	Subject           string     `db:"subject" json:"subject"`
	Snippet           string     `db:"snippet" json:"snippet"`
	MessageDate       *time.Time `db:"message_date" json:"messageDate,omitempty"`
	IsRead            bool       `db:"is_read" json:"isRead"`
	IsStarred         bool       `db:"is_starred" json:"isStarred"`
	Attachments       string     `db:"attachments" json:"attachments"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// UpsertFolder creates or refreshes a folder row. Folders are never
// duplicated; the (account, provider folder id) pair is the key.
func (s *Store) UpsertFolder(ctx context.Context, f *Folder) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO folders (account_id, provider_folder_id, name, folder_type, unread_count, total_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_folder_id) DO UPDATE SET
			name = excluded.name,
			folder_type = excluded.folder_type,
			unread_count = excluded.unread_count,
			total_count = excluded.total_count,
			updated_at = excluded.updated_at
	`, f.AccountID, f.ProviderFolderID, f.Name, f.Type, f.UnreadCount, f.TotalCount, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", f.ProviderFolderID, err)
	}
	return nil
}

// ListFolders returns all folder rows for an account.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]Folder, error) {
	var folders []Folder
	err := s.DB.SelectContext(ctx, &folders, `
		SELECT * FROM folders WHERE account_id = ? ORDER BY provider_folder_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// UpsertMessage writes one message keyed by (account id, provider
// message id). The first observation inserts; any later observation
// updates the mutable fields instead. Returns whether a new row was
// created, so callers can count genuinely new messages under
// re-delivery.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) (bool, error) {
	now := time.Now().UTC()

	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(id, account_id, provider_message_id, thread_id, folder_id, folder_type,
		 sender, to_addrs, cc_addrs, subject, snippet, message_date,
		 is_read, is_starred, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.AccountID, m.ProviderMessageID, m.ThreadID, m.FolderID, m.FolderType,
		m.Sender, m.ToAddrs, m.CcAddrs, m.Subject, m.Snippet, m.MessageDate,
		m.IsRead, m.IsStarred, m.Attachments, now, now)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ProviderMessageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Re-observed message: refresh the fields incremental sync can change.
	_, err = s.DB.ExecContext(ctx, `
		UPDATE messages
		SET folder_id = ?, folder_type = ?, snippet = ?,
		    is_read = ?, is_starred = ?, updated_at = ?
		WHERE account_id = ? AND provider_message_id = ?
	`, m.FolderID, m.FolderType, m.Snippet, m.IsRead, m.IsStarred, now,
		m.AccountID, m.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("update message %s: %w", m.ProviderMessageID, err)
	}
	return false, nil
}

// CountMessages returns the authoritative message row count for an
// account. The Account.SyncedCount counter can drift under partial
// failures; this is the ground truth.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
