package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorUnauthorized
	ErrorRateLimited
	ErrorServiceUnavailable
	ErrorNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorServiceUnavailable:
		return "service_unavailable"
	case ErrorNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ProviderError wraps a remote failure with its classification and an
// optional retry-after hint from the provider.
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain; anything that
// is not a ProviderError counts as unknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorUnknown
}

// RetryAfterOf extracts a retry-after hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// FolderInfo is provider-native folder metadata before classification.
type FolderInfo struct {
	ID         string
	Name       string
	SpecialUse string // provider-declared role: inbox/sent/drafts/spam/trash, "" if none
	Unread     int64
	Total      int64
}

// AttachmentMeta describes one attachment without its content.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MessageMeta is normalized message metadata across providers.
type MessageMeta struct {
	MessageID   string // provider-native id, half of the natural key
	ThreadID    string
	FolderIDs   []string // provider folder/label ids the message lives in
	Sender      string
	To          []string
	Cc          []string
	Subject     string
	Snippet     string
	Date        time.Time
	Read        bool
	Starred     bool
	Attachments []AttachmentMeta
}

// Page is one fetched page of messages. NextCursor is opaque and
// provider-defined; EndOfStream marks the true end of the mailbox.
type Page struct {
	Messages      []MessageMeta
	NextCursor    string
	EndOfStream   bool
	TotalEstimate int64 // provider-reported total, 0 when unavailable
}

// Client is the uniform provider contract the engine syncs against.
// Implementations live under internal/providers.
type Client interface {
	ListFolders(ctx context.Context, accountRef string) ([]FolderInfo, error)
	ListMessages(ctx context.Context, accountRef, cursor string, pageSize int) (*Page, error)
}
