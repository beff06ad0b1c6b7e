// Package provider abstracts access to remote mailboxes. One implementation
// exists per provider kind; the caller selects it once per sync or restore
// invocation based on the account's provider field.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeleteUnsupported indicates the provider cannot permanently delete
	// messages. Callers treat this as a retention warning, not a sync failure.
	ErrDeleteUnsupported = errors.New("provider does not support message deletion")
	// ErrConnectionFailed indicates the provider session could not be established
	ErrConnectionFailed = errors.New("provider connection failed")
	// ErrMessageNotFound indicates the referenced message no longer exists
	ErrMessageNotFound = errors.New("message not found on provider")
)

// MessageInfo is the envelope-level metadata of a remote message, enough to
// compute its dedup key without fetching the full content.
type MessageInfo struct {
	// Key is the globally-unique-per-account message identifier used for
	// duplicate detection (Message-ID header when available).
	Key string
	// Ref is the provider-native reference used to fetch or delete the message
	Ref string
	// Folder the message lives in
	Folder string
	Subject string
	SentAt  time.Time
	// Err reports a per-message enumeration failure; the stream continues
	Err error
}

// MailSource is a session against one remote mailbox.
//
// FetchMessages streams envelope metadata so very large mailboxes never need
// to be buffered in memory; full content is pulled per message on demand.
type MailSource interface {
	// ListFolders returns the names of all folders in the mailbox
	ListFolders(ctx context.Context) ([]string, error)

	// FetchMessages streams messages in folder newer than since. A zero since
	// time means all messages. The channel is closed when enumeration ends or
	// ctx is cancelled.
	FetchMessages(ctx context.Context, folder string, since time.Time) (<-chan MessageInfo, error)

	// FetchContent retrieves the full RFC 822 content of one message
	FetchContent(ctx context.Context, folder, ref string) ([]byte, error)

	// DeleteMessage permanently removes (expunges) a message from the live
	// mailbox. Implementations without expunge support return
	// ErrDeleteUnsupported instead of silently doing nothing.
	DeleteMessage(ctx context.Context, folder, ref string) error

	// PushMessage uploads a full message into the target folder, preserving
	// the original headers and attachments bit-for-bit where the transport
	// allows. The caller decides whether to retry on failure.
	PushMessage(ctx context.Context, folder string, raw []byte, sentAt time.Time) error

	// Close releases the provider session
	Close() error
}
