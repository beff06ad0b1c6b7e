package models

import (
	"time"
)

// ArchivedMessage represents a mail message stored in the archive.
// (AccountID, MessageKey) is unique; a duplicate insert is reported as
// "already archived", not as an error.
type ArchivedMessage struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	AccountID  uint   `gorm:"uniqueIndex:idx_account_message_key;not null" json:"account_id"`
	MessageKey string `gorm:"uniqueIndex:idx_account_message_key;size:255;not null" json:"message_key"`

	Subject  string `gorm:"size:500" json:"subject"`
	FromAddr string `gorm:"size:255" json:"from"`
	ToAddrs  string `gorm:"type:text" json:"to"`  // JSON array stored as string
	CcAddrs  string `gorm:"type:text" json:"cc"`  // JSON array stored as string
	BccAddrs string `gorm:"type:text" json:"bcc"` // JSON array stored as string

	SentAt     time.Time `gorm:"index" json:"sent_at"`
	ArchivedAt time.Time `json:"archived_at"`
	Outgoing   bool      `gorm:"default:false" json:"outgoing"`
	Folder     string    `gorm:"size:255;default:'INBOX'" json:"folder"`

	Body          string `gorm:"type:text" json:"body"`
	HTMLBody      string `gorm:"type:text" json:"html_body"`
	BodyTruncated bool   `gorm:"default:false" json:"body_truncated"`
	HTMLTruncated bool   `gorm:"default:false" json:"html_truncated"`

	HasAttachments bool `gorm:"default:false" json:"has_attachments"`

	CreatedAt time.Time `json:"created_at"`

	// Relations
	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// Attachment represents a file attached to an archived message. Inline parts
// carry a ContentID so HTML bodies can reference them.
type Attachment struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	MessageID   uint   `gorm:"index;not null" json:"message_id"`
	Filename    string `gorm:"size:255" json:"filename"`
	ContentType string `gorm:"size:100" json:"content_type"`
	ContentID   string `gorm:"size:255" json:"content_id,omitempty"`
	Size        int    `json:"size"`
	Content     []byte `gorm:"type:blob" json:"-"`
}
