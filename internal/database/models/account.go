package models

import (
	"time"
)

// ProviderKind identifies how a mail account is reached
type ProviderKind string

const (
	// ProviderIMAP is a classic IMAP mailbox
	ProviderIMAP ProviderKind = "imap"
	// ProviderGraph is a Microsoft 365 mailbox reached via the Graph API
	ProviderGraph ProviderKind = "graph"
	// ProviderImport is a local-only account that exists as an import target
	ProviderImport ProviderKind = "import"
)

// IsValid checks if the provider kind is known
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderIMAP, ProviderGraph, ProviderImport:
		return true
	}
	return false
}

// MailAccount represents a mailbox that is archived by the system
type MailAccount struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"size:100;not null" json:"name"`
	Email       string       `gorm:"size:255;not null" json:"email"`
	Provider    ProviderKind `gorm:"size:20;not null;default:'imap'" json:"provider"`
	Enabled     bool         `gorm:"default:true" json:"enabled"`

	// IMAP connection settings
	IMAPHost          string `gorm:"size:255" json:"imap_host"`
	IMAPPort          int    `json:"imap_port"`
	Username          string `gorm:"size:255" json:"username"`
	PasswordEncrypted string `gorm:"size:500" json:"-"`
	UseSSL            bool   `gorm:"default:true" json:"use_ssl"`

	// Graph (M365) connection settings
	GraphTenantID        string `gorm:"size:100" json:"graph_tenant_id"`
	GraphClientID        string `gorm:"size:100" json:"graph_client_id"`
	GraphSecretEncrypted string `gorm:"size:500" json:"-"`
	GraphMailbox         string `gorm:"size:255" json:"graph_mailbox"` // UPN of the mailbox to archive

	// Retention policy: delete archived messages older than RetentionDays
	// from the live mailbox. Deletion only ever happens after archival.
	RetentionEnabled bool `gorm:"default:false" json:"retention_enabled"`
	RetentionDays    int  `gorm:"default:0" json:"retention_days"`

	// Sync cursor, updated only after a completed pass
	LastSyncAt time.Time `json:"last_sync_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Messages []ArchivedMessage `gorm:"foreignKey:AccountID" json:"messages,omitempty"`
}
