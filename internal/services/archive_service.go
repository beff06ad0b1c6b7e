package services

import (
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/normalize"
	"gorm.io/gorm"
)

// ErrMessageNotFound indicates the archived message was not found
var ErrMessageNotFound = errors.New("archived message not found")

// ArchiveService is the persistence layer for archived messages and their
// attachments. Duplicate inserts on the (account, message key) pair are
// resolved by the unique index and reported as "already archived".
type ArchiveService struct {
	db         *gorm.DB
	logService *LogService
}

// NewArchiveService creates a new ArchiveService instance
func NewArchiveService(db *gorm.DB) *ArchiveService {
	return &ArchiveService{
		db:         db,
		logService: NewLogService(db),
	}
}

// Exists reports whether a message with this dedup key is already archived
// for the account
func (s *ArchiveService) Exists(accountID uint, messageKey string) (bool, error) {
	var count int64
	err := s.db.Model(&models.ArchivedMessage{}).
		Where("account_id = ? AND message_key = ?", accountID, messageKey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// BuildRecord converts a normalized message into the storable record and its
// attachment rows
func (s *ArchiveService) BuildRecord(account *models.MailAccount, folder, messageKey string, msg *normalize.Message) (*models.ArchivedMessage, []models.Attachment) {
	toJSON, _ := json.Marshal(msg.To)
	ccJSON, _ := json.Marshal(msg.Cc)
	bccJSON, _ := json.Marshal(msg.Bcc)

	record := &models.ArchivedMessage{
		AccountID:      account.ID,
		MessageKey:     messageKey,
		Subject:        msg.Subject,
		FromAddr:       msg.From,
		ToAddrs:        string(toJSON),
		CcAddrs:        string(ccJSON),
		BccAddrs:       string(bccJSON),
		SentAt:         msg.Date,
		ArchivedAt:     time.Now(),
		Outgoing:       isOutgoing(account.Email, folder, msg.From),
		Folder:         folder,
		Body:           msg.Body,
		HTMLBody:       msg.HTMLBody,
		BodyTruncated:  msg.BodyTruncated,
		HTMLTruncated:  msg.HTMLTruncated,
		HasAttachments: msg.HasAttachments,
	}

	attachments := make([]models.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, models.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			ContentID:   a.ContentID,
			Size:        len(a.Content),
			Content:     a.Content,
		})
	}

	return record, attachments
}

// SaveMessage persists a message and its attachments in one transaction.
// A duplicate (account, message key) pair returns created=false with no
// error, making concurrent archival of the same message race-free.
func (s *ArchiveService) SaveMessage(record *models.ArchivedMessage, attachments []models.Attachment) (created bool, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		for i := range attachments {
			attachments[i].MessageID = record.ID
			if err := tx.Create(&attachments[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isOutgoing flags mail that left the mailbox: stored in a sent folder or
// authored by the account's own address. Folder names use the provider's
// hierarchy delimiter, so only the last segment is matched.
func isOutgoing(accountEmail, folder, from string) bool {
	name := folder
	if i := strings.LastIndexAny(folder, "/."); i >= 0 && i < len(folder)-1 {
		name = folder[i+1:]
	}
	if strings.Contains(strings.ToLower(name), "sent") {
		return true
	}
	if accountEmail == "" || from == "" {
		return false
	}
	addr := from
	if a, err := mail.ParseAddress(from); err == nil {
		addr = a.Address
	}
	return strings.EqualFold(addr, accountEmail)
}

// isDuplicateKeyError recognizes a violation of the dedup unique index
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetMessage loads one archived message with its attachments
func (s *ArchiveService) GetMessage(id uint) (*models.ArchivedMessage, error) {
	var msg models.ArchivedMessage
	if err := s.db.Preload("Attachments").First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// GetMessagesForAccount loads the requested archived messages, restricted to
// one account. Requested ids that do not exist or belong to another account
// are simply absent from the result.
func (s *ArchiveService) GetMessagesForAccount(accountID uint, ids []uint) ([]models.ArchivedMessage, error) {
	var messages []models.ArchivedMessage
	err := s.db.Preload("Attachments").
		Where("account_id = ? AND id IN ?", accountID, ids).
		Order("id").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages returns the number of archived messages for an account
func (s *ArchiveService) CountMessages(accountID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.ArchivedMessage{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	return count, err
}
