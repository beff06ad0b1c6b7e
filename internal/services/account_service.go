package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"time"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound indicates the mail account was not found
	ErrAccountNotFound = errors.New("mail account not found")
	// ErrAccountAlreadyExists indicates a mail account with this address already exists
	ErrAccountAlreadyExists = errors.New("mail account already exists")
	// ErrAccountDisabled indicates the mail account is disabled
	ErrAccountDisabled = errors.New("mail account is disabled")
	// ErrAccountNotAllowed indicates the caller may not operate on this account
	ErrAccountNotAllowed = errors.New("mail account not allowed for this caller")
	// ErrInvalidAccountData indicates invalid account data
	ErrInvalidAccountData = errors.New("invalid account data")
	// ErrEncryptionFailed indicates credential encryption failed
	ErrEncryptionFailed = errors.New("credential encryption failed")
	// ErrDecryptionFailed indicates credential decryption failed
	ErrDecryptionFailed = errors.New("credential decryption failed")
)

// AllowedAccounts is the account filter supplied by the authorization
// collaborator. A nil filter allows every account.
type AllowedAccounts map[uint]bool

// Allows reports whether the filter permits operations on the account
func (a AllowedAccounts) Allows(accountID uint) bool {
	if a == nil {
		return true
	}
	return a[accountID]
}

// AccountService handles mail account business logic
type AccountService struct {
	db            *gorm.DB
	encryptionKey []byte // 32 bytes for AES-256
	logService    *LogService
}

// NewAccountService creates a new AccountService instance
func NewAccountService(db *gorm.DB, encryptionKey []byte) *AccountService {
	// Ensure key is 32 bytes for AES-256
	key := make([]byte, 32)
	copy(key, encryptionKey)
	return &AccountService{
		db:            db,
		encryptionKey: key,
		logService:    NewLogService(db),
	}
}

// encryptSecret encrypts a credential using AES-256-GCM
func (s *AccountService) encryptSecret(secret string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", ErrEncryptionFailed
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrEncryptionFailed
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptSecret decrypts a credential using AES-256-GCM
func (s *AccountService) decryptSecret(encryptedSecret string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedSecret)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// CreateAccountInput represents the input for creating a mail account
type CreateAccountInput struct {
	Name             string
	Email            string
	Provider         models.ProviderKind
	IMAPHost         string
	IMAPPort         int
	Username         string
	Password         string
	UseSSL           bool
	GraphTenantID    string
	GraphClientID    string
	GraphSecret      string
	GraphMailbox     string
	RetentionEnabled bool
	RetentionDays    int
}

// CreateAccount creates a new mail account
func (s *AccountService) CreateAccount(input CreateAccountInput) (*models.MailAccount, error) {
	if input.Email == "" || !input.Provider.IsValid() {
		return nil, ErrInvalidAccountData
	}
	switch input.Provider {
	case models.ProviderIMAP:
		if input.IMAPHost == "" || input.Username == "" || input.Password == "" {
			return nil, ErrInvalidAccountData
		}
	case models.ProviderGraph:
		if input.GraphTenantID == "" || input.GraphClientID == "" || input.GraphSecret == "" || input.GraphMailbox == "" {
			return nil, ErrInvalidAccountData
		}
	}
	if input.RetentionEnabled && input.RetentionDays <= 0 {
		return nil, ErrInvalidAccountData
	}

	// Check if account already exists
	var existing models.MailAccount
	if err := s.db.Where("email = ?", input.Email).First(&existing).Error; err == nil {
		return nil, ErrAccountAlreadyExists
	}

	account := &models.MailAccount{
		Name:             input.Name,
		Email:            input.Email,
		Provider:         input.Provider,
		IMAPHost:         input.IMAPHost,
		IMAPPort:         input.IMAPPort,
		Username:         input.Username,
		UseSSL:           input.UseSSL,
		GraphTenantID:    input.GraphTenantID,
		GraphClientID:    input.GraphClientID,
		GraphMailbox:     input.GraphMailbox,
		RetentionEnabled: input.RetentionEnabled,
		RetentionDays:    input.RetentionDays,
		Enabled:          true,
	}

	if input.Password != "" {
		encrypted, err := s.encryptSecret(input.Password)
		if err != nil {
			return nil, err
		}
		account.PasswordEncrypted = encrypted
	}
	if input.GraphSecret != "" {
		encrypted, err := s.encryptSecret(input.GraphSecret)
		if err != nil {
			return nil, err
		}
		account.GraphSecretEncrypted = encrypted
	}

	if err := s.db.Create(account).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(models.LogModuleAccount, "create", "Mail account created", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
		"provider":   account.Provider,
	})

	return account, nil
}

// GetAccountByID retrieves a mail account by ID
func (s *AccountService) GetAccountByID(id uint) (*models.MailAccount, error) {
	var account models.MailAccount
	if err := s.db.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccounts retrieves all mail accounts
func (s *AccountService) GetAccounts() ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	if err := s.db.Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetEnabledAccounts retrieves all enabled mail accounts
func (s *AccountService) GetEnabledAccounts() ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	if err := s.db.Where("enabled = ?", true).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccountInput represents the input for updating a mail account
type UpdateAccountInput struct {
	Name             string
	IMAPHost         string
	IMAPPort         int
	Username         string
	Password         string // Optional: only update if not empty
	UseSSL           *bool
	GraphTenantID    string
	GraphClientID    string
	GraphSecret      string // Optional: only update if not empty
	GraphMailbox     string
	RetentionEnabled *bool
	RetentionDays    *int
}

// UpdateAccount updates a mail account
func (s *AccountService) UpdateAccount(id uint, input UpdateAccountInput) (*models.MailAccount, error) {
	account, err := s.GetAccountByID(id)
	if err != nil {
		return nil, err
	}

	if input.Name != "" {
		account.Name = input.Name
	}
	if input.IMAPHost != "" {
		account.IMAPHost = input.IMAPHost
	}
	if input.IMAPPort > 0 {
		account.IMAPPort = input.IMAPPort
	}
	if input.Username != "" {
		account.Username = input.Username
	}
	if input.UseSSL != nil {
		account.UseSSL = *input.UseSSL
	}
	if input.GraphTenantID != "" {
		account.GraphTenantID = input.GraphTenantID
	}
	if input.GraphClientID != "" {
		account.GraphClientID = input.GraphClientID
	}
	if input.GraphMailbox != "" {
		account.GraphMailbox = input.GraphMailbox
	}
	if input.RetentionEnabled != nil {
		account.RetentionEnabled = *input.RetentionEnabled
	}
	if input.RetentionDays != nil {
		account.RetentionDays = *input.RetentionDays
	}
	if account.RetentionEnabled && account.RetentionDays <= 0 {
		return nil, ErrInvalidAccountData
	}

	if input.Password != "" {
		encrypted, err := s.encryptSecret(input.Password)
		if err != nil {
			return nil, err
		}
		account.PasswordEncrypted = encrypted
	}
	if input.GraphSecret != "" {
		encrypted, err := s.encryptSecret(input.GraphSecret)
		if err != nil {
			return nil, err
		}
		account.GraphSecretEncrypted = encrypted
	}

	if err := s.db.Save(account).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(models.LogModuleAccount, "update", "Mail account updated", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
	})

	return account, nil
}

// DeleteAccount deletes a mail account and its archived messages
func (s *AccountService) DeleteAccount(id uint) error {
	account, err := s.GetAccountByID(id)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN (?)",
			tx.Model(&models.ArchivedMessage{}).Select("id").Where("account_id = ?", id),
		).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.ArchivedMessage{}).Error; err != nil {
			return err
		}
		return tx.Delete(account).Error
	})
	if err != nil {
		return err
	}

	s.logService.LogInfo(models.LogModuleAccount, "delete", "Mail account deleted", map[string]interface{}{
		"account_id": id,
		"email":      account.Email,
	})

	return nil
}

// SetAccountEnabled sets the enabled status of an account
func (s *AccountService) SetAccountEnabled(id uint, enabled bool) (*models.MailAccount, error) {
	account, err := s.GetAccountByID(id)
	if err != nil {
		return nil, err
	}

	account.Enabled = enabled

	if err := s.db.Save(account).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(models.LogModuleAccount, "status", "Mail account status changed", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
		"enabled":    enabled,
	})

	return account, nil
}

// GetDecryptedPassword retrieves the decrypted IMAP password for an account
func (s *AccountService) GetDecryptedPassword(account *models.MailAccount) (string, error) {
	return s.decryptSecret(account.PasswordEncrypted)
}

// GetDecryptedGraphSecret retrieves the decrypted Graph client secret for an account
func (s *AccountService) GetDecryptedGraphSecret(account *models.MailAccount) (string, error) {
	return s.decryptSecret(account.GraphSecretEncrypted)
}

// UpdateLastSyncAt records the sync cursor for an account. Called only after a
// completed sync pass so an interrupted sync is retried from the previous
// checkpoint.
func (s *AccountService) UpdateLastSyncAt(accountID uint, at time.Time) error {
	return s.db.Model(&models.MailAccount{}).Where("id = ?", accountID).Update("last_sync_at", at).Error
}
