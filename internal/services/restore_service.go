package services

import (
	"bytes"
	"context"
	cryptoRand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider"
	"gorm.io/gorm"
)

// InlineRestoreLimit is the largest batch restored synchronously within the
// request; anything larger runs as a background job
const InlineRestoreLimit = 25

var (
	// ErrRestoreUnsupported indicates the account kind cannot receive restored
	// messages
	ErrRestoreUnsupported = errors.New("account provider does not support restore")
	// ErrEmptyRestoreBatch indicates no message ids were given
	ErrEmptyRestoreBatch = errors.New("restore batch is empty")
)

// RestoreInput describes a batch restore request
type RestoreInput struct {
	AccountID  uint
	MessageIDs []uint
	// Folder is the restore target; empty means each message goes back to the
	// folder it was archived from
	Folder string
}

// RestoreResult aggregates the outcome of a restore batch. One message's
// failure never aborts the batch; the result always carries both counters.
type RestoreResult struct {
	Total    int `json:"total"`
	Restored int `json:"restored"`
	Failed   int `json:"failed"`
}

// RestorePayload is the job payload of a background restore job
type RestorePayload struct {
	AccountID uint   `json:"account_id"`
	Email     string `json:"email"`
	Folder    string `json:"folder,omitempty"`
	Messages  int    `json:"messages"`
}

// RestoreService pushes archived messages back into a live mailbox
type RestoreService struct {
	db             *gorm.DB
	accountService *AccountService
	archive        *ArchiveService
	logService     *LogService
	queue          *jobs.Queue

	// openSource is swapped in tests for a fake provider
	openSource func(ctx context.Context, account *models.MailAccount) (provider.MailSource, error)

	// delay between pushed messages so the remote provider is not hammered
	itemDelay time.Duration
}

// NewRestoreService creates a new RestoreService instance
func NewRestoreService(db *gorm.DB, accountService *AccountService, queue *jobs.Queue) *RestoreService {
	s := &RestoreService{
		db:             db,
		accountService: accountService,
		archive:        NewArchiveService(db),
		logService:     NewLogService(db),
		queue:          queue,
		itemDelay:      100 * time.Millisecond,
	}
	s.openSource = func(ctx context.Context, account *models.MailAccount) (provider.MailSource, error) {
		return openMailSource(ctx, s.accountService, account)
	}
	return s
}

// checkRestorable validates that the account may receive restored messages
func (s *RestoreService) checkRestorable(input RestoreInput, allowed AllowedAccounts) (*models.MailAccount, error) {
	if len(input.MessageIDs) == 0 {
		return nil, ErrEmptyRestoreBatch
	}
	if !allowed.Allows(input.AccountID) {
		return nil, ErrAccountNotAllowed
	}
	account, err := s.accountService.GetAccountByID(input.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.Enabled {
		return nil, ErrAccountDisabled
	}
	if account.Provider == models.ProviderImport {
		return nil, fmt.Errorf("%w: %s", ErrRestoreUnsupported, account.Provider)
	}
	return account, nil
}

// Restore dispatches a restore batch. Batches up to InlineRestoreLimit run
// inline and return a result; larger batches run as a background job and
// return its id.
func (s *RestoreService) Restore(ctx context.Context, input RestoreInput, allowed AllowedAccounts) (*RestoreResult, string, error) {
	account, err := s.checkRestorable(input, allowed)
	if err != nil {
		return nil, "", err
	}

	if len(input.MessageIDs) <= InlineRestoreLimit {
		result, err := s.restoreBatch(ctx, account, input, nil)
		return result, "", err
	}

	jobID := s.EnqueueRestore(account, input)
	return nil, jobID, nil
}

// EnqueueRestore registers a background restore job for a validated account
func (s *RestoreService) EnqueueRestore(account *models.MailAccount, input RestoreInput) string {
	payload := RestorePayload{
		AccountID: account.ID,
		Email:     account.Email,
		Folder:    input.Folder,
		Messages:  len(input.MessageIDs),
	}

	jobID := s.queue.Enqueue(jobs.KindRestore, payload, "", func(ctx context.Context, t *jobs.Tracker) error {
		_, err := s.restoreBatch(ctx, account, input, t)
		return err
	})

	s.logService.LogInfo(models.LogModuleRestore, "enqueue", "Restore job enqueued", map[string]interface{}{
		"job_id":     jobID,
		"account_id": account.ID,
		"messages":   len(input.MessageIDs),
	})
	return jobID
}

// restoreBatch pushes the batch to the live mailbox one message at a time.
// Requested ids that no longer exist, or belong to another account, count as
// failed. Per-message failures never abort the batch; only losing the
// provider session or the archive does.
func (s *RestoreService) restoreBatch(ctx context.Context, account *models.MailAccount, input RestoreInput, t *jobs.Tracker) (*RestoreResult, error) {
	src, err := s.openSource(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", account.Email, err)
	}
	defer src.Close()

	messages, err := s.archive.GetMessagesForAccount(account.ID, input.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load archived messages: %w", err)
	}

	result := &RestoreResult{Total: len(input.MessageIDs)}
	missing := len(input.MessageIDs) - len(messages)
	result.Failed += missing
	if t != nil {
		t.SetTotal(len(input.MessageIDs))
		for i := 0; i < missing; i++ {
			t.Fail()
		}
	}

	for i := range messages {
		msg := &messages[i]

		// Cancellation checkpoint: messages restored so far stay restored
		if err := ctx.Err(); err != nil {
			return result, err
		}

		folder := input.Folder
		if folder == "" {
			folder = msg.Folder
		}
		if t != nil {
			t.SetCurrent(msg.Subject)
		}

		raw := buildRestoreContent(account, msg)
		if err := src.PushMessage(ctx, folder, raw, msg.SentAt); err != nil {
			result.Failed++
			if t != nil {
				t.Fail()
			}
			s.logService.LogWarn(models.LogModuleRestore, "push", "Failed to restore message", map[string]interface{}{
				"account_id": account.ID,
				"message_id": msg.ID,
				"folder":     folder,
				"error":      err.Error(),
			})
		} else {
			result.Restored++
			if t != nil {
				t.Succeed()
			}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(s.itemDelay):
		}
	}

	s.logService.LogInfo(models.LogModuleRestore, "complete", "Restore batch finished", map[string]interface{}{
		"account_id": account.ID,
		"total":      result.Total,
		"restored":   result.Restored,
		"failed":     result.Failed,
	})
	return result, nil
}

// buildRestoreContent reconstructs a transmittable MIME message from an
// archived record: full headers, text and HTML alternatives, attachments
func buildRestoreContent(account *models.MailAccount, msg *models.ArchivedMessage) []byte {
	var buf bytes.Buffer

	from := msg.FromAddr
	if from == "" {
		from = account.Email
	}
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	if to := decodeAddrList(msg.ToAddrs); len(to) > 0 {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	}
	if cc := decodeAddrList(msg.CcAddrs); len(cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(cc, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: =?UTF-8?B?%s?=\r\n", base64.StdEncoding.EncodeToString([]byte(msg.Subject))))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", restoreMessageID(account, msg)))

	date := msg.SentAt
	if date.IsZero() {
		date = msg.ArchivedAt
	}
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) > 0 {
		mixedBoundary := generateBoundary()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", mixedBoundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
		writeBodyParts(&buf, msg)

		for _, att := range msg.Attachments {
			contentType := att.ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
			buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			if att.ContentID != "" {
				buf.WriteString(fmt.Sprintf("Content-Id: <%s>\r\n", att.ContentID))
			}
			encodedFilename := fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(att.Filename)))
			buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", encodedFilename))
			buf.WriteString("\r\n")
			buf.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(att.Content)))
			buf.WriteString("\r\n")
		}

		buf.WriteString(fmt.Sprintf("--%s--\r\n", mixedBoundary))
	} else {
		writeBodyParts(&buf, msg)
	}

	return buf.Bytes()
}

// writeBodyParts writes the message body: a multipart/alternative of text and
// HTML when both survive, otherwise the single part that does
func writeBodyParts(buf *bytes.Buffer, msg *models.ArchivedMessage) {
	if msg.HTMLBody != "" && msg.Body != "" {
		altBoundary := generateBoundary()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", altBoundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
		writeTextPart(buf, "text/plain", msg.Body)
		buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
		writeTextPart(buf, "text/html", msg.HTMLBody)

		buf.WriteString(fmt.Sprintf("--%s--\r\n", altBoundary))
		return
	}
	if msg.HTMLBody != "" {
		writeTextPart(buf, "text/html", msg.HTMLBody)
		return
	}
	writeTextPart(buf, "text/plain", msg.Body)
}

// writeTextPart writes one base64-encoded text part
func writeTextPart(buf *bytes.Buffer, contentType, body string) {
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", contentType))
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(wrapBase64(base64.StdEncoding.EncodeToString([]byte(body))))
	buf.WriteString("\r\n")
}

// restoreMessageID reuses the message's original id when the dedup key is a
// real Message-ID, else generates a fresh one
func restoreMessageID(account *models.MailAccount, msg *models.ArchivedMessage) string {
	key := msg.MessageKey
	if strings.HasPrefix(key, "<") && strings.HasSuffix(key, ">") {
		return key
	}
	if strings.Contains(key, "@") && !strings.ContainsAny(key, " \t") {
		return "<" + key + ">"
	}

	domain := "localhost"
	if parts := strings.Split(account.Email, "@"); len(parts) == 2 {
		domain = parts[1]
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), randomString(8), domain)
}

// decodeAddrList decodes the JSON address list stored on the archived record
func decodeAddrList(raw string) []string {
	if raw == "" {
		return nil
	}
	var addrs []string
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil
	}
	return addrs
}

// generateBoundary generates a MIME boundary
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%d_%s", time.Now().UnixNano(), randomString(16))
}

// wrapBase64 wraps base64 content to 76 characters per line
func wrapBase64(content string) string {
	const lineLength = 76
	var result strings.Builder
	for i := 0; i < len(content); i += lineLength {
		end := i + lineLength
		if end > len(content) {
			end = len(content)
		}
		result.WriteString(content[i:end])
		if end < len(content) {
			result.WriteString("\r\n")
		}
	}
	return result.String()
}

// randomString generates a random alphanumeric string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	randBytes := make([]byte, n)
	if _, err := io.ReadFull(cryptoRand.Reader, randBytes); err != nil {
		for i := range b {
			b[i] = letters[(time.Now().UnixNano()+int64(i))%int64(len(letters))]
		}
		return string(b)
	}
	for i := range b {
		b[i] = letters[int(randBytes[i])%len(letters)]
	}
	return string(b)
}
