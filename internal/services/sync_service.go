package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/normalize"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider/graph"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider/imapmail"
	"gorm.io/gorm"
)

var (
	// ErrSyncInProgress indicates the account is already being synced
	ErrSyncInProgress = errors.New("account sync already in progress")
	// ErrSyncUnsupported indicates the account kind cannot be synced
	ErrSyncUnsupported = errors.New("account provider does not support sync")
)

// SyncStats aggregates the outcome of one sync pass. Per-message failures do
// not fail the pass; they are counted here.
type SyncStats struct {
	Folders int `json:"folders"`
	Found   int `json:"found"`
	Saved   int `json:"saved"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Deleted int `json:"deleted"`
}

// SyncPayload is the job payload of a sync job
type SyncPayload struct {
	AccountID uint   `json:"account_id"`
	Email     string `json:"email"`
}

// SyncService synchronizes remote mailboxes into the archive
type SyncService struct {
	db             *gorm.DB
	accountService *AccountService
	archive        *ArchiveService
	logService     *LogService
	normalizer     *normalize.Normalizer
	queue          *jobs.Queue

	// per-account locks so one account is never synced concurrently
	syncing sync.Map

	// openSource is swapped in tests for a fake provider
	openSource func(ctx context.Context, account *models.MailAccount) (provider.MailSource, error)

	// delay between processed messages so the remote provider is not hammered
	itemDelay time.Duration
}

// NewSyncService creates a new SyncService instance
func NewSyncService(db *gorm.DB, accountService *AccountService, queue *jobs.Queue) *SyncService {
	s := &SyncService{
		db:             db,
		accountService: accountService,
		archive:        NewArchiveService(db),
		logService:     NewLogService(db),
		normalizer:     normalize.New(),
		queue:          queue,
		itemDelay:      100 * time.Millisecond,
	}
	s.openSource = s.openProviderSource
	return s
}

// openProviderSource opens a provider session for the account
func (s *SyncService) openProviderSource(ctx context.Context, account *models.MailAccount) (provider.MailSource, error) {
	return openMailSource(ctx, s.accountService, account)
}

// openMailSource opens the provider session matching the account kind. Graph
// accounts get the Graph adapter explicitly; there is no generic fallback.
func openMailSource(ctx context.Context, accounts *AccountService, account *models.MailAccount) (provider.MailSource, error) {
	switch account.Provider {
	case models.ProviderIMAP:
		password, err := accounts.GetDecryptedPassword(account)
		if err != nil {
			return nil, err
		}
		return imapmail.Dial(imapmail.Config{
			Host:     account.IMAPHost,
			Port:     account.IMAPPort,
			Username: account.Username,
			Password: password,
			UseSSL:   account.UseSSL,
		})
	case models.ProviderGraph:
		secret, err := accounts.GetDecryptedGraphSecret(account)
		if err != nil {
			return nil, err
		}
		return graph.New(ctx, graph.Config{
			TenantID:     account.GraphTenantID,
			ClientID:     account.GraphClientID,
			ClientSecret: secret,
			Mailbox:      account.GraphMailbox,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrSyncUnsupported, account.Provider)
	}
}

// TryLockAccount marks an account as syncing. Returns false when a sync for
// this account is already active.
func (s *SyncService) TryLockAccount(accountID uint) bool {
	_, loaded := s.syncing.LoadOrStore(accountID, true)
	return !loaded
}

// UnlockAccount releases the sync lock for an account
func (s *SyncService) UnlockAccount(accountID uint) {
	s.syncing.Delete(accountID)
}

// IsAccountSyncing reports whether a sync for this account is active
func (s *SyncService) IsAccountSyncing(accountID uint) bool {
	_, loaded := s.syncing.Load(accountID)
	return loaded
}

// checkSyncable validates that the account may be synced by this caller
func (s *SyncService) checkSyncable(accountID uint, allowed AllowedAccounts) (*models.MailAccount, error) {
	if !allowed.Allows(accountID) {
		return nil, ErrAccountNotAllowed
	}
	account, err := s.accountService.GetAccountByID(accountID)
	if err != nil {
		return nil, err
	}
	if !account.Enabled {
		return nil, ErrAccountDisabled
	}
	if account.Provider == models.ProviderImport {
		return nil, fmt.Errorf("%w: %s", ErrSyncUnsupported, account.Provider)
	}
	return account, nil
}

// EnqueueSync creates a background sync job for the account. Overlapping
// sync requests for one account are rejected, never run concurrently.
func (s *SyncService) EnqueueSync(accountID uint, allowed AllowedAccounts) (string, error) {
	account, err := s.checkSyncable(accountID, allowed)
	if err != nil {
		return "", err
	}
	if s.IsAccountSyncing(accountID) {
		return "", ErrSyncInProgress
	}

	payload := SyncPayload{AccountID: account.ID, Email: account.Email}
	jobID := s.queue.Enqueue(jobs.KindSync, payload, "", func(ctx context.Context, t *jobs.Tracker) error {
		_, err := s.SyncAccountTracked(ctx, accountID, t)
		return err
	})

	s.logService.LogInfo(models.LogModuleSync, "enqueue", "Sync job enqueued", map[string]interface{}{
		"job_id":     jobID,
		"account_id": accountID,
		"email":      account.Email,
	})
	return jobID, nil
}

// SyncAccount runs one synchronous sync pass for the account
func (s *SyncService) SyncAccount(ctx context.Context, accountID uint) (SyncStats, error) {
	return s.SyncAccountTracked(ctx, accountID, nil)
}

// SyncAccountTracked runs one sync pass, optionally reporting progress to a
// job tracker
func (s *SyncService) SyncAccountTracked(ctx context.Context, accountID uint, t *jobs.Tracker) (SyncStats, error) {
	account, err := s.checkSyncable(accountID, nil)
	if err != nil {
		return SyncStats{}, err
	}

	if !s.TryLockAccount(accountID) {
		return SyncStats{}, ErrSyncInProgress
	}
	defer s.UnlockAccount(accountID)

	return s.syncLocked(ctx, account, t)
}

// syncLocked performs the sync pass. The caller holds the account lock.
func (s *SyncService) syncLocked(ctx context.Context, account *models.MailAccount, t *jobs.Tracker) (SyncStats, error) {
	syncStartedAt := time.Now()
	stats := SyncStats{}

	src, err := s.openSource(ctx, account)
	if err != nil {
		s.logService.LogError(models.LogModuleSync, "connect", "Provider connection failed", map[string]interface{}{
			"account_id": account.ID,
			"error":      err.Error(),
		})
		return stats, err
	}
	defer src.Close()

	folders, err := src.ListFolders(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list folders: %w", err)
	}

	// One day of overlap on the cursor so boundary messages are never missed;
	// the dedup key makes the overlap harmless.
	var since time.Time
	if !account.LastSyncAt.IsZero() {
		since = account.LastSyncAt.AddDate(0, 0, -1)
	}

	s.logService.LogInfo(models.LogModuleSync, "start", "Sync pass started", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
		"folders":    len(folders),
		"since":      since,
	})

	retentionWarned := false
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		folderStats, err := s.syncFolder(ctx, account, src, folder, since, t, &retentionWarned)
		stats.Folders++
		stats.Found += folderStats.Found
		stats.Saved += folderStats.Saved
		stats.Skipped += folderStats.Skipped
		stats.Failed += folderStats.Failed
		stats.Deleted += folderStats.Deleted
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return stats, err
			}
			// A folder enumeration failure is contained; the pass continues
			// with the remaining folders.
			s.logService.LogWarn(models.LogModuleSync, "folder", "Folder sync failed", map[string]interface{}{
				"account_id": account.ID,
				"folder":     folder,
				"error":      err.Error(),
			})
		}
	}

	// The cursor moves only after a completed pass so an interrupted sync is
	// retried from the previous checkpoint.
	if err := s.accountService.UpdateLastSyncAt(account.ID, syncStartedAt); err != nil {
		return stats, err
	}

	s.logService.LogInfo(models.LogModuleSync, "complete", "Sync pass completed", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
		"found":      stats.Found,
		"saved":      stats.Saved,
		"skipped":    stats.Skipped,
		"failed":     stats.Failed,
		"deleted":    stats.Deleted,
	})

	return stats, nil
}

// syncFolder archives all new messages of one folder
func (s *SyncService) syncFolder(ctx context.Context, account *models.MailAccount, src provider.MailSource, folder string, since time.Time, t *jobs.Tracker, retentionWarned *bool) (SyncStats, error) {
	stats := SyncStats{}

	infos, err := src.FetchMessages(ctx, folder, since)
	if err != nil {
		return stats, err
	}

	for info := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if info.Err != nil {
			// Enumeration broke mid-stream. No message was attempted, so this
			// counts as a folder failure, not an item failure.
			return stats, info.Err
		}

		stats.Found++
		if t != nil {
			t.AddTotal(1)
			t.SetCurrent(info.Subject)
		}

		archived, err := s.syncMessage(ctx, account, src, folder, info)
		switch {
		case err != nil:
			// One broken message never aborts the folder
			stats.Failed++
			if t != nil {
				t.Fail()
			}
			s.logService.LogWarn(models.LogModuleSync, "message", "Message sync failed", map[string]interface{}{
				"account_id":  account.ID,
				"folder":      folder,
				"message_key": info.Key,
				"error":       err.Error(),
			})
		case archived:
			stats.Saved++
			if t != nil {
				t.Succeed()
			}
		default:
			stats.Skipped++
			if t != nil {
				t.Skip()
			}
		}

		// Retention runs only for messages whose archival is confirmed, either
		// in this pass or a previous one.
		if err == nil && s.retentionDue(account, info.SentAt) {
			if err := s.applyRetention(ctx, account, src, folder, info, retentionWarned); err == nil {
				stats.Deleted++
			}
		}

		if s.itemDelay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(s.itemDelay):
			}
		}
	}

	return stats, nil
}

// syncMessage fetches, normalizes and stores one message. Returns false when
// the message was already archived.
func (s *SyncService) syncMessage(ctx context.Context, account *models.MailAccount, src provider.MailSource, folder string, info provider.MessageInfo) (bool, error) {
	exists, err := s.archive.Exists(account.ID, info.Key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	raw, err := src.FetchContent(ctx, folder, info.Ref)
	if err != nil {
		return false, err
	}

	msg, err := s.normalizer.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Date.IsZero() {
		msg.Date = info.SentAt
	}

	record, attachments := s.archive.BuildRecord(account, folder, info.Key, msg)
	created, err := s.archive.SaveMessage(record, attachments)
	if err != nil {
		return false, err
	}
	// A concurrent writer may have archived it first; that counts as skipped
	return created, nil
}

// retentionDue reports whether the retention policy asks for deletion of a
// message with this sent date
func (s *SyncService) retentionDue(account *models.MailAccount, sentAt time.Time) bool {
	if !account.RetentionEnabled || account.RetentionDays <= 0 || sentAt.IsZero() {
		return false
	}
	cutoff := time.Now().AddDate(0, 0, -account.RetentionDays)
	return sentAt.Before(cutoff)
}

// applyRetention deletes an archived message from the live mailbox. Failures
// are logged, never propagated; a provider without expunge support is
// reported once per pass as a retention warning.
func (s *SyncService) applyRetention(ctx context.Context, account *models.MailAccount, src provider.MailSource, folder string, info provider.MessageInfo, warned *bool) error {
	err := src.DeleteMessage(ctx, folder, info.Ref)
	if err == nil {
		s.logService.LogInfo(models.LogModuleSync, "retention", "Message deleted from mailbox", map[string]interface{}{
			"account_id":  account.ID,
			"folder":      folder,
			"message_key": info.Key,
		})
		return nil
	}

	if errors.Is(err, provider.ErrDeleteUnsupported) {
		if !*warned {
			*warned = true
			s.logService.LogWarn(models.LogModuleSync, "retention", "Provider does not support deletion, retention skipped", map[string]interface{}{
				"account_id": account.ID,
			})
		}
		return err
	}

	s.logService.LogWarn(models.LogModuleSync, "retention", "Retention deletion failed", map[string]interface{}{
		"account_id":  account.ID,
		"folder":      folder,
		"message_key": info.Key,
		"error":       err.Error(),
	})
	return err
}

// ListFolders lists the folders of an account's mailbox. Used synchronously
// by configuration callers before creating a restore job.
func (s *SyncService) ListFolders(ctx context.Context, accountID uint, allowed AllowedAccounts) ([]string, error) {
	account, err := s.checkSyncable(accountID, allowed)
	if err != nil {
		return nil, err
	}

	src, err := s.openSource(ctx, account)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return src.ListFolders(ctx)
}

// TestConnection verifies that the account's mailbox is reachable
func (s *SyncService) TestConnection(ctx context.Context, accountID uint) error {
	_, err := s.ListFolders(ctx, accountID, nil)
	return err
}
