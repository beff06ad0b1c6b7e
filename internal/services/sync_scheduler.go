package services

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
)

// SyncScheduler periodically enqueues sync jobs for all enabled accounts.
// The jobs run on the queue's single worker; the scheduler itself never
// talks to a mail provider.
type SyncScheduler struct {
	accountService *AccountService
	syncService    *SyncService
	logService     *LogService
	queue          *jobs.Queue
	interval       time.Duration
	stopChan       chan struct{}
	running        bool
	mu             sync.Mutex
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(accountService *AccountService, syncService *SyncService, logService *LogService, queue *jobs.Queue, interval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		accountService: accountService,
		syncService:    syncService,
		logService:     logService,
		queue:          queue,
		interval:       interval,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the periodic enqueue loop
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Printf("[SyncScheduler] Starting with interval: %v", s.interval)

	go func() {
		// Let the service settle before the first cycle
		select {
		case <-time.After(10 * time.Second):
			s.enqueueAllAccounts()
		case <-s.stopChan:
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.enqueueAllAccounts()
			case <-s.stopChan:
				log.Println("[SyncScheduler] Stopping")
				return
			}
		}
	}()
}

// Stop stops the periodic enqueue loop
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopChan)
	s.running = false
}

// enqueueAllAccounts creates one sync job per enabled, syncable account.
// Accounts that are already syncing or already have a queued sync job are
// skipped so scheduled cycles never pile up behind a slow mailbox.
func (s *SyncScheduler) enqueueAllAccounts() {
	accounts, err := s.accountService.GetEnabledAccounts()
	if err != nil {
		log.Printf("[SyncScheduler] Failed to get accounts: %v", err)
		return
	}

	pending := s.pendingSyncAccounts()

	enqueued := 0
	for _, account := range accounts {
		if account.Provider == models.ProviderImport {
			continue
		}
		if pending[account.ID] {
			continue
		}

		if _, err := s.syncService.EnqueueSync(account.ID, nil); err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				continue
			}
			log.Printf("[SyncScheduler] Account %d (%s) enqueue failed: %v", account.ID, account.Email, err)
			s.logService.LogWarn(models.LogModuleSync, "auto_sync", "Scheduled sync enqueue failed", map[string]interface{}{
				"account_id": account.ID,
				"error":      err.Error(),
			})
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("[SyncScheduler] Enqueued %d sync jobs", enqueued)
	}
}

// pendingSyncAccounts returns the accounts that already have an active sync job
func (s *SyncScheduler) pendingSyncAccounts() map[uint]bool {
	pending := make(map[uint]bool)
	for _, job := range s.queue.GetActiveJobs() {
		if job.Kind != jobs.KindSync {
			continue
		}
		if payload, ok := job.Payload.(SyncPayload); ok {
			pending[payload.AccountID] = true
		}
	}
	return pending
}
