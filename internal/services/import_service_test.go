package services

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
)

func createImportAccount(t *testing.T, service *AccountService, email string) *models.MailAccount {
	t.Helper()
	account, err := service.CreateAccount(CreateAccountInput{
		Name:     "Archive Only",
		Email:    email,
		Provider: models.ProviderImport,
	})
	if err != nil {
		t.Fatalf("Failed to create import account: %v", err)
	}
	return account
}

func emlContent(messageID, subject string) []byte {
	header := ""
	if messageID != "" {
		header = fmt.Sprintf("Message-Id: %s\r\n", messageID)
	}
	return []byte(fmt.Sprintf("%sSubject: %s\r\nFrom: sender@test.com\r\nTo: rcpt@test.com\r\nDate: %s\r\nContent-Type: text/plain\r\n\r\nimported body\r\n",
		header, subject, time.Now().Format(time.RFC1123Z)))
}

// writeTestZip builds a zip upload with the given entries
func writeTestZip(t *testing.T, dir string, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(dir, "upload.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

// runImportJob enqueues the import and waits for a terminal state
func runImportJob(t *testing.T, db *gorm.DB, accountService *AccountService, input ImportInput) jobs.Job {
	t.Helper()
	queue := jobs.NewQueue()
	queue.Start()
	defer queue.Stop()

	importService := NewImportService(db, accountService, queue)
	jobID, err := importService.EnqueueImport(input, nil)
	if err != nil {
		t.Fatalf("EnqueueImport failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := queue.GetJob(jobID)
		if !ok {
			t.Fatalf("job %s disappeared", jobID)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("import job never finished")
	return jobs.Job{}
}

func TestImportZipCountsOutcomesSeparately(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "zip@test.com")

	path := writeTestZip(t, t.TempDir(), map[string][]byte{
		"Taxes/invoice.eml": emlContent("<z1@test>", "invoice"),
		"receipt.eml":       emlContent("<z2@test>", "receipt"),
		"broken.eml":        []byte("this is not an email at all"),
		"notes.txt":         []byte("ignored, not an eml entry"),
	})

	job := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Path:      path,
		Filename:  "upload.zip",
	})

	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Processed != 3 || job.Succeeded != 2 || job.Failed != 1 || job.Skipped != 0 {
		t.Fatalf("unexpected counters: processed=%d succeeded=%d failed=%d skipped=%d",
			job.Processed, job.Succeeded, job.Failed, job.Skipped)
	}
	if job.Bytes == 0 {
		t.Fatal("byte offset progress must advance")
	}

	// Folder comes from the entry's last path segment, default otherwise
	var invoice models.ArchivedMessage
	if err := db.Where("message_key = ?", "<z1@test>").First(&invoice).Error; err != nil {
		t.Fatalf("invoice not archived: %v", err)
	}
	if invoice.Folder != "Taxes" {
		t.Fatalf("expected folder Taxes, got %q", invoice.Folder)
	}
	var receipt models.ArchivedMessage
	if err := db.Where("message_key = ?", "<z2@test>").First(&receipt).Error; err != nil {
		t.Fatalf("receipt not archived: %v", err)
	}
	if receipt.Folder != "INBOX" {
		t.Fatalf("expected default folder INBOX, got %q", receipt.Folder)
	}
}

func TestImportRerunSkipsDuplicates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "rerun@test.com")

	entries := map[string][]byte{
		"a.eml":      emlContent("<r1@test>", "first"),
		"b.eml":      emlContent("<r2@test>", "second"),
		"broken.eml": []byte("this is not an email at all"),
	}

	dir := t.TempDir()
	first := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Path:      writeTestZip(t, dir, entries),
		Filename:  "upload.zip",
	})
	if first.Succeeded != 2 || first.Failed != 1 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	second := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Path:      writeTestZip(t, t.TempDir(), entries),
		Filename:  "upload.zip",
	})
	if second.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}
	if second.Succeeded != 0 || second.Skipped != 2 || second.Failed != 1 {
		t.Fatalf("rerun must skip duplicates: succeeded=%d skipped=%d failed=%d",
			second.Succeeded, second.Skipped, second.Failed)
	}

	count, _ := NewArchiveService(db).CountMessages(account.ID)
	if count != 2 {
		t.Fatalf("expected 2 archived messages after rerun, got %d", count)
	}
}

func TestImportMessagesWithoutIDGetSynthesizedKeys(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "noid@test.com")

	path := writeTestZip(t, t.TempDir(), map[string][]byte{
		"one.eml": emlContent("", "no id one"),
		"two.eml": emlContent("", "no id two"),
	})

	job := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Path:      path,
		Filename:  "upload.zip",
	})

	if job.Succeeded != 2 || job.Failed != 0 || job.Skipped != 0 {
		t.Fatalf("messages without a native id must still import: %+v", job)
	}

	var keys []string
	if err := db.Model(&models.ArchivedMessage{}).Where("account_id = ?", account.ID).
		Pluck("message_key", &keys).Error; err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Fatalf("synthesized keys must be distinct, got %v", keys)
	}
	for _, k := range keys {
		if len(k) == 0 || k[:7] != "import:" {
			t.Fatalf("synthesized key must carry the import prefix, got %q", k)
		}
	}
}

func TestImportMbox(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "mbox@test.com")

	var mboxContent []byte
	for i, id := range []string{"<mb1@test>", "<mb2@test>"} {
		mboxContent = append(mboxContent, []byte("From sender@test.com Thu Jan  1 10:00:00 2026\n")...)
		body := emlContent(id, fmt.Sprintf("mbox message %d", i+1))
		mboxContent = append(mboxContent, body...)
		mboxContent = append(mboxContent, '\n')
	}
	path := filepath.Join(t.TempDir(), "export.mbox")
	if err := os.WriteFile(path, mboxContent, 0600); err != nil {
		t.Fatal(err)
	}

	job := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Folder:    "Imported",
		Path:      path,
		Filename:  "export.mbox",
	})

	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Succeeded != 2 || job.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", job)
	}
	if job.Bytes == 0 {
		t.Fatal("byte offset progress must advance")
	}

	var msg models.ArchivedMessage
	if err := db.Where("message_key = ?", "<mb1@test>").First(&msg).Error; err != nil {
		t.Fatalf("mbox message not archived: %v", err)
	}
	if msg.Folder != "Imported" {
		t.Fatalf("expected folder Imported, got %q", msg.Folder)
	}
}

func TestImportUnopenableContainerFailsJob(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "missing@test.com")

	job := runImportJob(t, db, accountService, ImportInput{
		AccountID: account.ID,
		Path:      filepath.Join(t.TempDir(), "does-not-exist.zip"),
		Filename:  "does-not-exist.zip",
	})

	if job.Status != jobs.StatusFailed {
		t.Fatalf("opening failure must fail the whole job, got %s", job.Status)
	}
	if job.Error == "" {
		t.Fatal("failed job must carry the error")
	}
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	accountService := NewAccountService(db, testEncryptionKey)
	account := createImportAccount(t, accountService, "badformat@test.com")

	queue := jobs.NewQueue()
	importService := NewImportService(db, accountService, queue)
	_, err := importService.EnqueueImport(ImportInput{
		AccountID: account.ID,
		Path:      "/tmp/whatever.pdf",
		Filename:  "whatever.pdf",
	}, nil)
	if err == nil {
		t.Fatal("unsupported formats must be rejected at enqueue time")
	}
}
