package services

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/normalize"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedImportFormat indicates the uploaded file is neither a
	// zip of EML files nor an mbox file
	ErrUnsupportedImportFormat = errors.New("unsupported import format")
)

// ImportFormat identifies the container format of an import upload
type ImportFormat string

const (
	// FormatZipEML is a zip archive of individual .eml files
	FormatZipEML ImportFormat = "zip"
	// FormatMbox is a single mbox-format file
	FormatMbox ImportFormat = "mbox"
)

// DetectImportFormat derives the import format from the uploaded filename
func DetectImportFormat(filename string) (ImportFormat, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".zip":
		return FormatZipEML, nil
	case ".mbox", ".mbx":
		return FormatMbox, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImportFormat, filename)
	}
}

// single messages larger than this are counted as failed rather than loaded
const maxImportMessageSize = 100 * 1024 * 1024

// ImportInput describes an uploaded file staged for import. The upload
// itself is handled by the boundary; the core receives the saved path.
type ImportInput struct {
	AccountID uint
	Folder    string // default folder for entries without a path
	Path      string // staged file location, owned by the job once enqueued
	Filename  string // original upload name, used for format detection
	Size      int64
}

// ImportPayload is the job payload of an import job
type ImportPayload struct {
	AccountID uint         `json:"account_id"`
	Folder    string       `json:"folder"`
	Filename  string       `json:"filename"`
	Format    ImportFormat `json:"format"`
	Size      int64        `json:"size"`
}

// ImportService bulk-imports EML/mbox uploads into the archive as
// background jobs
type ImportService struct {
	db             *gorm.DB
	accountService *AccountService
	archive        *ArchiveService
	logService     *LogService
	normalizer     *normalize.Normalizer
	queue          *jobs.Queue
}

// NewImportService creates a new ImportService instance
func NewImportService(db *gorm.DB, accountService *AccountService, queue *jobs.Queue) *ImportService {
	return &ImportService{
		db:             db,
		accountService: accountService,
		archive:        NewArchiveService(db),
		logService:     NewLogService(db),
		normalizer:     normalize.New(),
		queue:          queue,
	}
}

// EnqueueImport validates the request and registers a background import job.
// The staged file is owned by the job from here on: it is removed when the
// job is cancelled, fails, or is swept.
func (s *ImportService) EnqueueImport(input ImportInput, allowed AllowedAccounts) (string, error) {
	if !allowed.Allows(input.AccountID) {
		return "", ErrAccountNotAllowed
	}
	account, err := s.accountService.GetAccountByID(input.AccountID)
	if err != nil {
		return "", err
	}

	format, err := DetectImportFormat(input.Filename)
	if err != nil {
		return "", err
	}

	folder := input.Folder
	if folder == "" {
		folder = "INBOX"
	}

	payload := ImportPayload{
		AccountID: account.ID,
		Folder:    folder,
		Filename:  input.Filename,
		Format:    format,
		Size:      input.Size,
	}

	jobID := s.queue.Enqueue(jobs.KindImport, payload, input.Path, func(ctx context.Context, t *jobs.Tracker) error {
		return s.runImport(ctx, t, account, folder, input.Path, format)
	})

	s.logService.LogInfo(models.LogModuleImport, "enqueue", "Import job enqueued", map[string]interface{}{
		"job_id":     jobID,
		"account_id": account.ID,
		"filename":   input.Filename,
		"format":     format,
		"size":       input.Size,
	})
	return jobID, nil
}

// runImport is the import job body
func (s *ImportService) runImport(ctx context.Context, t *jobs.Tracker, account *models.MailAccount, defaultFolder, filePath string, format ImportFormat) error {
	var err error
	switch format {
	case FormatZipEML:
		err = s.importZip(ctx, t, account, defaultFolder, filePath)
	case FormatMbox:
		err = s.importMbox(ctx, t, account, defaultFolder, filePath)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedImportFormat, format)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logService.LogError(models.LogModuleImport, "run", "Import job failed", map[string]interface{}{
			"job_id":     t.JobID(),
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
	return err
}

// importZip streams the entries of a zip-of-EML upload through the archive.
// Each entry is converted on its own; the archive is never materialized as a
// whole in memory.
func (s *ImportService) importZip(ctx context.Context, t *jobs.Tracker, account *models.MailAccount, defaultFolder, filePath string) error {
	// Failing to open the container invalidates the whole job
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.EqualFold(path.Ext(f.Name), ".eml") {
			continue
		}
		entries = append(entries, f)
	}
	t.SetTotal(len(entries))

	var offset int64
	for seq, f := range entries {
		// Cancellation checkpoint before each entry. Entries imported so far
		// stay archived.
		if err := ctx.Err(); err != nil {
			return err
		}

		folder := entryFolder(f.Name, defaultFolder)
		raw, err := readZipEntry(f)
		if err != nil {
			t.Fail()
			s.logService.LogWarn(models.LogModuleImport, "entry", "Failed to read zip entry", map[string]interface{}{
				"job_id": t.JobID(),
				"entry":  f.Name,
				"error":  err.Error(),
			})
		} else {
			s.importEntry(t, account, folder, raw, seq)
		}

		offset += int64(f.UncompressedSize64)
		t.SetBytes(offset)
	}

	s.logImportDone(t, account.ID)
	return nil
}

// readZipEntry reads one zip entry, bounded by the message size cap
func readZipEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxImportMessageSize {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxImportMessageSize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxImportMessageSize))
}

// importMbox streams messages out of an mbox upload one at a time
func (s *ImportService) importMbox(ctx context.Context, t *jobs.Tracker, account *models.MailAccount, defaultFolder, filePath string) error {
	// Failing to open the container invalidates the whole job
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open mbox file: %w", err)
	}
	defer f.Close()

	cr := &countingReader{r: f}
	mr := mbox.NewReader(cr)

	seq := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The reader cannot resync past a corrupt separator; count the
			// remainder as one failure and stop.
			t.AddTotal(1)
			t.Fail()
			s.logService.LogWarn(models.LogModuleImport, "entry", "Mbox stream broke", map[string]interface{}{
				"job_id": t.JobID(),
				"seq":    seq,
				"error":  err.Error(),
			})
			break
		}

		raw, err := io.ReadAll(io.LimitReader(msg, maxImportMessageSize))
		t.AddTotal(1)
		if err != nil {
			t.Fail()
		} else {
			s.importEntry(t, account, defaultFolder, raw, seq)
		}

		t.SetBytes(cr.count)
		seq++
	}

	s.logImportDone(t, account.ID)
	return nil
}

// importEntry parses, normalizes and stores one message entry
func (s *ImportService) importEntry(t *jobs.Tracker, account *models.MailAccount, folder string, raw []byte, seq int) {
	msg, err := s.normalizer.Parse(raw)
	if err != nil {
		t.Fail()
		return
	}
	t.SetCurrent(msg.Subject)

	key := msg.MessageID
	if key == "" {
		// No native identifier: synthesize one that stays unique per job run
		key = fmt.Sprintf("import:%s:%d:%d", t.JobID(), seq, time.Now().Unix())
	}

	exists, err := s.archive.Exists(account.ID, key)
	if err != nil {
		t.Fail()
		return
	}
	if exists {
		t.Skip()
		return
	}

	record, attachments := s.archive.BuildRecord(account, folder, key, msg)
	created, err := s.archive.SaveMessage(record, attachments)
	switch {
	case err != nil:
		t.Fail()
	case created:
		t.Succeed()
	default:
		// Lost the insert race to a concurrent writer; it is archived either way
		t.Skip()
	}
}

// entryFolder derives the target folder from a zip entry path: the last
// directory segment when present, else the default folder
func entryFolder(name, defaultFolder string) string {
	dir := path.Dir(name)
	if dir == "." || dir == "/" || dir == "" {
		return defaultFolder
	}
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	return segments[len(segments)-1]
}

// logImportDone records the aggregate outcome of an import job
func (s *ImportService) logImportDone(t *jobs.Tracker, accountID uint) {
	job, ok := t.Snapshot()
	if !ok {
		return
	}
	s.logService.LogInfo(models.LogModuleImport, "complete", "Import finished", map[string]interface{}{
		"job_id":     job.ID,
		"account_id": accountID,
		"processed":  job.Processed,
		"succeeded":  job.Succeeded,
		"skipped":    job.Skipped,
		"failed":     job.Failed,
	})
}

// countingReader counts the bytes consumed from the underlying reader so
// import progress can report a byte offset
type countingReader struct {
	r     io.Reader
	count int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += int64(n)
	return n, err
}
