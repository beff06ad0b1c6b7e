package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

// JobHandler serves the background job endpoints: enqueue, query, cancel
type JobHandler struct {
	queue          *jobs.Queue
	syncService    *services.SyncService
	importService  *services.ImportService
	restoreService *services.RestoreService
	uploadsDir     string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(queue *jobs.Queue, syncService *services.SyncService, importService *services.ImportService, restoreService *services.RestoreService, uploadsDir string) *JobHandler {
	return &JobHandler{
		queue:          queue,
		syncService:    syncService,
		importService:  importService,
		restoreService: restoreService,
		uploadsDir:     uploadsDir,
	}
}

// EnqueueSync starts a background sync job for the account
// POST /api/accounts/:id/sync
func (h *JobHandler) EnqueueSync(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	jobID, err := h.syncService.EnqueueSync(accountID, nil)
	if err != nil {
		if errors.Is(err, services.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "SYNC_IN_PROGRESS",
					"message": "Account sync already in progress",
				},
			})
			return
		}
		if errors.Is(err, services.ErrSyncUnsupported) {
			validationError(c, "Account provider does not support sync", nil)
			return
		}
		accountError(c, err, "Failed to enqueue sync")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    gin.H{"job_id": jobID},
	})
}

// ListFolders lists the folders of the account's live mailbox, synchronously
// GET /api/accounts/:id/folders
func (h *JobHandler) ListFolders(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	folders, err := h.syncService.ListFolders(c.Request.Context(), accountID, nil)
	if err != nil {
		accountError(c, err, "Failed to list folders")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    folders,
	})
}

// EnqueueImport stages an uploaded EML-zip or mbox file and starts a
// background import job. The staged file belongs to the job afterwards.
// POST /api/accounts/:id/import
func (h *JobHandler) EnqueueImport(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		validationError(c, "Missing upload file", err)
		return
	}

	if _, err := services.DetectImportFormat(file.Filename); err != nil {
		validationError(c, "Unsupported import format", nil)
		return
	}

	if err := os.MkdirAll(h.uploadsDir, 0755); err != nil {
		internalError(c, "Failed to stage upload")
		return
	}
	stagedPath := filepath.Join(h.uploadsDir, fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, stagedPath); err != nil {
		internalError(c, "Failed to stage upload")
		return
	}

	jobID, err := h.importService.EnqueueImport(services.ImportInput{
		AccountID: accountID,
		Folder:    c.PostForm("folder"),
		Path:      stagedPath,
		Filename:  file.Filename,
		Size:      file.Size,
	}, nil)
	if err != nil {
		os.Remove(stagedPath)
		accountError(c, err, "Failed to enqueue import")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    gin.H{"job_id": jobID},
	})
}

// RestoreRequest represents a batch restore request
type RestoreRequest struct {
	AccountID  uint   `json:"account_id" binding:"required"`
	MessageIDs []uint `json:"message_ids" binding:"required"`
	Folder     string `json:"folder"`
}

// Restore pushes archived messages back to the live mailbox. Small batches
// run inline and return the result; large batches return a job id.
// POST /api/restore
func (h *JobHandler) Restore(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body", err)
		return
	}

	result, jobID, err := h.restoreService.Restore(c.Request.Context(), services.RestoreInput{
		AccountID:  req.AccountID,
		MessageIDs: req.MessageIDs,
		Folder:     req.Folder,
	}, nil)
	if err != nil {
		if errors.Is(err, services.ErrEmptyRestoreBatch) || errors.Is(err, services.ErrRestoreUnsupported) {
			validationError(c, err.Error(), nil)
			return
		}
		accountError(c, err, "Failed to restore messages")
		return
	}

	if jobID != "" {
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"data":    gin.H{"job_id": jobID},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// ListJobs returns the whole job registry, active jobs first
// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.queue.GetAllJobs(),
	})
}

// ListActiveJobs returns queued and running jobs, oldest first
// GET /api/jobs/active
func (h *JobHandler) ListActiveJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.queue.GetActiveJobs(),
	})
}

// GetJob returns the status snapshot of one job, suitable for polling
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.queue.GetJob(c.Param("id"))
	if !ok {
		jobNotFound(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    job,
	})
}

// CancelJob requests cancellation of a queued or running job
// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.queue.GetJob(id); !ok {
		jobNotFound(c)
		return
	}

	cancelled := h.queue.CancelJob(id)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"cancelled": cancelled},
	})
}

func jobNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "NOT_FOUND",
			"message": "Job not found",
		},
	})
}
