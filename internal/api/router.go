package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/api/handlers"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/api/middleware"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/config"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

// SetupRouter initializes the Gin router with all routes configured. It also
// starts the job queue worker and the periodic sync scheduler; Shutdown on
// the returned runtime stops both.
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *Runtime, error) {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.APIKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	apiKeyManager, err := middleware.NewAPIKeyManager(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	logService := services.NewLogServiceWithLevel(db, cfg.LogLevel)
	accountService := services.NewAccountService(db, cfg.GetEncryptionKey())

	queue := jobs.NewQueue()
	queue.Start()

	syncService := services.NewSyncService(db, accountService, queue)
	importService := services.NewImportService(db, accountService, queue)
	restoreService := services.NewRestoreService(db, accountService, queue)

	var scheduler *services.SyncScheduler
	if cfg.SyncInterval > 0 {
		scheduler = services.NewSyncScheduler(accountService, syncService, logService, queue,
			time.Duration(cfg.SyncInterval)*time.Minute)
		scheduler.Start()
	}

	accountHandler := handlers.NewAccountHandler(accountService, syncService, logService)
	jobHandler := handlers.NewJobHandler(queue, syncService, importService, restoreService, cfg.GetUploadsDir())
	logHandler := handlers.NewLogHandler(logService)

	// Health check endpoint (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.Use(middleware.APIKeyMiddleware(apiKeyManager))

		accounts := api.Group("/accounts")
		{
			accounts.GET("", accountHandler.ListAccounts)
			accounts.POST("", accountHandler.CreateAccount)
			accounts.GET("/:id", accountHandler.GetAccount)
			accounts.PUT("/:id", accountHandler.UpdateAccount)
			accounts.DELETE("/:id", accountHandler.DeleteAccount)
			accounts.PUT("/:id/enable", accountHandler.EnableAccount)
			accounts.PUT("/:id/disable", accountHandler.DisableAccount)
			accounts.POST("/:id/test", accountHandler.TestConnection)
			accounts.GET("/:id/folders", jobHandler.ListFolders)
			accounts.POST("/:id/sync", jobHandler.EnqueueSync)
			accounts.POST("/:id/import", jobHandler.EnqueueImport)
		}

		api.POST("/restore", jobHandler.Restore)

		jobsGroup := api.Group("/jobs")
		{
			jobsGroup.GET("", jobHandler.ListJobs)
			jobsGroup.GET("/active", jobHandler.ListActiveJobs)
			jobsGroup.GET("/:id", jobHandler.GetJob)
			jobsGroup.POST("/:id/cancel", jobHandler.CancelJob)
		}

		api.GET("/logs", logHandler.GetLogs)
	}

	return router, &Runtime{queue: queue, scheduler: scheduler, apiKeys: apiKeyManager}, nil
}

// Runtime holds the background machinery started alongside the router
type Runtime struct {
	queue     *jobs.Queue
	scheduler *services.SyncScheduler
	apiKeys   *middleware.APIKeyManager
}

// APIKey returns the current API key, for printing at startup
func (r *Runtime) APIKey() string {
	return r.apiKeys.GetCurrentKey()
}

// Shutdown stops the scheduler and waits for the in-flight job to finish
func (r *Runtime) Shutdown() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	r.queue.Stop()
}
