package main

import (
	"log"
	"os"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/api"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/cli"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/config"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := ensureDataDirs(cfg); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// CLI command mode
	if len(os.Args) > 1 {
		cli.Execute(db, cfg)
		return
	}

	router, runtime, err := api.SetupRouter(db, cfg)
	if err != nil {
		log.Fatalf("Failed to setup router: %v", err)
	}
	defer runtime.Shutdown()

	log.Printf("Starting mail-archiver server on port %s", cfg.APIPort)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Database path: %s", cfg.DatabasePath)
	log.Printf("API Key: %s", runtime.APIKey())
	if err := router.Run(":" + cfg.APIPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// ensureDataDirs creates the data and upload staging directories
func ensureDataDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.GetUploadsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
