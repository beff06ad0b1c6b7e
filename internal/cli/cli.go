package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/api/middleware"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/config"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

var (
	db             *gorm.DB
	cfg            *config.Config
	apiKeyManager  *middleware.APIKeyManager
	accountService *services.AccountService
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mail-archiver",
	Short: "Self-hosted email archiving service",
	Long: `mail-archiver continuously archives mailboxes over IMAP or the
Microsoft Graph API, imports EML/mbox exports, and can restore archived
messages back to a live mailbox.

This command line tool covers operational tasks:
  - key management: show and reset the API key
  - account inspection and one-off syncs

Examples:
  mail-archiver key show           # print the current API key
  mail-archiver key reset          # rotate the API key
  mail-archiver account list       # list configured accounts
  mail-archiver account sync 3     # run one sync pass for account 3`,
}

// Execute runs the CLI with the provided database and config
func Execute(database *gorm.DB, config *config.Config) {
	db = database
	cfg = config

	var err error
	apiKeyManager, err = middleware.NewAPIKeyManager(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize API key manager: %v\n", err)
		os.Exit(1)
	}

	accountService = services.NewAccountService(db, cfg.GetEncryptionKey())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(accountCmd)
}
