package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

func setupHandlerDB(t *testing.T) (*gorm.DB, func()) {
	tmpFile, err := os.CreateTemp("", "test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := gorm.Open(sqlite.Open(tmpFile.Name()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}

	err = db.AutoMigrate(
		&models.MailAccount{},
		&models.ArchivedMessage{},
		&models.Attachment{},
		&models.Log{},
	)
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		os.Remove(tmpFile.Name())
	}

	return db, cleanup
}

func newTestAccountHandler(t *testing.T, db *gorm.DB) (*AccountHandler, *services.AccountService) {
	t.Helper()
	accountService := services.NewAccountService(db, []byte("test-encryption-key-32-bytes!!!!"))
	syncService := services.NewSyncService(db, accountService, jobs.NewQueue())
	logService := services.NewLogService(db)
	return NewAccountHandler(accountService, syncService, logService), accountService
}

func TestEnableDisableAccountEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, cleanup := setupHandlerDB(t)
	defer cleanup()

	h, accountService := newTestAccountHandler(t, db)

	account, err := accountService.CreateAccount(services.CreateAccountInput{
		Name:     "Toggle",
		Email:    "toggle@test.com",
		Provider: models.ProviderIMAP,
		IMAPHost: "imap.test.com",
		IMAPPort: 993,
		Username: "toggle@test.com",
		Password: "pw",
		UseSSL:   true,
	})
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(account.ID)}}
	h.DisableAccount(c)
	if w.Code != http.StatusOK {
		t.Fatalf("disable returned %d: %s", w.Code, w.Body.String())
	}
	updated, err := accountService.GetAccountByID(account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Enabled {
		t.Fatal("account must be disabled after the disable endpoint")
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(account.ID)}}
	h.EnableAccount(c)
	if w.Code != http.StatusOK {
		t.Fatalf("enable returned %d: %s", w.Code, w.Body.String())
	}
	updated, err = accountService.GetAccountByID(account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Enabled {
		t.Fatal("account must be enabled after the enable endpoint")
	}
}

func TestSetEnabledUnknownAccountReturns404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, cleanup := setupHandlerDB(t)
	defer cleanup()

	h, _ := newTestAccountHandler(t, db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "9999"}}
	h.DisableAccount(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", w.Code)
	}
}
