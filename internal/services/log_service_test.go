package services

import (
	"testing"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
)

func TestLogLevelFiltering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewLogServiceWithLevel(db, "INFO")
	service.LogDebug(models.LogModuleSync, "probe", "below threshold", nil)
	service.LogInfo(models.LogModuleSync, "probe", "at threshold", nil)
	service.LogError(models.LogModuleSync, "probe", "above threshold", nil)

	logs, err := service.GetLogs(GetLogsQuery{Module: string(models.LogModuleSync)})
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("debug entries must be filtered at INFO level, got %d entries", len(logs))
	}
}

func TestGetLogsFiltersByModuleAndLevel(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewLogServiceWithLevel(db, "DEBUG")
	service.LogInfo(models.LogModuleSync, "a", "sync info", nil)
	service.LogWarn(models.LogModuleImport, "b", "import warn", map[string]interface{}{"entries": 3})

	imports, err := service.GetLogs(GetLogsQuery{Module: string(models.LogModuleImport)})
	if err != nil {
		t.Fatal(err)
	}
	if len(imports) != 1 || imports[0].Message != "import warn" {
		t.Fatalf("module filter broken: %+v", imports)
	}

	warns, err := service.GetLogs(GetLogsQuery{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	if len(warns) != 1 || warns[0].Module != string(models.LogModuleImport) {
		t.Fatalf("level filter broken: %+v", warns)
	}
}
