package config

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	DatabasePath  string `json:"database_path"`
	APIPort       string `json:"api_port"`
	LogLevel      string `json:"log_level"`
	DataDir       string `json:"data_dir"`
	UploadsDir    string `json:"uploads_dir"`    // staging area for import uploads
	EncryptionKey string `json:"encryption_key"` // used to encrypt mailbox credentials
	SyncInterval  int    `json:"sync_interval"`  // minutes between automatic sync cycles, 0 disables
	CORSOrigins   string `json:"cors_origins"`   // comma separated, * allows all
}

// Default configuration values
const (
	DefaultDatabasePath  = "data/mail_archiver.db"
	DefaultAPIPort       = "8080"
	DefaultLogLevel      = "INFO"
	DefaultDataDir       = "data"
	DefaultUploadsDir    = "" // empty means DataDir/uploads
	DefaultEncryptionKey = "mail-archiver-default-key-change-in-production"
	DefaultSyncInterval  = 15
	DefaultCORSOrigins   = "*"
)

// Load loads configuration from environment variables and config file
// Priority: Environment variables > Config file > Default values
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:  DefaultDatabasePath,
		APIPort:       DefaultAPIPort,
		LogLevel:      DefaultLogLevel,
		DataDir:       DefaultDataDir,
		UploadsDir:    DefaultUploadsDir,
		EncryptionKey: DefaultEncryptionKey,
		SyncInterval:  DefaultSyncInterval,
		CORSOrigins:   DefaultCORSOrigins,
	}

	// Config file is optional
	if err := cfg.loadFromFile(); err != nil {
		return nil, err
	}

	// Override with environment variables
	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromFile loads configuration from config.json file
func (c *Config) loadFromFile() error {
	configPaths := []string{
		"config.json",
		filepath.Join(c.DataDir, "config.json"),
	}

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return json.Unmarshal(data, c)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MAIL_ARCHIVER_DATABASE_PATH"); val != "" {
		c.DatabasePath = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_API_PORT"); val != "" {
		c.APIPort = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_UPLOADS_DIR"); val != "" {
		c.UploadsDir = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_ENCRYPTION_KEY"); val != "" {
		c.EncryptionKey = val
	}
	if val := os.Getenv("MAIL_ARCHIVER_SYNC_INTERVAL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.SyncInterval = n
		}
	}
	if val := os.Getenv("MAIL_ARCHIVER_CORS_ORIGINS"); val != "" {
		c.CORSOrigins = val
	}
}

// GetUploadsDir returns the staging directory for import uploads
func (c *Config) GetUploadsDir() string {
	if c.UploadsDir != "" {
		return c.UploadsDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

// GetEncryptionKey returns the 32-byte key for credential encryption
func (c *Config) GetEncryptionKey() []byte {
	hash := sha256.Sum256([]byte(c.EncryptionKey))
	return hash[:]
}

// Save saves the current configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
