// Package config loads relay settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults for optional settings.
const (
	DefaultLastNoticeFile  = "last_notice_id.txt"
	DefaultWatermarkObject = "last_notice_id.txt"
	DefaultFetchAttempts   = 3
	DefaultPort            = "8080"
)

// Config holds all relay settings.
type Config struct {
	CookieValue        string
	CookieName         string
	PortalBaseURL      string
	TelegramToken      string
	GroupChatID        string
	MockTelegram       bool
	DisableLinkPreview bool
	LastNoticeFile     string
	LockFile           string
	StorageBucket      string
	WatermarkObject    string
	CredentialsJSON    string
	FetchAttempts      uint
	Port               string
	LogLevel           slog.Level
}

// Error lists every required setting that is missing or invalid.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required environment variables: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid environment variables: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

// LoadEnv loads .env files from the working directory. Variables already set
// in the process environment win.
func LoadEnv(logger *slog.Logger) {
	var loaded []string
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.Warn("Failed to load env file", "file", file, "error", err)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
		return
	}
	logger.Debug("Loaded env files", "files", strings.Join(loaded, ", "))
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		CookieValue:        strings.TrimSpace(os.Getenv("COOKIE_VALUE")),
		CookieName:         GetEnv("COOKIE_NAME", ""),
		PortalBaseURL:      GetEnv("PORTAL_BASE_URL", ""),
		TelegramToken:      strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		GroupChatID:        strings.TrimSpace(os.Getenv("GROUP_CHAT_ID")),
		MockTelegram:       GetEnvBool("MOCK_TELEGRAM", false),
		DisableLinkPreview: GetEnvBool("DISABLE_LINK_PREVIEW", true),
		LastNoticeFile:     GetEnv("LAST_NOTICE_FILE", DefaultLastNoticeFile),
		StorageBucket:      GetEnv("STORAGE_BUCKET", ""),
		WatermarkObject:    GetEnv("WATERMARK_OBJECT", DefaultWatermarkObject),
		CredentialsJSON:    os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		Port:               GetEnv("PORT", DefaultPort),
		LogLevel:           GetLogLevel(),
	}

	// An explicitly empty LOCK_FILE disables the cross-process lock.
	if v, ok := os.LookupEnv("LOCK_FILE"); ok {
		cfg.LockFile = strings.TrimSpace(v)
	} else {
		cfg.LockFile = lockFileFor(cfg.LastNoticeFile)
	}

	cerr := &Error{}
	if n := GetEnvInt("FETCH_ATTEMPTS", DefaultFetchAttempts); n > 0 {
		cfg.FetchAttempts = uint(n)
	} else {
		cerr.Invalid = append(cerr.Invalid, "FETCH_ATTEMPTS")
	}

	if cfg.CookieValue == "" {
		cerr.Missing = append(cerr.Missing, "COOKIE_VALUE")
	}
	if !cfg.MockTelegram {
		if cfg.TelegramToken == "" {
			cerr.Missing = append(cerr.Missing, "TELEGRAM_TOKEN")
		}
		if cfg.GroupChatID == "" {
			cerr.Missing = append(cerr.Missing, "GROUP_CHAT_ID")
		}
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return nil, cerr
	}
	return cfg, nil
}

// lockFileFor places the run lock next to the watermark file.
func lockFileFor(watermarkFile string) string {
	ext := filepath.Ext(watermarkFile)
	return strings.TrimSuffix(watermarkFile, ext) + ".lock"
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value.
// Unparseable values are reported as -1.
func GetEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return parsed
}

// GetEnvBool gets a boolean environment variable with a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetLogLevel gets the log level from LOG_LEVEL.
func GetLogLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String describes the configuration without secrets.
func (c *Config) String() string {
	backend := "file:" + c.LastNoticeFile
	if c.StorageBucket != "" {
		backend = fmt.Sprintf("gs://%s/%s", c.StorageBucket, c.WatermarkObject)
	}
	return fmt.Sprintf("chat=%s watermark=%s mock_telegram=%t fetch_attempts=%d", c.GroupChatID, backend, c.MockTelegram, c.FetchAttempts)
}
