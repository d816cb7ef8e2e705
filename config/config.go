package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// BotConfig holds all configuration values for the Telegram bot and its
// download pipeline
type BotConfig struct {
	Token    string // Telegram bot token
	APIID    int    // Telegram API ID
	APIHash  string // Telegram API Hash
	LogLevel string // Logging level (DEBUG, INFO, WARN, ERROR, FATAL)

	DownloadDir   string // Directory finished transfers land in
	LocalMediaDir string // Root for file:// submissions, empty disables them
	DBPath        string // Pipeline state database
	SessionDBPath string // Telegram session database

	MaxConcurrent int // Global concurrent transfer slots
	PerUserSlots  int // Concurrent transfer slots per user
	QueueCapacity int // Active requests admitted at once

	SubmissionsPerWindow int           // Submissions allowed per user per window
	SubmissionWindow     time.Duration // Submission budget window
	BanThreshold         int           // Consecutive denials before a ban, 0 disables
	BanDuration          time.Duration // How long a ban lasts

	PlaylistMaxItems    int           // Playlist expansion cap
	MaxRetries          int           // Retry budget per item
	RetryInitialBackoff time.Duration // First retry delay
	MaxFileSize         int64         // Per-item size ceiling in bytes
	HTTPTimeout         time.Duration // Outbound HTTP client timeout

	CacheTTL           time.Duration // Resolution metadata lifetime
	CacheSweepInterval time.Duration // How often expired metadata is swept
	CacheCapacity      int           // Cached locators kept at once

	ProgressInterval time.Duration // Batching interval for progress edits
	RetentionWindow  time.Duration // How long finished requests stay stored
	PurgeInterval    time.Duration // How often the retention purge runs

	ProgressBars   bool // Render console progress bars for transfers
	VerboseRetries bool // Log retry attempts at info instead of debug
}

// LoadConfig loads and validates the bot configuration from environment variables
// Returns a BotConfig struct or an error if validation fails
func LoadConfig() (*BotConfig, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	validator := NewEnvValidator()

	if err := validator.ValidateRequired(); err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}

	apiID, apiHash, err := validator.GetAPICredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to get API credentials: %w", err)
	}

	token := validator.GetBotToken()
	if token == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required but not set")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	config := &BotConfig{
		Token:    token,
		APIID:    apiID,
		APIHash:  apiHash,
		LogLevel: logLevel,

		DownloadDir:   validator.GetString("DOWNLOAD_DIR", "downloads"),
		LocalMediaDir: validator.GetString("LOCAL_MEDIA_DIR", ""),
		DBPath:        validator.GetString("DB_PATH", "media_bot.db"),
		SessionDBPath: validator.GetString("SESSION_DB_PATH", "bot_session.db"),

		MaxConcurrent: validator.GetInt("MAX_CONCURRENT_DOWNLOADS", 3),
		PerUserSlots:  validator.GetInt("PER_USER_DOWNLOADS", 1),
		QueueCapacity: validator.GetInt("QUEUE_CAPACITY", 20),

		SubmissionsPerWindow: validator.GetInt("SUBMISSIONS_PER_WINDOW", 10),
		SubmissionWindow:     validator.GetDuration("SUBMISSION_WINDOW", time.Minute),
		BanThreshold:         validator.GetInt("BAN_THRESHOLD", 3),
		BanDuration:          validator.GetDuration("BAN_DURATION", 10*time.Minute),

		PlaylistMaxItems:    validator.GetInt("PLAYLIST_MAX_ITEMS", 50),
		MaxRetries:          validator.GetInt("MAX_RETRIES", 3),
		RetryInitialBackoff: validator.GetDuration("RETRY_INITIAL_BACKOFF", 2*time.Second),
		MaxFileSize:         validator.GetInt64("MAX_FILE_SIZE", 50*1024*1024),
		HTTPTimeout:         validator.GetDuration("HTTP_TIMEOUT", 10*time.Minute),

		CacheTTL:           validator.GetDuration("CACHE_TTL", 30*time.Minute),
		CacheSweepInterval: validator.GetDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		CacheCapacity:      validator.GetInt("CACHE_CAPACITY", 1000),

		ProgressInterval: validator.GetDuration("PROGRESS_INTERVAL", 3*time.Second),
		RetentionWindow:  validator.GetDuration("RETENTION_WINDOW", 720*time.Hour),
		PurgeInterval:    validator.GetDuration("PURGE_INTERVAL", 6*time.Hour),

		ProgressBars:   validator.GetBool("PROGRESS_BARS", false),
		VerboseRetries: validator.GetBool("VERBOSE_RETRIES", false),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate performs additional validation on the loaded configuration
func (c *BotConfig) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("bot token cannot be empty")
	}

	if c.APIID <= 0 {
		return fmt.Errorf("API ID must be a positive integer, got: %d", c.APIID)
	}

	if c.APIHash == "" {
		return fmt.Errorf("API hash cannot be empty")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
		"FATAL": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s. Valid levels are: DEBUG, INFO, WARN, ERROR, FATAL", c.LogLevel)
	}

	if c.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be positive, got: %d", c.MaxConcurrent)
	}
	if c.PerUserSlots <= 0 || c.PerUserSlots > c.MaxConcurrent {
		return fmt.Errorf("PER_USER_DOWNLOADS must be between 1 and MAX_CONCURRENT_DOWNLOADS, got: %d", c.PerUserSlots)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got: %d", c.QueueCapacity)
	}
	if c.SubmissionsPerWindow <= 0 {
		return fmt.Errorf("SUBMISSIONS_PER_WINDOW must be positive, got: %d", c.SubmissionsPerWindow)
	}
	if c.SubmissionWindow <= 0 {
		return fmt.Errorf("SUBMISSION_WINDOW must be positive, got: %v", c.SubmissionWindow)
	}
	if c.PlaylistMaxItems <= 0 {
		return fmt.Errorf("PLAYLIST_MAX_ITEMS must be positive, got: %d", c.PlaylistMaxItems)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative, got: %d", c.MaxRetries)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got: %d", c.MaxFileSize)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("PROGRESS_INTERVAL must be positive, got: %v", c.ProgressInterval)
	}
	if c.RetentionWindow <= 0 || c.PurgeInterval <= 0 {
		return fmt.Errorf("retention window and purge interval must be positive")
	}

	return nil
}
