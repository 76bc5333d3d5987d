package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"harvester/internal/core/extraction"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	StorageDriver string
	SQLitePath    string
	DatabaseURL   string
	DBMaxConns    int
	DBViaBouncer  bool

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	ScraperDriver   string
	ScraperProfile  string
	BrowserHeadless bool

	// WebhookURL receives signed job events when set.
	WebhookURL       string
	SystemAuthSecret string

	TaskMaxRetries int

	// Extraction holds the defaults merged into every Start request.
	Extraction extraction.JobConfig
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func Load() Config {
	def := extraction.DefaultJobConfig()
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),

		StorageDriver: getenv("STORAGE_DRIVER", "sqlite"),
		SQLitePath:    getenv("SQLITE_PATH", "./data/harvester.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBMaxConns:    getenvInt("DB_MAX_CONNS", 4),
		DBViaBouncer:  getenvBool("DB_VIA_BOUNCER", false),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "attachments"),

		ScraperDriver:   getenv("SCRAPER_DRIVER", "browser"),
		ScraperProfile:  getenv("SCRAPER_PROFILE", "./profile.yaml"),
		BrowserHeadless: getenvBool("BROWSER_HEADLESS", true),

		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		SystemAuthSecret: os.Getenv("SYSTEM_AUTH_SECRET"),

		TaskMaxRetries: getenvInt("TASK_MAX_RETRIES", 3),

		Extraction: extraction.JobConfig{
			BatchSize:           getenvInt("EXTRACT_BATCH_SIZE", def.BatchSize),
			Concurrency:         getenvInt("EXTRACT_CONCURRENCY", def.Concurrency),
			PauseBetweenBatches: getenvDuration("EXTRACT_PAUSE_BETWEEN_BATCHES", def.PauseBetweenBatches),
			MaxItems:            getenvInt("EXTRACT_MAX_ITEMS", def.MaxItems),
			RequestsPerHour:     getenvInt("EXTRACT_REQUESTS_PER_HOUR", def.RequestsPerHour),
			CooldownPeriod:      getenvDuration("EXTRACT_COOLDOWN", def.CooldownPeriod),
			MaxRetries:          getenvInt("EXTRACT_MAX_RETRIES", def.MaxRetries),
			RetryBaseDelay:      getenvDuration("EXTRACT_RETRY_BASE_DELAY", def.RetryBaseDelay),
			PerCallTimeout:      getenvDuration("EXTRACT_PER_CALL_TIMEOUT", def.PerCallTimeout),
			AttachmentDir:       os.Getenv("EXTRACT_ATTACHMENT_DIR"),
		},
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.WebhookURL != "" && cfg.SystemAuthSecret == "" {
		panic(fmt.Errorf("WEBHOOK_URL requires SYSTEM_AUTH_SECRET"))
	}
	if err := cfg.Extraction.Validate(); err != nil {
		panic(fmt.Errorf("extraction defaults: %w", err))
	}
	return cfg
}
