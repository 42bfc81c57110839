package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	EventQueue        string
	ProcessingQueue   string
	FailedQueue       string
	NotificationQueue string
	StatusTTL         time.Duration
	StaleEventAfter   time.Duration
	WorkerCount       int

	Merger        string
	GotenbergURL  string
	GotenbergPDFA string

	S3Bucket              string
	S3Region              string
	AWSS3AccessKey        string
	AWSS3SecretKey        string
	S3Endpoint            string
	S3UsePathStyle        bool
	S3DeliveryPrefix      string
	DeleteConsumedUploads bool

	LedgerDriver string
	DatabaseURL  string
	SQLitePath   string

	StagingRoot      string
	InboxDir         string
	SettleWindow     time.Duration
	CleanupGrace     time.Duration
	SessionRetention time.Duration

	DeliveryMode         string
	DeliveryURL          string
	DeliveryToken        string
	DeliveryMaxRetries   int
	DeliveryBackoffCap   time.Duration
	DeliveryUnknownDelay time.Duration
	DeliveryTimeout      time.Duration

	ConversionTimeout time.Duration
	AllowedExtensions []string
	MaxFileBytes      int64
	MaxWidth          int
	MaxHeight         int
	MaxPixels         int64
	Quality           int

	LogLevel  string
	LogFormat string
}

const (
	MergerLocal     = "local"
	MergerGotenberg = "gotenberg"

	DeliveryHTTP = "http"
	DeliveryS3   = "s3"

	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerNone     = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("REDIS_ADDR", "redis:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_CONVERSION_DB", 3)
	v.SetDefault("REDIS_PREFIX", "")
	v.SetDefault("CONVERSION_EVENT_QUEUE", "conversion:events")
	v.SetDefault("CONVERSION_PROCESSING_QUEUE", "conversion:processing")
	v.SetDefault("CONVERSION_FAILED_QUEUE", "conversion:failed")
	v.SetDefault("CONVERSION_NOTIFICATION_QUEUE", "conversion:notifications")
	v.SetDefault("CONVERSION_STATUS_TTL", 24*time.Hour)
	v.SetDefault("CONVERSION_STALE_EVENT_AFTER", 5*time.Minute)
	v.SetDefault("CONVERSION_WORKER_COUNT", 3)

	v.SetDefault("MERGER", MergerLocal)
	v.SetDefault("GOTENBERG_URL", "http://gotenberg:3000")
	v.SetDefault("GOTENBERG_PDFA", "")

	v.SetDefault("AWS_BUCKET", "pagebinder")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_KEY", "")
	v.SetDefault("S3_SECRET", "")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_USE_PATH_STYLE_ENDPOINT", false)
	v.SetDefault("S3_DELIVERY_PREFIX", "deliveries")
	v.SetDefault("S3_DELETE_CONSUMED_UPLOADS", true)

	v.SetDefault("LEDGER_DRIVER", LedgerPostgres)
	v.SetDefault("SQLITE_PATH", "pagebinder.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_DATABASE", "pagebinder")
	v.SetDefault("DB_USERNAME", "pagebinder")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_SSLCERT", "")
	v.SetDefault("DB_SSLKEY", "")
	v.SetDefault("DB_SSLROOTCERT", "")

	v.SetDefault("STAGING_ROOT", "temp")
	v.SetDefault("INBOX_DIR", "")
	v.SetDefault("SETTLE_WINDOW", 5*time.Second)
	v.SetDefault("CLEANUP_GRACE", 2*time.Second)
	v.SetDefault("SESSION_RETENTION", 10*time.Minute)

	v.SetDefault("DELIVERY_MODE", DeliveryHTTP)
	v.SetDefault("DELIVERY_URL", "http://transport:8080/deliveries")
	v.SetDefault("DELIVERY_TOKEN", "")
	v.SetDefault("DELIVERY_MAX_RETRIES", 3)
	v.SetDefault("DELIVERY_BACKOFF_CAP", 30*time.Second)
	v.SetDefault("DELIVERY_UNKNOWN_DELAY", 3*time.Second)
	v.SetDefault("DELIVERY_TIMEOUT", 120*time.Second)

	v.SetDefault("CONVERSION_TIMEOUT", 120*time.Second)
	v.SetDefault("CONVERSION_ALLOWED_EXTENSIONS", "jpg,jpeg,png,gif,bmp,tif,tiff,webp")
	v.SetDefault("CONVERSION_MAX_FILE_BYTES", int64(20<<20))
	v.SetDefault("CONVERSION_MAX_WIDTH", 1200)
	v.SetDefault("CONVERSION_MAX_HEIGHT", 1800)
	v.SetDefault("CONVERSION_MAX_PIXELS", int64(50_000_000))
	v.SetDefault("CONVERSION_QUALITY", 75)

	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	_ = v.BindEnv("S3_REGION", "S3_REGION", "AWS_DEFAULT_REGION")
	_ = v.BindEnv("S3_KEY", "S3_KEY", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("S3_SECRET", "S3_SECRET", "AWS_SECRET_ACCESS_KEY")

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	redisPrefix := v.GetString("REDIS_PREFIX")

	cfg := &Config{
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_CONVERSION_DB"),
		RedisPrefix:       redisPrefix,
		EventQueue:        applyPrefix(v.GetString("CONVERSION_EVENT_QUEUE"), redisPrefix),
		ProcessingQueue:   applyPrefix(v.GetString("CONVERSION_PROCESSING_QUEUE"), redisPrefix),
		FailedQueue:       applyPrefix(v.GetString("CONVERSION_FAILED_QUEUE"), redisPrefix),
		NotificationQueue: applyPrefix(v.GetString("CONVERSION_NOTIFICATION_QUEUE"), redisPrefix),
		StatusTTL:         v.GetDuration("CONVERSION_STATUS_TTL"),
		StaleEventAfter:   v.GetDuration("CONVERSION_STALE_EVENT_AFTER"),
		WorkerCount:       v.GetInt("CONVERSION_WORKER_COUNT"),

		Merger:        strings.ToLower(v.GetString("MERGER")),
		GotenbergURL:  v.GetString("GOTENBERG_URL"),
		GotenbergPDFA: v.GetString("GOTENBERG_PDFA"),

		S3Bucket:              v.GetString("AWS_BUCKET"),
		S3Region:              v.GetString("S3_REGION"),
		AWSS3AccessKey:        v.GetString("S3_KEY"),
		AWSS3SecretKey:        v.GetString("S3_SECRET"),
		S3Endpoint:            v.GetString("S3_ENDPOINT"),
		S3UsePathStyle:        v.GetBool("S3_USE_PATH_STYLE_ENDPOINT"),
		S3DeliveryPrefix:      v.GetString("S3_DELIVERY_PREFIX"),
		DeleteConsumedUploads: v.GetBool("S3_DELETE_CONSUMED_UPLOADS"),

		LedgerDriver: strings.ToLower(v.GetString("LEDGER_DRIVER")),
		DatabaseURL:  postgresDSN(v),
		SQLitePath:   v.GetString("SQLITE_PATH"),

		StagingRoot:      v.GetString("STAGING_ROOT"),
		InboxDir:         v.GetString("INBOX_DIR"),
		SettleWindow:     v.GetDuration("SETTLE_WINDOW"),
		CleanupGrace:     v.GetDuration("CLEANUP_GRACE"),
		SessionRetention: v.GetDuration("SESSION_RETENTION"),

		DeliveryMode:         strings.ToLower(v.GetString("DELIVERY_MODE")),
		DeliveryURL:          v.GetString("DELIVERY_URL"),
		DeliveryToken:        v.GetString("DELIVERY_TOKEN"),
		DeliveryMaxRetries:   v.GetInt("DELIVERY_MAX_RETRIES"),
		DeliveryBackoffCap:   v.GetDuration("DELIVERY_BACKOFF_CAP"),
		DeliveryUnknownDelay: v.GetDuration("DELIVERY_UNKNOWN_DELAY"),
		DeliveryTimeout:      v.GetDuration("DELIVERY_TIMEOUT"),

		ConversionTimeout: v.GetDuration("CONVERSION_TIMEOUT"),
		AllowedExtensions: getList(v, "CONVERSION_ALLOWED_EXTENSIONS"),
		MaxFileBytes:      v.GetInt64("CONVERSION_MAX_FILE_BYTES"),
		MaxWidth:          v.GetInt("CONVERSION_MAX_WIDTH"),
		MaxHeight:         v.GetInt("CONVERSION_MAX_HEIGHT"),
		MaxPixels:         v.GetInt64("CONVERSION_MAX_PIXELS"),
		Quality:           v.GetInt("CONVERSION_QUALITY"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postgresDSN builds a lib/pq key=value connection string, which avoids URI
// escaping issues for special characters in passwords. DATABASE_URL wins
// when set.
func postgresDSN(v *viper.Viper) string {
	if url := v.GetString("DATABASE_URL"); url != "" {
		return url
	}

	parts := []string{
		"host=" + quoteDSN(v.GetString("DB_HOST")),
		"port=" + quoteDSN(v.GetString("DB_PORT")),
		"dbname=" + quoteDSN(v.GetString("DB_DATABASE")),
		"user=" + quoteDSN(v.GetString("DB_USERNAME")),
	}
	if password := v.GetString("DB_PASSWORD"); password != "" {
		parts = append(parts, "password="+quoteDSN(password))
	}
	parts = append(parts, "sslmode="+quoteDSN(v.GetString("DB_SSLMODE")))

	// Append SSL certificate paths if provided
	for _, opt := range [][2]string{
		{"DB_SSLCERT", "sslcert"},
		{"DB_SSLKEY", "sslkey"},
		{"DB_SSLROOTCERT", "sslrootcert"},
	} {
		if value := v.GetString(opt[0]); value != "" {
			parts = append(parts, opt[1]+"="+quoteDSN(value))
		}
	}
	return strings.Join(parts, " ")
}

// quoteDSN single-quotes values lib/pq would otherwise split.
func quoteDSN(value string) string {
	if value != "" && !strings.ContainsAny(value, " '\\") {
		return value
	}
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return "'" + value + "'"
}

// getList accepts a comma separated string from the environment or a list
// from a config file.
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case []string:
		raw = val
	case []interface{}:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(v.GetString(key), ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(item), "."))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func (c *Config) Validate() error {
	switch c.Merger {
	case MergerLocal, MergerGotenberg:
	default:
		return fmt.Errorf("invalid MERGER %q (want %s or %s)", c.Merger, MergerLocal, MergerGotenberg)
	}
	switch c.DeliveryMode {
	case DeliveryHTTP, DeliveryS3:
	default:
		return fmt.Errorf("invalid DELIVERY_MODE %q (want %s or %s)", c.DeliveryMode, DeliveryHTTP, DeliveryS3)
	}
	switch c.LedgerDriver {
	case LedgerPostgres, LedgerSQLite, LedgerNone:
	default:
		return fmt.Errorf("invalid LEDGER_DRIVER %q", c.LedgerDriver)
	}
	if c.StagingRoot == "" {
		return fmt.Errorf("STAGING_ROOT must not be empty")
	}
	if c.SettleWindow < 0 || c.CleanupGrace < 0 {
		return fmt.Errorf("SETTLE_WINDOW and CLEANUP_GRACE must not be negative")
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("CONVERSION_QUALITY must be within 1..100, got %d", c.Quality)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("CONVERSION_WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	return nil
}
