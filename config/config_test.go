package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Tests here use t.Setenv and therefore cannot run in parallel.

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, 3, cfg.RedisDB)
	require.Equal(t, "conversion:events", cfg.EventQueue)
	require.Equal(t, 5*time.Second, cfg.SettleWindow)
	require.Equal(t, 2*time.Second, cfg.CleanupGrace)
	require.Equal(t, 10*time.Minute, cfg.SessionRetention)
	require.Equal(t, 3, cfg.DeliveryMaxRetries)
	require.Equal(t, 30*time.Second, cfg.DeliveryBackoffCap)
	require.Equal(t, 75, cfg.Quality)
	require.Equal(t, 1200, cfg.MaxWidth)
	require.Equal(t, 1800, cfg.MaxHeight)
	require.Equal(t, int64(50_000_000), cfg.MaxPixels)
	require.Contains(t, cfg.AllowedExtensions, "jpg")
	require.Equal(t, MergerLocal, cfg.Merger)
	require.Equal(t, "host=localhost port=5432 dbname=pagebinder user=pagebinder sslmode=disable", cfg.DatabaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_PREFIX", "dev:")
	t.Setenv("SETTLE_WINDOW", "250ms")
	t.Setenv("CONVERSION_ALLOWED_EXTENSIONS", " .PNG, jpg ,,webp")
	t.Setenv("AWS_DEFAULT_REGION", "eu-north-1")
	t.Setenv("DB_PASSWORD", "p@ss word")
	t.Setenv("DB_SSLROOTCERT", "/certs/root.pem")
	t.Setenv("MERGER", "Gotenberg")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev:conversion:events", cfg.EventQueue)
	require.Equal(t, "dev:conversion:failed", cfg.FailedQueue)
	require.Equal(t, 250*time.Millisecond, cfg.SettleWindow)
	require.Equal(t, []string{"png", "jpg", "webp"}, cfg.AllowedExtensions)
	require.Equal(t, "eu-north-1", cfg.S3Region)
	require.Contains(t, cfg.DatabaseURL, "password='p@ss word'")
	require.True(t, strings.HasSuffix(cfg.DatabaseURL, "sslrootcert=/certs/root.pem"))
	require.Equal(t, MergerGotenberg, cfg.Merger)
}

func TestLoad_PrimaryS3VarWins(t *testing.T) {
	t.Setenv("AWS_DEFAULT_REGION", "eu-north-1")
	t.Setenv("S3_REGION", "ap-south-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "ap-south-1", cfg.S3Region)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagebinder.yaml")
	content := "settle_window: 1s\nconversion_allowed_extensions: [jpg, png]\ndelivery_mode: s3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DELIVERY_MODE", "http")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.SettleWindow)
	require.Equal(t, []string{"jpg", "png"}, cfg.AllowedExtensions)
	require.Equal(t, DeliveryHTTP, cfg.DeliveryMode, "environment wins over the file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"MERGER":                  "imagemagick",
		"DELIVERY_MODE":           "carrier-pigeon",
		"LEDGER_DRIVER":           "mysql",
		"CONVERSION_QUALITY":      "0",
		"CONVERSION_WORKER_COUNT": "0",
		"SETTLE_WINDOW":           "-1s",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
