package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays Config with values from the process environment. A .env
// file in the working directory is loaded first; a missing file is not an
// error.
func parseEnv(cfg *Config) {
	_ = godotenv.Load()

	setString(&cfg.DatabaseDSN, "LEDGERKEEP_DATABASE_DSN")
	setInt64(&cfg.MaxStoreBytes, "LEDGERKEEP_MAX_STORE_BYTES")
	setString(&cfg.CouchURL, "LEDGERKEEP_COUCH_URL")
	setString(&cfg.CouchDatabase, "LEDGERKEEP_COUCH_DATABASE")
	setString(&cfg.SessionSecret, "LEDGERKEEP_SESSION_SECRET")
	setDuration(&cfg.OnlineCheckInterval, "LEDGERKEEP_ONLINE_CHECK_INTERVAL")
	setDuration(&cfg.CacheMemTTL, "LEDGERKEEP_CACHE_MEM_TTL")
	setDuration(&cfg.CacheDurableTTL, "LEDGERKEEP_CACHE_DURABLE_TTL")
	setDuration(&cfg.RecoveryStrategyPause, "LEDGERKEEP_RECOVERY_STRATEGY_PAUSE")
	setString(&cfg.S3Bucket, "LEDGERKEEP_S3_BUCKET")
	setString(&cfg.S3Region, "LEDGERKEEP_S3_REGION")
	setString(&cfg.S3Prefix, "LEDGERKEEP_S3_PREFIX")
	setString(&cfg.S3AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&cfg.S3SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
