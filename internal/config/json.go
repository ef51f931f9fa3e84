package config

import (
	"encoding/json"
	"os"

	"github.com/ledgerkeep/ledgerkeep/internal/flagx"
	"github.com/ledgerkeep/ledgerkeep/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "5m" or
// as integer nanoseconds. After parsing, values are copied into the runtime
// Config.
type JsonConfig struct {
	DatabaseDSN           *string         `json:"database_dsn"`
	MaxStoreBytes         *int64          `json:"max_store_bytes"`
	CouchURL              *string         `json:"couch_url"`
	CouchDatabase         *string         `json:"couch_database"`
	SessionSecret         *string         `json:"session_secret"`
	OnlineCheckInterval   *timex.Duration `json:"online_check_interval"`
	CacheMemTTL           *timex.Duration `json:"cache_mem_ttl"`
	CacheDurableTTL       *timex.Duration `json:"cache_durable_ttl"`
	RecoveryStrategyPause *timex.Duration `json:"recovery_strategy_pause"`
	S3Bucket              *string         `json:"s3_bucket"`
	S3Region              *string         `json:"s3_region"`
	S3Prefix              *string         `json:"s3_prefix"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c/-config command-line flags; when absent no JSON is
// loaded. Read or unmarshal errors panic, matching the fail-fast posture of
// startup configuration.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlag()
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabaseDSN != nil {
		cfg.DatabaseDSN = *jc.DatabaseDSN
	}
	if jc.MaxStoreBytes != nil {
		cfg.MaxStoreBytes = *jc.MaxStoreBytes
	}
	if jc.CouchURL != nil {
		cfg.CouchURL = *jc.CouchURL
	}
	if jc.CouchDatabase != nil {
		cfg.CouchDatabase = *jc.CouchDatabase
	}
	if jc.SessionSecret != nil {
		cfg.SessionSecret = *jc.SessionSecret
	}
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.CacheMemTTL != nil {
		cfg.CacheMemTTL = jc.CacheMemTTL.Duration
	}
	if jc.CacheDurableTTL != nil {
		cfg.CacheDurableTTL = jc.CacheDurableTTL.Duration
	}
	if jc.RecoveryStrategyPause != nil {
		cfg.RecoveryStrategyPause = jc.RecoveryStrategyPause.Duration
	}
	if jc.S3Bucket != nil {
		cfg.S3Bucket = *jc.S3Bucket
	}
	if jc.S3Region != nil {
		cfg.S3Region = *jc.S3Region
	}
	if jc.S3Prefix != nil {
		cfg.S3Prefix = *jc.S3Prefix
	}
}
