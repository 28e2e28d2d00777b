// Package config loads the pattern intelligence core's startup configuration
// from the environment, optionally seeded from a local .env file the way
// Sergey-Bar-Alfred's gateway service does for its own startup config.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the environment-variable-controlled knobs spec.md §6 calls
// out by name: storage path root, hash cache TTL override, confidence
// threshold override.
type Config struct {
	StoragePathRoot          string
	HashCacheTTL             time.Duration
	ConfidenceThreshold      float64
	FallbackEmbeddingEnabled bool
}

const (
	envStoragePath   = "PATTERNCORE_STORAGE_PATH"
	envHashTTL       = "PATTERNCORE_HASH_TTL_SECONDS"
	envThreshold     = "PATTERNCORE_CONFIDENCE_THRESHOLD"
	envFallbackEmbed = "PATTERNCORE_FALLBACK_EMBEDDING"

	defaultHashTTL           = 300 * time.Second
	defaultThreshold         = 0.70
	defaultStorageDir        = "./patterncore-data"
	defaultFallbackEmbedding = true
)

// Load reads configuration from the environment. If a ".env" file is present
// in the working directory it is loaded first (missing file is not an
// error — godotenv.Load returns an error we deliberately ignore here,
// mirroring how optional dev-time .env files are treated elsewhere in the
// example pack).
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		StoragePathRoot:          defaultStorageDir,
		HashCacheTTL:             defaultHashTTL,
		ConfidenceThreshold:      defaultThreshold,
		FallbackEmbeddingEnabled: defaultFallbackEmbedding,
	}

	if v := os.Getenv(envStoragePath); v != "" {
		cfg.StoragePathRoot = v
	}
	if v := os.Getenv(envHashTTL); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.HashCacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envThreshold); v != "" {
		if th, err := strconv.ParseFloat(v, 64); err == nil && th >= 0 && th <= 1 {
			cfg.ConfidenceThreshold = th
		}
	}
	if v := os.Getenv(envFallbackEmbed); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.FallbackEmbeddingEnabled = enabled
		}
	}

	return cfg
}
