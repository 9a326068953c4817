// Package config loads the tunables that must be fixed at construction
// time: buffer pool size, LRU-K's K, leaf/internal max size, and the
// deadlock-detection interval. Isolation level is per-transaction and is not
// part of this struct.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the construction-time parameters the storage core needs.
type Config struct {
	BufferPoolFrames uint64        `envconfig:"BUFFER_POOL_FRAMES" default:"64"`
	ReplacerK        uint64        `envconfig:"REPLACER_K" default:"2"`
	LeafMaxSize      uint16        `envconfig:"LEAF_MAX_SIZE" default:"254"`
	InternalMaxSize  uint16        `envconfig:"INTERNAL_MAX_SIZE" default:"254"`
	DeadlockInterval time.Duration `envconfig:"DEADLOCK_DETECTION_INTERVAL" default:"50ms"`
	DataDir          string        `envconfig:"DATA_DIR" default:"./data"`
}

// Load optionally reads envFile (ignored if it doesn't exist, same as the
// reference server's startup path) and then applies environment overrides
// with the DBCORE_ prefix on top of the defaults above.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	var cfg Config
	if err := envconfig.Process("dbcore", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
