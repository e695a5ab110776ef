// Package config loads ilshieldd settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/crypto"
)

type Config struct {
	Port           int
	DataDir        string
	AdminSecret    []byte // argon2id hash, never the plaintext
	WorkerKeys     []common.Address
	CORSOrigins    []string
	RateLimit      int  // requests per minute per client, 0 disables
	TrustProxy     bool // rate-limit by X-Forwarded-For
	SweepInterval  time.Duration
	VerifyInterval time.Duration
	LogLevel       logrus.Level
	DataShards     int
	ParityShards   int
}

// DBPath is the ledger database location.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "ilshield.db")
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	var errs []string
	getInt := func(key string, def int) int {
		val := getenv(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("invalid %s=%q", key, val))
			return def
		}
		return n
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		val := getenv(key)
		if val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("invalid %s=%q", key, val))
			return def
		}
		return d
	}
	getBool := func(key string) bool {
		val := getenv(key)
		if val == "" {
			return false
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s=%q", key, val))
			return false
		}
		return b
	}
	getList := func(key string) []string {
		var out []string
		for _, v := range strings.Split(getenv(key), ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}

	cfg := Config{
		Port:           getInt("ILSHIELD_PORT", 8080),
		DataDir:        getenv("ILSHIELD_DATA_DIR"),
		CORSOrigins:    getList("ILSHIELD_CORS_ORIGINS"),
		RateLimit:      getInt("ILSHIELD_RATE_LIMIT", 120),
		TrustProxy:     getBool("ILSHIELD_TRUST_PROXY"),
		SweepInterval:  getDuration("ILSHIELD_SWEEP_INTERVAL", time.Minute),
		VerifyInterval: getDuration("ILSHIELD_VERIFY_INTERVAL", 10*time.Minute),
		DataShards:     getInt("ILSHIELD_ARCHIVE_DATA_SHARDS", 4),
		ParityShards:   getInt("ILSHIELD_ARCHIVE_PARITY_SHARDS", 2),
		LogLevel:       logrus.InfoLevel,
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.DataShards == 0 {
		errs = append(errs, "ILSHIELD_ARCHIVE_DATA_SHARDS must be positive")
	}
	if lvl := getenv("ILSHIELD_LOG_LEVEL"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid ILSHIELD_LOG_LEVEL=%q", lvl))
		} else {
			cfg.LogLevel = parsed
		}
	}
	for _, k := range getList("ILSHIELD_WORKER_KEYS") {
		if !common.IsHexAddress(k) {
			errs = append(errs, fmt.Sprintf("invalid worker address %q", k))
			continue
		}
		cfg.WorkerKeys = append(cfg.WorkerKeys, common.HexToAddress(k))
	}

	secret := getenv("ILSHIELD_ADMIN_SECRET")
	if secret == "" {
		errs = append(errs, "ILSHIELD_ADMIN_SECRET is required")
	} else {
		cfg.AdminSecret = crypto.HashSecret(secret)
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}
