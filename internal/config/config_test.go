package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/crypto"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{"ILSHIELD_ADMIN_SECRET": "s3cret"}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 8080 || cfg.DataDir != "data" || cfg.RateLimit != 120 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SweepInterval != time.Minute || cfg.DataShards != 4 || cfg.ParityShards != 2 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LogLevel != logrus.InfoLevel {
		t.Fatalf("log level = %v", cfg.LogLevel)
	}
	if cfg.TrustProxy {
		t.Fatal("X-Forwarded-For trusted by default")
	}
	if !crypto.VerifySecret("s3cret", cfg.AdminSecret) {
		t.Fatal("admin secret hash does not verify")
	}
	if cfg.DBPath() != "data/ilshield.db" {
		t.Fatalf("DBPath = %s", cfg.DBPath())
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"ILSHIELD_ADMIN_SECRET":   "s3cret",
		"ILSHIELD_PORT":           "9000",
		"ILSHIELD_WORKER_KEYS":    "0x00000000000000000000000000000000000000a1, 0x00000000000000000000000000000000000000a2",
		"ILSHIELD_CORS_ORIGINS":   "https://app.example, https://ops.example",
		"ILSHIELD_LOG_LEVEL":      "debug",
		"ILSHIELD_SWEEP_INTERVAL": "15s",
		"ILSHIELD_TRUST_PROXY":    "true",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 9000 || cfg.SweepInterval != 15*time.Second || cfg.LogLevel != logrus.DebugLevel {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.TrustProxy {
		t.Fatal("ILSHIELD_TRUST_PROXY not applied")
	}
	if len(cfg.WorkerKeys) != 2 || cfg.WorkerKeys[1] != common.HexToAddress("0xa2") {
		t.Fatalf("worker keys = %v", cfg.WorkerKeys)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://app.example" {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{
		"ILSHIELD_PORT":        "abc",
		"ILSHIELD_WORKER_KEYS": "not-an-address",
		"ILSHIELD_TRUST_PROXY": "maybe",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"ILSHIELD_PORT", "not-an-address", "ILSHIELD_TRUST_PROXY", "ILSHIELD_ADMIN_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
