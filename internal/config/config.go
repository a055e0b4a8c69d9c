// Package config wraps viper with marketsync's configuration layout:
// a discovered config.yaml, an MSYNC_ env prefix, and explicit bindings
// for the handful of bare environment variables the deployment contract
// recognizes (DB_URL, QUEUE_URL, LOG_LEVEL, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project .marketsync/config.yaml (walking up from CWD)
	// > user config dir > home directory.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".marketsync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "msync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".marketsync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// MSYNC_DB_URL maps to "db-url", etc.
	v.SetEnvPrefix("MSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bare env vars from the deployment contract, bound explicitly.
	_ = v.BindEnv("db-url", "DB_URL")
	_ = v.BindEnv("queue-url", "QUEUE_URL")
	_ = v.BindEnv("log-level", "LOG_LEVEL")
	_ = v.BindEnv("concurrent-requests", "CONCURRENT_REQUESTS")
	_ = v.BindEnv("download-delay-ms", "DOWNLOAD_DELAY_MS")
	_ = v.BindEnv("robots-respect", "ROBOTS_RESPECT")
	_ = v.BindEnv("data-dir", "DATA_DIR")
	_ = v.BindEnv("image-dir", "IMAGE_DIR")

	v.SetDefault("db-url", "")
	v.SetDefault("queue-url", "")
	v.SetDefault("log-level", "INFO")
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 50)
	v.SetDefault("log-max-backups", 5)
	v.SetDefault("data-dir", "")
	v.SetDefault("image-dir", "")
	v.SetDefault("actor", "")

	// Fetch pipeline defaults.
	v.SetDefault("concurrent-requests", 8)
	v.SetDefault("download-delay-ms", 1000)
	v.SetDefault("robots-respect", true)
	v.SetDefault("fetch.connect-timeout", "10s")
	v.SetDefault("fetch.read-timeout", "30s")
	v.SetDefault("fetch.total-timeout", "60s")
	v.SetDefault("fetch.host-qps", 2.0)
	v.SetDefault("fetch.host-burst", 4)
	v.SetDefault("fetch.acquire-wait", "30s")
	v.SetDefault("fetch.cooldown-base", "30s")
	v.SetDefault("fetch.cooldown-max", "30m")
	v.SetDefault("fetch.user-agents", []string{})
	v.SetDefault("fetch.proxies", []string{})

	// Worker runtime defaults.
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queues", []string{"default", "crawler", "image", "data_sync", "batch"})
	v.SetDefault("worker.lease-ttl", "5m")
	v.SetDefault("worker.poll-interval", "1s")
	v.SetDefault("worker.retry-base", "2s")
	v.SetDefault("worker.retry-max-delay", "5m")
	v.SetDefault("worker.retry-max-attempts", 5)
	v.SetDefault("worker.soft-timeout", "10m")
	v.SetDefault("worker.hard-timeout", "15m")

	// Queue backpressure defaults (per-queue overridable under queue.<name>.*).
	v.SetDefault("queue.high-water", 10000)
	v.SetDefault("queue.low-water", 5000)

	// Scheduler defaults.
	v.SetDefault("scheduler.leader-ttl", "30s")
	v.SetDefault("scheduler.tick", "1s")

	// Checkpoint retention after terminal runs.
	v.SetDefault("checkpoint.retention", "168h")

	// Source marketplace defaults.
	v.SetDefault("source.base-url", "https://www.1688.com")
	v.SetDefault("source.page-size", 60)
	v.SetDefault("source.max-pages", 0)

	// Dedup thresholds.
	v.SetDefault("dedupe.product-threshold", 0.85)
	v.SetDefault("dedupe.supplier-threshold", 0.80)

	// Supervision defaults.
	v.SetDefault("supervise.stall-threshold", "2m")
	v.SetDefault("supervise.error-window", "5m")
	v.SetDefault("supervise.error-rate-threshold", 0.5)
	v.SetDefault("supervise.error-min-samples", 10)
	v.SetDefault("supervise.depth-poll", "15s")

	// Admin API defaults.
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.mailbox-size", 64)

	v.SetDefault("extract.rules-dir", "")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return ensure().GetString(key) }

// GetInt returns an int config value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 { return ensure().GetFloat64(key) }

// GetBool returns a bool config value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// GetStringSlice returns a string-slice config value.
func GetStringSlice(key string) []string { return ensure().GetStringSlice(key) }

// Set overrides a config value (flag binding and tests).
func Set(key string, value interface{}) { ensure().Set(key, value) }

// DataDir resolves the data directory, defaulting to .marketsync under CWD.
func DataDir() string {
	if dir := GetString("data-dir"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ".marketsync"
	}
	return filepath.Join(cwd, ".marketsync")
}

// DBPath resolves the sqlite database path. DB_URL wins when set; a bare
// path is used as-is, a file: URL is stripped to its path.
func DBPath() string {
	if u := GetString("db-url"); u != "" {
		return strings.TrimPrefix(u, "file:")
	}
	return filepath.Join(DataDir(), "marketsync.db")
}

// ImageDir resolves the content-addressed image store root.
func ImageDir() string {
	if dir := GetString("image-dir"); dir != "" {
		return dir
	}
	return filepath.Join(DataDir(), "images")
}

// AllSettings snapshots the effective configuration (for SyncRun records).
func AllSettings() map[string]interface{} { return ensure().AllSettings() }
