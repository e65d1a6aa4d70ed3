package main

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigFile is the config.toml structure. Fields mirror the administrative
// config subset exposed over GET/POST /api/admin/config plus the boot-time
// settings that have no runtime-patchable counterpart.
type ConfigFile struct {
	ListenAddr    string `toml:"listen_addr"`
	PoolDir       string `toml:"pool_dir"`
	DefaultDBPath string `toml:"default_db_path"`
	QuotaDBPath   string `toml:"quota_db_path"`
	FlowDir       string `toml:"flow_dir"`
	Debug         bool   `toml:"debug"`
	AdminKey      string `toml:"admin_key"`
	AllowLanAccess bool  `toml:"allow_lan_access"`
	MaxFlowEntries int   `toml:"max_flow_entries"`
	Telemetry     bool   `toml:"telemetry"`

	CooldownDurationMs int64 `toml:"cooldown_duration_ms"`
	AffinityLockMs     int64 `toml:"affinity_lock_ms"`

	BackupRetain  int `toml:"backup_retain"`
	FlowRetainDays int `toml:"flow_retain_days"`
}

// loadConfigFile loads config.toml if it exists. A missing file is not an
// error; the caller falls back to defaults.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// saveConfigFile persists the administrative subset back to config.toml.
func saveConfigFile(path string, cfg *ConfigFile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigInt64 returns the config value with priority: env var > config file > default.
func getConfigInt64(envKey string, configValue int64, defaultValue int64) int64 {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
