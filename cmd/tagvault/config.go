package main

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration. The device fingerprint is
// generated once and reused so sessions stay bound to this installation.
type CLIConfig struct {
	Address        string `yaml:"address"`
	UserID         string `yaml:"user_id"`
	Fingerprint    string `yaml:"fingerprint"`
	SecurityMode   string `yaml:"security_mode"`
	CacheEnabled   *bool  `yaml:"cache_enabled"`
	BorderCrossing bool   `yaml:"border_crossing"`
}

var cfg CLIConfig

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tagvault")
}

func configPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func cachePath() string {
	return filepath.Join(configDir(), "cache.db")
}

// loadConfig loads the CLI config from disk, generating and persisting a
// device fingerprint on first run.
func loadConfig() {
	cfg = CLIConfig{
		Address:      "http://127.0.0.1:8320",
		UserID:       "default",
		SecurityMode: "balanced",
	}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	if v := os.Getenv("TAGVAULT_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("TAGVAULT_USER"); v != "" {
		cfg.UserID = v
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = uuid.NewString()
		saveConfig() //nolint:errcheck
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	if err := os.MkdirAll(configDir(), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0600)
}
