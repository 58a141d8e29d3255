package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Store     string `json:"store"` // memory | libsql
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	PoolSize  int    `json:"pool_size"`
	Scheduler bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		Store:     "libsql",
		DBPath:    filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:  "info",
		PoolSize:  10,
		Scheduler: true,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
