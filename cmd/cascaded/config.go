package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds all cascade daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string `json:"listen_addr" env:"CASCADE_LISTEN_ADDR"`
	DBPath         string `json:"db_path" env:"CASCADE_DB_PATH"`
	LogLevel       string `json:"log_level" env:"CASCADE_LOG_LEVEL"`
	SweepSchedule  string `json:"sweep_schedule" env:"CASCADE_SWEEP_SCHEDULE"`
	VacuumSchedule string `json:"vacuum_schedule" env:"CASCADE_VACUUM_SCHEDULE"`
	GraceSeconds   int    `json:"grace_seconds" env:"CASCADE_GRACE_SECONDS"`
	MCP            bool   `json:"mcp" env:"CASCADE_MCP"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(cascadeDir(), "cascade.db"),
		LogLevel:     "info",
		GraceSeconds: 120,
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
