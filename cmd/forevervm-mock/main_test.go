package main

import (
	"log/slog"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfig(func(string) string { return "" })

	if cfg.Port != 8421 {
		t.Errorf("expected port 8421, got %d", cfg.Port)
	}
	if cfg.Token != "" || cfg.Account != "mock" || cfg.MaxMachines != 100 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	env := map[string]string{
		"PORT":                   "9000",
		"FOREVERVM_MOCK_TOKEN":   "id.secret",
		"FOREVERVM_MOCK_ACCOUNT": "acme",
		"MAX_MACHINES":           "3",
		"LOG_LEVEL":              "debug",
	}
	cfg := loadConfig(func(k string) string { return env[k] })

	if cfg.Port != 9000 || cfg.Token != "id.secret" || cfg.Account != "acme" || cfg.MaxMachines != 3 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}
}

func TestLoadConfig_IgnoresBadNumbers(t *testing.T) {
	env := map[string]string{"PORT": "http", "MAX_MACHINES": "many", "LOG_LEVEL": "loud"}
	cfg := loadConfig(func(k string) string { return env[k] })

	if cfg.Port != 8421 || cfg.MaxMachines != 100 || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected defaults for unparseable values, got %+v", cfg)
	}
}
