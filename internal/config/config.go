// Package config loads and stores the CLI's credentials file,
// ~/.config/forevervm/config.json. The file is JSON; comments and trailing
// commas are tolerated so it can be edited by hand.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/jamsocket/forevervm/internal/protocol"
)

// Environment variables that override the file.
const (
	EnvToken   = "FOREVERVM_TOKEN"
	EnvBaseURL = "FOREVERVM_API_BASE"
)

// ErrNotLoggedIn is returned by APIToken when no token is configured.
var ErrNotLoggedIn = errors.New("not logged in")

// Config is the contents of the credentials file.
type Config struct {
	Token     string `json:"token,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
}

// DefaultPath returns ~/.config/forevervm/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "forevervm", "config.json"), nil
}

// Parse decodes a credentials file.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Load reads the file at path. A missing file is an empty Config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed. The file is
// replaced atomically and readable only by the owner.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// WithEnv returns cfg with FOREVERVM_TOKEN and FOREVERVM_API_BASE applied.
func (c Config) WithEnv(getenv func(string) string) Config {
	if v := getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := getenv(EnvBaseURL); v != "" {
		c.ServerURL = v
	}
	return c
}

// APIToken parses the configured token.
func (c Config) APIToken() (protocol.APIToken, error) {
	if c.Token == "" {
		return protocol.APIToken{}, ErrNotLoggedIn
	}
	token, err := protocol.ParseAPIToken(c.Token)
	if err != nil {
		return protocol.APIToken{}, fmt.Errorf("config: %w", err)
	}
	return token, nil
}
