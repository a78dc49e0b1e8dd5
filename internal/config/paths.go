package config

import (
	"os"
	"path/filepath"
)

// Environment variables that override the default file locations.
const (
	EnvConfigPath = "SERVER_CONTROL_CONFIG_PATH"
	EnvKeyPath    = "SERVER_CONTROL_SSH_KEY_PATH"
	EnvUsername   = "SSH_USERNAME"
)

// DefaultConfigPath returns ~/.afl/launchers.json unless overridden by the environment.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".afl", "launchers.json")
}

// DefaultKeyPath returns ~/.ssh/id_rsa unless overridden by the environment.
func DefaultKeyPath() string {
	if p := os.Getenv(EnvKeyPath); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".ssh", "id_rsa")
}

// DefaultUsername returns the login user used when a record has none.
func DefaultUsername() string {
	if u := os.Getenv(EnvUsername); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
