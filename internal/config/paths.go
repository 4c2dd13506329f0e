package config

import (
	"os"
	"path/filepath"
	"strings"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".stepline"), nil
}

// DefaultPath is ~/.stepline/config.yaml, or "" without a home directory.
func DefaultPath() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

func EnsureDataDir(c *Config) error {
	return os.MkdirAll(c.DataDir, 0755)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
