//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "chatcore")
	}
	return "chatcore-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: chatcore, account: openrouter_api_key)"
}
