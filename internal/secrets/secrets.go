// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys and credentials from a directory of plain-text files.
// Each file in the directory represents one secret: the filename is the key name and the
// file contents (trimmed) are the value.
//
// Supported key files: anthropic-api-key, ollama-url.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Key file names.
const (
	AnthropicAPIKey = "anthropic-api-key"
	OllamaURL       = "ollama-url"
)

// DefaultDir is where the CLI looks for secrets.
const DefaultDir = ".secrets"

// Secrets maps key names to values.
type Secrets map[string]string

// Value returns the secret for key, or fallback when it is unset.
func (s Secrets) Value(key, fallback string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory or missing files are not errors; Load returns an empty map.
// Unreadable files are logged as warnings but do not abort.
func Load(dir string) (Secrets, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Secrets{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(Secrets)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("could not read secret", "name", name, "error", err)
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			secrets[name] = value
		}
	}

	return secrets, nil
}
