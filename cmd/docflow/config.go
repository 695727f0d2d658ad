// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/pdiddy/docflow/internal/ai"
	"github.com/pdiddy/docflow/internal/report"
	"github.com/pdiddy/docflow/internal/secrets"
	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/internal/vault"
	"github.com/pdiddy/docflow/pkg/types"
)

const defaultDataDir = "docflow-data"

// setDefaults registers every config key so environment variables are seen
// by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("vault.dir", "")
	v.SetDefault("store.db_path", "")
	v.SetDefault("store.max_results", 50)

	v.SetDefault("ai.provider", string(types.ProviderClaude))
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.timeout", 2*time.Minute)

	v.SetDefault("canonizer.workers", 2)
	v.SetDefault("canonizer.max_attempts", 5)
	v.SetDefault("canonizer.retry_base", time.Minute)
	v.SetDefault("canonizer.lease_duration", 10*time.Minute)
	v.SetDefault("canonizer.language", "")
	v.SetDefault("canonizer.min_confidence", types.DefaultMinConfidence)
	v.SetDefault("canonizer.max_audit_pages", 10)

	v.SetDefault("report.currency", report.DefaultCurrency)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// loadConfig builds the effective configuration. Vault and database paths
// default to locations under data_dir.
func loadConfig() types.Config {
	return configFrom(viper.GetViper())
}

func configFrom(v *viper.Viper) types.Config {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid configuration: %v\n", err)
	}

	dataDir := v.GetString("data_dir")
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	if cfg.Vault.Dir == "" {
		cfg.Vault.Dir = filepath.Join(dataDir, "vault")
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(dataDir, "docflow.db")
	}
	return cfg
}

// aiConfig fills credentials from .secrets/ or the environment when the
// configuration leaves them empty.
func aiConfig(cfg types.AIConfig) types.AIConfig {
	switch cfg.Provider {
	case types.ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = loadedSecrets.Value(secrets.OllamaURL, "")
		}
	default:
		if cfg.APIKey == "" {
			cfg.APIKey = loadedSecrets.Value(secrets.AnthropicAPIKey, os.Getenv("ANTHROPIC_API_KEY"))
		}
	}
	return cfg
}

func openStore(cfg types.Config) (*store.Store, error) {
	return store.NewStore(cfg.Store)
}

func openVault(cfg types.Config) (*vault.Vault, error) {
	return vault.Open(cfg.Vault)
}

func newBackend(cfg types.Config) (ai.Backend, error) {
	return ai.New(aiConfig(cfg.AI))
}
