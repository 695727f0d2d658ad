// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the docflow CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/docflow/internal/logging"
	"github.com/pdiddy/docflow/internal/secrets"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets secrets.Secrets

// logger is configured in PersistentPreRunE.
var logger = slog.Default()

// rootCmd is the base command for the docflow CLI.
var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Archive, classify and search scanned paperwork",
	Long: `docflow keeps scanned PDFs in an immutable vault and turns them into
searchable virtual documents. Ingest files, let the Canonizer classify,
split, audit and extract them with an AI service, then search, tag,
report on and export the results.

Configuration is read from docflow.yaml (current directory or
~/.config/docflow/) and DOCFLOW_ environment variables; flags override both.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(loadConfig().Log, os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)

		s, err := secrets.Load(secrets.DefaultDir)
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			logger.Debug("loaded secrets", "keys", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./docflow.yaml or ~/.config/docflow/docflow.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the vault and database (default: docflow-data)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: auto, text, json")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "docflow"))
		}
	}

	viper.SetEnvPrefix("DOCFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
