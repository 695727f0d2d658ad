// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/docflow/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest PATH...",
	Short: "Add PDF files to the vault and queue them for classification",
	Long: `Ingest copies PDF files into the content-addressed vault, stores the text
layer of every page and creates one NEW document per file. Directories are
walked recursively for *.pdf files. Files whose bytes were ingested before
are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	in := ingest.New(v, s, logger)
	result, err := in.IngestBatch(cmd.Context(), args, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if result.HasFailures() {
		return fmt.Errorf("%d file(s) failed to ingest", result.Failed)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
