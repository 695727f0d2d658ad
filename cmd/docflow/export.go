// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/docflow/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export [query]",
	Short: "Export documents with their metadata to YAML or JSON",
	Long: `Export writes every document (or a filtered subset) with its pages,
tags, audit flags and extracted data. Supports the same query and filters
as search. Output goes to stdout unless --output is given.`,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	opts, err := queryOptsFromFlags(cmd.Flags(), args)
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := s.Export(cmd.Context(), w, format, opts)
		if err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d document(s) to %s\n", n, output)
		}
		return nil
	})
}

func init() {
	addFilterFlags(exportCmd.Flags())
	exportCmd.Flags().String("format", store.FormatYAML, "export format: yaml or json")
	exportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")

	rootCmd.AddCommand(exportCmd)
}
