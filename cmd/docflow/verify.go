// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every ingested file is intact in the vault",
	Long: `Verify rehashes every file recorded in the database and reports files
that are missing from the vault or whose bytes no longer match their hash.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	files, err := s.PhysicalFiles(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	bad := 0
	for _, f := range files {
		if err := v.Verify(f.SHA256); err != nil {
			bad++
			fmt.Fprintf(w, "failed:   %s (%s): %v\n", f.OriginalFilename, f.UUID, err)
			continue
		}
		logger.Debug("verified", "file", f.OriginalFilename, "sha256", f.SHA256)
	}
	fmt.Fprintf(w, "Verify summary: %d ok, %d failed (total: %d)\n", len(files)-bad, bad, len(files))
	if bad > 0 {
		return fmt.Errorf("%d file(s) failed verification", bad)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
