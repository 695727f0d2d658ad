//go:build mage

package main

import (
	"fmt"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

func docflow(args ...string) error {
	return sh.RunV(filepath.Join(binDir, binName), args...)
}

// Ingest adds every PDF under inbox/ to the vault.
func Ingest() error {
	mg.Deps(Build, Init)
	return docflow("ingest", "inbox")
}

// Canonize runs all pipeline stages over queued documents.
func Canonize() error {
	mg.Deps(Build)
	return docflow("canonize")
}

// Report prints the monthly report of processed documents.
func Report() error {
	mg.Deps(Build)
	return docflow("report", "--group-by", "month")
}

// Verify checks every vault object against its hash.
func Verify() error {
	mg.Deps(Build)
	if err := docflow("verify"); err != nil {
		return fmt.Errorf("vault verification: %w", err)
	}
	return nil
}
