// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/docflow/internal/canonizer"
	"github.com/pdiddy/docflow/pkg/types"
)

var canonizeCmd = &cobra.Command{
	Use:   "canonize",
	Short: "Classify, split, audit and extract queued documents",
	Long: `Canonize runs the AI pipeline over documents that are ready:

  stage 1    classify the pages and split bundles into separate documents
  stage 1.5  audit the rendered pages (signatures, stamps, blank pages)
  stage 2    extract sender, dates, amounts and other fields

Failed AI calls are retried later with exponential backoff; documents that
keep failing end in ERROR and can be requeued with "docs reset".
Interrupting the run is safe: unfinished documents are picked up again once
their lease expires.`,
	RunE: runCanonize,
}

func runCanonize(cmd *cobra.Command, args []string) error {
	stageFlags, _ := cmd.Flags().GetStringSlice("stage")
	once, _ := cmd.Flags().GetBool("once")

	stages, err := parseStages(stageFlags)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := canonizer.New(s, v, backend, cfg.Canonizer, logger)
	if err != nil {
		return err
	}
	logger.Info("canonizing", "backend", backend.Name(), "workers", cfg.Canonizer.WithDefaults().Workers)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := c.Run(ctx, canonizer.RunOptions{Stages: stages, Once: once}, cmd.OutOrStdout())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted: %w", context.Cause(ctx))
		}
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d document(s) moved to ERROR", summary.Failed)
	}
	return nil
}

// parseStages converts --stage values and returns them in pipeline order.
func parseStages(values []string) ([]types.Stage, error) {
	if len(values) == 0 {
		return nil, nil
	}
	selected := make(map[types.Stage]bool)
	for _, v := range values {
		st, err := types.ParseStage(v)
		if err != nil {
			return nil, err
		}
		selected[st] = true
	}
	var stages []types.Stage
	for _, st := range types.Stages {
		if selected[st] {
			stages = append(stages, st)
		}
	}
	return stages, nil
}

func init() {
	canonizeCmd.Flags().StringSlice("stage", nil, "stages to run: 1, 1.5, 2 (default: all)")
	canonizeCmd.Flags().Bool("once", false, "let each worker take a single document per stage")
	canonizeCmd.Flags().Int("workers", 0, "documents processed concurrently")
	canonizeCmd.Flags().String("language", "", "preferred language for titles and summaries")

	_ = viper.BindPFlag("canonizer.workers", canonizeCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("canonizer.language", canonizeCmd.Flags().Lookup("language"))

	rootCmd.AddCommand(canonizeCmd)
}
