// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package canonizer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/docflow/pkg/types"
)

// RunOptions selects what Run processes.
type RunOptions struct {
	// Stages to run, in order. Empty means all stages.
	Stages []types.Stage

	// Once lets every worker take a single document per stage instead of
	// draining the stage.
	Once bool
}

// RunSummary counts stage attempts by outcome.
type RunSummary struct {
	Completed int
	Processed int
	Split     int
	Deferred  int
	Failed    int
	Skipped   int
}

// Total returns the number of stage attempts.
func (s RunSummary) Total() int {
	return s.Completed + s.Split + s.Deferred + s.Failed + s.Skipped
}

func (s *RunSummary) add(r StepResult) {
	switch r.Outcome {
	case OutcomeDone:
		s.Completed++
		if r.Status == types.StatusProcessed {
			s.Processed++
		}
	case OutcomeSplit:
		s.Split++
	case OutcomeDeferred:
		s.Deferred++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Run works through the selected stages in pipeline order. For every stage
// up to Workers documents are processed concurrently until no document is
// ready. Documents deferred with a backoff are left for a later run. One
// line per attempt is written to w.
func (c *Canonizer) Run(ctx context.Context, opts RunOptions, w io.Writer) (RunSummary, error) {
	stages := opts.Stages
	if len(stages) == 0 {
		stages = types.Stages
	}

	var (
		summary RunSummary
		mu      sync.Mutex
	)
	report := func(r StepResult) {
		mu.Lock()
		defer mu.Unlock()
		summary.add(r)
		line := fmt.Sprintf("%-8s %-9s %s -> %s", r.Stage, r.Outcome, r.DocUUID, r.Status)
		if len(r.Children) > 0 {
			line += fmt.Sprintf(" (%d documents)", len(r.Children))
		}
		if r.Err != nil && r.Outcome != OutcomeDone {
			line += ": " + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}

	for _, stage := range stages {
		if stage.Input() == "" {
			return summary, fmt.Errorf("unknown stage %q", stage)
		}
		n, err := c.pass(ctx, stage, opts.Once, report)
		if err != nil {
			return summary, err
		}
		c.logger.Debug("stage pass finished", "stage", string(stage), "documents", n)
	}

	fmt.Fprintf(w, "Canonize summary: %d completed (%d processed), %d split, %d deferred, %d failed, %d skipped\n",
		summary.Completed, summary.Processed, summary.Split, summary.Deferred, summary.Failed, summary.Skipped)
	return summary, nil
}

// pass starts Workers workers that claim documents for stage until none is
// ready, or once each when once is set. It returns the number of documents
// worked on.
func (c *Canonizer) pass(ctx context.Context, stage types.Stage, once bool, report func(StepResult)) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	var (
		mu     sync.Mutex
		worked int
	)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, ok, err := c.Step(gctx, stage)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				mu.Lock()
				worked++
				mu.Unlock()
				report(res)
				if once {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return worked, err
	}
	return worked, nil
}
