// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package canonizer drives virtual documents through the AI pipeline:
//
//	NEW -> Stage 1 (classify, maybe split) -> STAGE1_DONE
//	    -> Stage 1.5 (visual audit)        -> STAGE1_5_DONE
//	    -> Stage 2 (semantic extraction)   -> PROCESSED
//
// Every stage claims a document with a lease, calls the AI backend outside
// any database transaction and writes its result with a compare-and-swap
// transition. A failed or empty AI answer defers the document with
// exponential backoff; after too many attempts it moves to ERROR. A worker
// that dies mid-stage leaves a lease that expires and is claimed again.
package canonizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pdiddy/docflow/internal/ai"
	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/internal/vault"
	"github.com/pdiddy/docflow/pkg/types"
)

// TagNeedsReview marks documents whose classification confidence is low.
const TagNeedsReview = "needs-review"

// errEmptyAnswer is recorded when the backend answered without usable data.
var errEmptyAnswer = errors.New("AI service returned no usable answer")

// Outcome is the result of one stage attempt.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeSplit    Outcome = "split"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// StepResult describes one claimed document and what happened to it.
type StepResult struct {
	DocUUID string
	Stage   types.Stage
	Outcome Outcome

	// Status is the document status after the attempt.
	Status types.DocumentStatus

	// Children holds the UUIDs created by a split.
	Children []string

	// Err is the cause of a deferral or failure.
	Err error
}

// Canonizer runs the pipeline stages.
type Canonizer struct {
	store   *store.Store
	vault   *vault.Vault
	backend ai.Backend
	cfg     types.CanonizerConfig
	logger  *slog.Logger

	workerID string
	claims   atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

// New returns a Canonizer. Zero config values take their defaults and a
// nil logger discards log output.
func New(s *store.Store, v *vault.Vault, backend ai.Backend, cfg types.CanonizerConfig, logger *slog.Logger) (*Canonizer, error) {
	if s == nil || v == nil || backend == nil {
		return nil, fmt.Errorf("canonizer needs a store, a vault and an AI backend")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id, err := types.NewID()
	if err != nil {
		return nil, err
	}
	return &Canonizer{
		store:    s,
		vault:    v,
		backend:  backend,
		cfg:      cfg.WithDefaults(),
		logger:   logger,
		workerID: id,
		now:      time.Now,
	}, nil
}

// owner returns a lease owner unique to one claim.
func (c *Canonizer) owner() string {
	return fmt.Sprintf("%s/%d", c.workerID, c.claims.Add(1))
}

// Step claims one document ready for stage and runs the stage on it. The
// second return value is false when no document was ready. Errors are
// returned only when the store itself fails; AI failures defer the
// document and are reported in the result.
func (c *Canonizer) Step(ctx context.Context, stage types.Stage) (StepResult, bool, error) {
	doc, err := c.store.Claim(ctx, stage, c.owner(), c.cfg.LeaseDuration, c.now())
	if errors.Is(err, store.ErrNoWork) {
		return StepResult{}, false, nil
	}
	if err != nil {
		return StepResult{}, false, err
	}

	logCtx := c.logger.With("doc", doc.UUID, "stage", string(stage), "attempt", doc.Attempts+1)
	logCtx.Debug("claimed document", "pages", doc.PageCount(), "lease_owner", doc.LeaseOwner)

	started := c.now()
	res := StepResult{DocUUID: doc.UUID, Stage: stage}

	switch {
	case c.cfg.MaxAttempts > 0 && doc.Attempts >= c.cfg.MaxAttempts:
		// Earlier workers let the lease expire on every attempt.
		err = store.ErrLeaseExpired
	case stage == types.Stage1:
		res.Outcome, res.Children, err = c.RunStage1(ctx, doc)
	case stage == types.Stage15:
		res.Outcome, err = c.RunStage1_5(ctx, doc)
	case stage == types.Stage2:
		res.Outcome, err = c.RunStage2(ctx, doc)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}

	switch {
	case err == nil:
		res.Status = stage.Output()
		if res.Outcome == OutcomeSplit {
			res.Status = types.StatusSplit
		}
		logCtx.Info("stage finished", "outcome", string(res.Outcome), "children", len(res.Children))

	case errors.Is(err, store.ErrStaleTransition):
		// Another worker took over after our lease expired.
		res.Outcome = OutcomeSkipped
		res.Err = err
		logCtx.Warn("document changed while processing", "error", err)

	case ctx.Err() != nil:
		// Shutting down: hand the document back without counting an
		// attempt. If that fails the lease expires instead.
		if rerr := c.store.Release(context.WithoutCancel(ctx), doc.UUID, stage, doc.LeaseOwner); rerr != nil {
			logCtx.Warn("releasing document", "error", rerr)
		}
		return res, true, ctx.Err()

	default:
		res.Err = err
		status, derr := c.store.Defer(ctx, doc.UUID, stage, doc.LeaseOwner, err, c.cfg.MaxAttempts, c.cfg.RetryBase, c.now())
		switch {
		case errors.Is(derr, store.ErrStaleTransition):
			res.Outcome = OutcomeSkipped
			logCtx.Warn("document changed while processing", "error", derr)
		case derr != nil:
			return res, true, fmt.Errorf("deferring %s: %w", doc.UUID, derr)
		case status == types.StatusError:
			res.Outcome = OutcomeFailed
			res.Status = status
			logCtx.Error("giving up on document", "error", err, "attempts", doc.Attempts+1)
		default:
			res.Outcome = OutcomeDeferred
			res.Status = status
			logCtx.Warn("deferring document", "error", err,
				"retry_in", store.Backoff(c.cfg.RetryBase, doc.Attempts+1))
		}
	}

	run := types.StageRun{
		DocUUID:    doc.UUID,
		Stage:      stage,
		Outcome:    string(res.Outcome),
		StartedAt:  started,
		FinishedAt: c.now(),
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if _, err := c.store.RecordRun(ctx, run); err != nil {
		return res, true, err
	}
	return res, true, nil
}

// pageTexts loads the text layer of doc, numbered from 1 within the
// document.
func (c *Canonizer) pageTexts(ctx context.Context, doc *types.VirtualDocument) ([]ai.PageText, error) {
	texts, err := c.store.PageTexts(ctx, doc.Pages)
	if err != nil {
		return nil, err
	}
	out := make([]ai.PageText, len(texts))
	for i, t := range texts {
		out[i] = ai.PageText{Page: i + 1, Text: t.Text}
	}
	return out, nil
}
