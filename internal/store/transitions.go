// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/docflow/pkg/types"
)

// Claim moves one document that is ready for stage into the stage's
// processing status and records owner as the lease holder until now+lease.
// A document is ready when it has the stage's input status, is not deleted
// and its retry time has passed, or when it is stuck in the processing
// status with an expired lease. Claim returns ErrNoWork when nothing is
// ready.
func (s *Store) Claim(ctx context.Context, stage types.Stage, owner string, lease time.Duration, now time.Time) (*types.VirtualDocument, error) {
	if stage.Input() == "" {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if owner == "" {
		return nil, fmt.Errorf("claim requires an owner")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	var uuid string
	err = tx.QueryRowContext(ctx,
		`SELECT uuid FROM virtual_documents
		 WHERE deleted = 0 AND (
			(status = ? AND next_attempt_at <= ?) OR
			(status = ? AND lease_until < ?))
		 ORDER BY next_attempt_at, rowid
		 LIMIT 1`,
		string(stage.Input()), nowMs, string(stage.Processing()), nowMs,
	).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("selecting document for %s: %w", stage, err)
	}

	// Reclaiming an expired lease costs an attempt.
	processing := string(stage.Processing())
	res, err := tx.ExecContext(ctx,
		`UPDATE virtual_documents
		 SET attempts = attempts + (CASE WHEN status = ? THEN 1 ELSE 0 END),
			last_error = (CASE WHEN status = ? THEN ? ELSE last_error END),
			status = ?, lease_owner = ?, lease_until = ?, updated_at = ?
		 WHERE uuid = ? AND (
			(status = ? AND next_attempt_at <= ?) OR
			(status = ? AND lease_until < ?))`,
		processing, processing, ErrLeaseExpired.Error(),
		processing, owner, now.Add(lease).UnixMilli(), now.UTC().Format(time.RFC3339Nano),
		uuid, string(stage.Input()), nowMs, processing, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoWork
	}

	doc, err := getDocument(ctx, tx, uuid)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return doc, nil
}

// Release hands a claimed document back to the stage's input status
// without counting an attempt. Workers call it when they are interrupted.
func (s *Store) Release(ctx context.Context, uuid string, stage types.Stage, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE virtual_documents
		 SET status = ?, lease_owner = '', lease_until = 0, updated_at = ?
		 WHERE uuid = ? AND status = ? AND lease_owner = ?`,
		string(stage.Input()), time.Now().UTC().Format(time.RFC3339Nano),
		uuid, string(stage.Processing()), owner,
	)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("releasing %s: %w", uuid, ErrStaleTransition)
	}
	return nil
}

// Complete moves a claimed document from the stage's processing status to
// its output status. apply receives the stored document and sets the
// stage's results on it. The write only happens while owner still holds
// the lease; otherwise Complete returns ErrStaleTransition and nothing is
// written.
func (s *Store) Complete(ctx context.Context, uuid string, stage types.Stage, owner string, apply func(*types.VirtualDocument)) (*types.VirtualDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, uuid)
	if err != nil {
		return nil, err
	}
	if !doc.Status.ProcessingOf(stage) || doc.LeaseOwner != owner {
		return nil, fmt.Errorf("completing %s in %s: %w", uuid, doc.Status, ErrStaleTransition)
	}

	if apply != nil {
		apply(doc)
	}
	doc.UUID = uuid
	doc.Status = stage.Output()
	doc.Attempts = 0
	doc.LastError = ""
	doc.NextAttemptAt = time.Time{}
	doc.LeaseOwner = ""
	doc.LeaseUntil = time.Time{}

	if err := updateDocument(ctx, tx, doc, stage.Processing(), owner); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing completion: %w", err)
	}
	return doc, nil
}

// Backoff returns the delay before attempt number attempts (1-based) is
// retried: base doubled for every earlier attempt.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	return base * time.Duration(1<<(attempts-1))
}

// Defer returns a claimed document to the stage's input status so it is
// retried after an exponential backoff. Once attempts reach maxAttempts the
// document moves to ERROR instead. It returns the status written.
func (s *Store) Defer(ctx context.Context, uuid string, stage types.Stage, owner string, cause error, maxAttempts int, base time.Duration, now time.Time) (types.DocumentStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, uuid)
	if err != nil {
		return "", err
	}
	if !doc.Status.ProcessingOf(stage) || doc.LeaseOwner != owner {
		return "", fmt.Errorf("deferring %s in %s: %w", uuid, doc.Status, ErrStaleTransition)
	}

	doc.Attempts++
	doc.LastError = ""
	if cause != nil {
		doc.LastError = cause.Error()
	}
	doc.LeaseOwner = ""
	doc.LeaseUntil = time.Time{}
	if maxAttempts > 0 && doc.Attempts >= maxAttempts {
		doc.Status = types.StatusError
		doc.NextAttemptAt = time.Time{}
	} else {
		doc.Status = stage.Input()
		doc.NextAttemptAt = now.Add(Backoff(base, doc.Attempts))
	}

	if err := updateDocument(ctx, tx, doc, stage.Processing(), owner); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing deferral: %w", err)
	}
	return doc.Status, nil
}

// ReplaceWithSplit marks a claimed parent SPLIT and inserts children in one
// transaction. Children start at STAGE1_DONE and point back at the parent.
func (s *Store) ReplaceWithSplit(ctx context.Context, parentUUID string, stage types.Stage, owner string, children []*types.VirtualDocument) error {
	if len(children) < 2 {
		return fmt.Errorf("split of %s needs at least two children, got %d", parentUUID, len(children))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	parent, err := getDocument(ctx, tx, parentUUID)
	if err != nil {
		return err
	}
	if !parent.Status.ProcessingOf(stage) || parent.LeaseOwner != owner {
		return fmt.Errorf("splitting %s in %s: %w", parentUUID, parent.Status, ErrStaleTransition)
	}

	parent.Status = types.StatusSplit
	parent.LeaseOwner = ""
	parent.LeaseUntil = time.Time{}
	parent.LastError = ""
	if err := updateDocument(ctx, tx, parent, stage.Processing(), owner); err != nil {
		return err
	}

	for _, child := range children {
		child.UUID = ""
		child.Status = types.StatusStage1Done
		child.ParentUUID = parentUUID
		child.Attempts = 0
		child.CreatedAt = time.Time{}
		if err := insertDocument(ctx, tx, child); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing split: %w", err)
	}
	return nil
}

// Reset returns a document to NEW so the whole pipeline reruns. SPLIT
// documents cannot be reset because their children replaced them.
func (s *Store) Reset(ctx context.Context, uuid string) (*types.VirtualDocument, error) {
	return s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		if doc.Status == types.StatusSplit {
			return fmt.Errorf("%s was split: %w", uuid, ErrNotResettable)
		}
		doc.Status = types.StatusNew
		doc.Attempts = 0
		doc.LastError = ""
		doc.NextAttemptAt = time.Time{}
		doc.LeaseOwner = ""
		doc.LeaseUntil = time.Time{}
		return nil
	})
}

// RecordRun appends a stage attempt to the history.
func (s *Store) RecordRun(ctx context.Context, run types.StageRun) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (doc_uuid, stage, outcome, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.DocUUID, string(run.Stage), run.Outcome, run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return res.LastInsertId()
}

// Runs returns the stage history of a document, oldest first.
func (s *Store) Runs(ctx context.Context, uuid string) ([]types.StageRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_uuid, stage, outcome, error, started_at, finished_at
		 FROM stage_runs WHERE doc_uuid = ? ORDER BY id`, uuid)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []types.StageRun
	for rows.Next() {
		var (
			run                      types.StageRun
			stage                    string
			errText, started, finish sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.DocUUID, &stage, &run.Outcome, &errText, &started, &finish); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.Stage = types.Stage(stage)
		run.Error = errText.String
		run.StartedAt = parseTime(started.String)
		run.FinishedAt = parseTime(finish.String)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
