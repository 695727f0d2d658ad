// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pdiddy/docflow/pkg/types"
)

const docColumns = `d.uuid, d.status, d.pages, d.doc_type, d.title, d.language, d.confidence,
	d.audit, d.semantic, d.body, d.parent_uuid, d.attempts, d.last_error,
	d.next_attempt_at, d.lease_owner, d.lease_until, d.deleted, d.created_at, d.updated_at,
	(SELECT group_concat(t.tag, char(31)) FROM document_tags t WHERE t.doc_uuid = d.uuid)`

const tagSeparator = "\x1f"

// CreateDocument inserts a new virtual document. Empty UUID and status
// default to a fresh ULID and NEW.
func (s *Store) CreateDocument(ctx context.Context, doc *types.VirtualDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocument(ctx, tx, doc); err != nil {
		return err
	}
	return tx.Commit()
}

func insertDocument(ctx context.Context, q querier, doc *types.VirtualDocument) error {
	if len(doc.Pages) == 0 {
		return fmt.Errorf("document has no pages")
	}
	if doc.UUID == "" {
		id, err := types.NewID()
		if err != nil {
			return err
		}
		doc.UUID = id
	}
	if doc.Status == "" {
		doc.Status = types.StatusNew
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Tags = normalizeTags(doc.Tags)

	args, err := docArgs(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO virtual_documents (
			status, pages, doc_type, title, language, confidence, audit, semantic,
			sender, doc_date, amount, currency, summary, body, parent_uuid,
			attempts, last_error, next_attempt_at, lease_owner, lease_until, deleted,
			updated_at, created_at, uuid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(args, doc.CreatedAt.Format(time.RFC3339Nano), doc.UUID)...,
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.UUID, err)
	}
	return setTags(ctx, q, doc.UUID, doc.Tags)
}

// updateDocument writes every mutable column of doc. When expectStatus is
// set the write only happens if the stored status still matches, and when
// expectOwner is set the stored lease owner must match too. A write that
// matches no row returns ErrStaleTransition.
func updateDocument(ctx context.Context, q querier, doc *types.VirtualDocument, expectStatus types.DocumentStatus, expectOwner string) error {
	doc.UpdatedAt = time.Now().UTC()
	doc.Tags = normalizeTags(doc.Tags)

	args, err := docArgs(doc)
	if err != nil {
		return err
	}

	query := `UPDATE virtual_documents SET
		status=?, pages=?, doc_type=?, title=?, language=?, confidence=?, audit=?, semantic=?,
		sender=?, doc_date=?, amount=?, currency=?, summary=?, body=?, parent_uuid=?,
		attempts=?, last_error=?, next_attempt_at=?, lease_owner=?, lease_until=?, deleted=?,
		updated_at=?
		WHERE uuid=?`
	args = append(args, doc.UUID)
	if expectStatus != "" {
		query += ` AND status=?`
		args = append(args, string(expectStatus))
	}
	if expectOwner != "" {
		query += ` AND lease_owner=?`
		args = append(args, expectOwner)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", doc.UUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", doc.UUID, ErrStaleTransition)
	}
	return setTags(ctx, q, doc.UUID, doc.Tags)
}

// docArgs returns the column values shared by insert and update, in the
// order status .. updated_at.
func docArgs(doc *types.VirtualDocument) ([]any, error) {
	pagesJSON, err := json.Marshal(doc.Pages)
	if err != nil {
		return nil, fmt.Errorf("marshaling pages: %w", err)
	}

	var auditJSON, semanticJSON sql.NullString
	if doc.Audit != nil {
		data, err := json.Marshal(doc.Audit)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit: %w", err)
		}
		auditJSON = sql.NullString{String: string(data), Valid: true}
	}

	var (
		sender, docDate, currency, summary string
		amount                             sql.NullFloat64
	)
	if sem := doc.Semantic; sem != nil {
		data, err := json.Marshal(sem)
		if err != nil {
			return nil, fmt.Errorf("marshaling semantic data: %w", err)
		}
		semanticJSON = sql.NullString{String: string(data), Valid: true}
		sender, docDate, summary = sem.Sender, sem.DocumentDate, sem.Summary
		if sem.Amount != nil {
			amount = sql.NullFloat64{Float64: sem.Amount.Value, Valid: true}
			currency = sem.Amount.Currency
		}
	}

	return []any{
		string(doc.Status), string(pagesJSON), string(doc.DocType), doc.Title, doc.Language,
		doc.Confidence, auditJSON, semanticJSON,
		sender, docDate, amount, currency, summary, doc.Text, doc.ParentUUID,
		doc.Attempts, doc.LastError, unixMilli(doc.NextAttemptAt), doc.LeaseOwner,
		unixMilli(doc.LeaseUntil), boolInt(doc.Deleted),
		doc.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func getDocument(ctx context.Context, q querier, uuid string) (*types.VirtualDocument, error) {
	row := q.QueryRowContext(ctx, `SELECT `+docColumns+` FROM virtual_documents d WHERE d.uuid = ?`, uuid)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", uuid, ErrNotFound)
		}
		return nil, err
	}
	return doc, nil
}

func scanDocument(row scanner) (*types.VirtualDocument, error) {
	var (
		doc                                    types.VirtualDocument
		status, pagesJSON                      string
		docType, title, language, body, parent sql.NullString
		auditJSON, semanticJSON, lastErr       sql.NullString
		leaseOwner, created, updated, tags     sql.NullString
		confidence                             sql.NullFloat64
		nextAttempt, leaseUntil, deleted       int64
	)
	err := row.Scan(
		&doc.UUID, &status, &pagesJSON, &docType, &title, &language, &confidence,
		&auditJSON, &semanticJSON, &body, &parent, &doc.Attempts, &lastErr,
		&nextAttempt, &leaseOwner, &leaseUntil, &deleted, &created, &updated,
		&tags,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	doc.Status = types.DocumentStatus(status)
	if err := json.Unmarshal([]byte(pagesJSON), &doc.Pages); err != nil {
		return nil, fmt.Errorf("decoding pages of %s: %w", doc.UUID, err)
	}
	doc.DocType = types.DocumentType(docType.String)
	doc.Title = title.String
	doc.Language = language.String
	doc.Confidence = confidence.Float64
	doc.Text = body.String
	doc.ParentUUID = parent.String
	doc.LastError = lastErr.String
	doc.NextAttemptAt = fromMilli(nextAttempt)
	doc.LeaseOwner = leaseOwner.String
	doc.LeaseUntil = fromMilli(leaseUntil)
	doc.Deleted = deleted != 0
	doc.CreatedAt = parseTime(created.String)
	doc.UpdatedAt = parseTime(updated.String)

	if auditJSON.Valid {
		doc.Audit = &types.AuditResult{}
		if err := json.Unmarshal([]byte(auditJSON.String), doc.Audit); err != nil {
			return nil, fmt.Errorf("decoding audit of %s: %w", doc.UUID, err)
		}
	}
	if semanticJSON.Valid {
		doc.Semantic = &types.SemanticData{}
		if err := json.Unmarshal([]byte(semanticJSON.String), doc.Semantic); err != nil {
			return nil, fmt.Errorf("decoding semantic data of %s: %w", doc.UUID, err)
		}
	}
	if tags.String != "" {
		doc.Tags = strings.Split(tags.String, tagSeparator)
		sort.Strings(doc.Tags)
	}
	return &doc, nil
}

// Document returns the virtual document with the given UUID.
func (s *Store) Document(ctx context.Context, uuid string) (*types.VirtualDocument, error) {
	return getDocument(ctx, s.db, uuid)
}

// ListOptions filters ListDocuments.
type ListOptions struct {
	Status         types.DocumentStatus
	ParentUUID     string
	IncludeDeleted bool
	OnlyDeleted    bool
	Limit          int
}

// ListDocuments returns documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, opts ListOptions) ([]*types.VirtualDocument, error) {
	var (
		qb   strings.Builder
		args []any
	)
	qb.WriteString(`SELECT ` + docColumns + ` FROM virtual_documents d WHERE 1=1`)
	if opts.Status != "" {
		qb.WriteString(` AND d.status = ?`)
		args = append(args, string(opts.Status))
	}
	if opts.ParentUUID != "" {
		qb.WriteString(` AND d.parent_uuid = ?`)
		args = append(args, opts.ParentUUID)
	}
	switch {
	case opts.OnlyDeleted:
		qb.WriteString(` AND d.deleted = 1`)
	case !opts.IncludeDeleted:
		qb.WriteString(` AND d.deleted = 0`)
	}
	qb.WriteString(` ORDER BY d.created_at, d.rowid`)
	if opts.Limit > 0 {
		qb.WriteString(` LIMIT ?`)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.VirtualDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// HasDocumentsForFile reports whether any document draws pages from the
// physical file, including deleted and split ones.
func (s *Store) HasDocumentsForFile(ctx context.Context, fileUUID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM virtual_documents d
		 WHERE EXISTS (SELECT 1 FROM json_each(d.pages) WHERE json_extract(value, '$.file_uuid') = ?)`,
		fileUUID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking documents of file %s: %w", fileUUID, err)
	}
	return n > 0, nil
}

// MetadataUpdate carries manual corrections. Nil fields are left unchanged.
type MetadataUpdate struct {
	Title    *string
	DocType  *types.DocumentType
	Semantic *types.SemanticData
}

// UpdateMetadata applies manual corrections to a document.
func (s *Store) UpdateMetadata(ctx context.Context, uuid string, upd MetadataUpdate) (*types.VirtualDocument, error) {
	if upd.DocType != nil && !types.ValidDocumentType(*upd.DocType) {
		return nil, fmt.Errorf("invalid document type %q", *upd.DocType)
	}
	return s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		if upd.Title != nil {
			doc.Title = *upd.Title
		}
		if upd.DocType != nil {
			doc.DocType = *upd.DocType
		}
		if upd.Semantic != nil {
			doc.Semantic = upd.Semantic
		}
		return nil
	})
}

// SoftDelete hides a document from listings and search.
func (s *Store) SoftDelete(ctx context.Context, uuid string) error {
	_, err := s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		doc.Deleted = true
		return nil
	})
	return err
}

// Restore undoes SoftDelete.
func (s *Store) Restore(ctx context.Context, uuid string) error {
	_, err := s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		doc.Deleted = false
		return nil
	})
	return err
}

// Purge permanently removes soft-deleted documents and their history. It
// returns the number of documents removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stage_runs WHERE doc_uuid IN (SELECT uuid FROM virtual_documents WHERE deleted = 1)`); err != nil {
		return 0, fmt.Errorf("purging stage runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM virtual_documents WHERE deleted = 1`)
	if err != nil {
		return 0, fmt.Errorf("purging documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// mutate loads, modifies and writes back a document in one transaction.
func (s *Store) mutate(ctx context.Context, uuid string, fn func(*types.VirtualDocument) error) (*types.VirtualDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, uuid)
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := updateDocument(ctx, tx, doc, "", ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return doc, nil
}

// StatusCounts returns the number of live documents per status.
func (s *Store) StatusCounts(ctx context.Context) (map[types.DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM virtual_documents WHERE deleted = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.DocumentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[types.DocumentStatus(status)] = n
	}
	return counts, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
