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

const physicalColumns = `uuid, sha256, original_filename, vault_path, page_count, size_bytes, created_at`

// UpsertPhysicalFile records pf unless a file with the same digest exists.
// It returns the stored record and whether it was already present.
func (s *Store) UpsertPhysicalFile(ctx context.Context, pf types.PhysicalFile) (types.PhysicalFile, bool, error) {
	if pf.UUID == "" {
		id, err := types.NewID()
		if err != nil {
			return types.PhysicalFile{}, false, err
		}
		pf.UUID = id
	}
	if pf.CreatedAt.IsZero() {
		pf.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO physical_files (`+physicalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sha256) DO NOTHING`,
		pf.UUID, pf.SHA256, pf.OriginalFilename, pf.VaultPath, pf.PageCount, pf.SizeBytes,
		pf.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return types.PhysicalFile{}, false, fmt.Errorf("inserting physical file: %w", err)
	}
	n, _ := res.RowsAffected()

	stored, err := s.PhysicalFileBySHA(ctx, pf.SHA256)
	if err != nil {
		return types.PhysicalFile{}, false, err
	}
	return *stored, n == 0, nil
}

// PhysicalFile returns the file with the given UUID.
func (s *Store) PhysicalFile(ctx context.Context, uuid string) (*types.PhysicalFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+physicalColumns+` FROM physical_files WHERE uuid = ?`, uuid)
	return scanPhysical(row)
}

// PhysicalFileBySHA returns the file with the given digest.
func (s *Store) PhysicalFileBySHA(ctx context.Context, sha string) (*types.PhysicalFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+physicalColumns+` FROM physical_files WHERE sha256 = ?`, sha)
	return scanPhysical(row)
}

// PhysicalFiles lists all stored files, oldest first.
func (s *Store) PhysicalFiles(ctx context.Context) ([]types.PhysicalFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+physicalColumns+` FROM physical_files ORDER BY created_at, uuid`)
	if err != nil {
		return nil, fmt.Errorf("listing physical files: %w", err)
	}
	defer rows.Close()

	var files []types.PhysicalFile
	for rows.Next() {
		pf, err := scanPhysical(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *pf)
	}
	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPhysical(row scanner) (*types.PhysicalFile, error) {
	var (
		pf        types.PhysicalFile
		filename  sql.NullString
		vaultPath sql.NullString
		size      sql.NullInt64
		created   sql.NullString
	)
	err := row.Scan(&pf.UUID, &pf.SHA256, &filename, &vaultPath, &pf.PageCount, &size, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("physical file: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning physical file: %w", err)
	}
	pf.OriginalFilename = filename.String
	pf.VaultPath = vaultPath.String
	pf.SizeBytes = size.Int64
	pf.CreatedAt = parseTime(created.String)
	return &pf, nil
}

// SavePageTexts stores the text layer of a file, one entry per page.
func (s *Store) SavePageTexts(ctx context.Context, fileUUID string, texts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO page_texts (file_uuid, page, text) VALUES (?, ?, ?)
		 ON CONFLICT(file_uuid, page) DO UPDATE SET text=excluded.text`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, text := range texts {
		if _, err := stmt.ExecContext(ctx, fileUUID, i+1, text); err != nil {
			return fmt.Errorf("inserting text of page %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// PageText is the text layer of one page.
type PageText struct {
	Ref  types.PageRef
	Text string
}

// PageTexts returns the text of every page in ranges, in range order. Pages
// without stored text yield an empty string.
func (s *Store) PageTexts(ctx context.Context, ranges []types.PageRange) ([]PageText, error) {
	return pageTexts(ctx, s.db, ranges)
}

func pageTexts(ctx context.Context, q querier, ranges []types.PageRange) ([]PageText, error) {
	var out []PageText
	for _, r := range ranges {
		rows, err := q.QueryContext(ctx,
			`SELECT page, text FROM page_texts WHERE file_uuid = ? AND page BETWEEN ? AND ?`,
			r.FileUUID, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("querying page texts: %w", err)
		}
		byPage := make(map[int]string, r.Len())
		for rows.Next() {
			var (
				page int
				text sql.NullString
			)
			if err := rows.Scan(&page, &text); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning page text: %w", err)
			}
			byPage[page] = text.String
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("reading page texts: %w", err)
		}
		for _, p := range r.Pages() {
			out = append(out, PageText{Ref: types.PageRef{FileUUID: r.FileUUID, Page: p}, Text: byPage[p]})
		}
	}
	return out, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
