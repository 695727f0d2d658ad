// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/pdiddy/docflow/pkg/types"
)

// NormalizeTag lowercases tag, trims it and joins words with hyphens.
// Composed and decomposed accents normalize to the same tag.
func NormalizeTag(tag string) string {
	tag = norm.NFC.String(strings.TrimSpace(tag))
	tag = cases.Lower(language.Und).String(tag)
	return strings.Join(strings.Fields(tag), "-")
}

// NormalizeTags normalizes, deduplicates and sorts tags. Empty tags are
// dropped.
func NormalizeTags(tags []string) []string {
	return normalizeTags(tags)
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// setTags replaces the tag set of a document.
func setTags(ctx context.Context, q querier, uuid string, tags []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM document_tags WHERE doc_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("clearing tags of %s: %w", uuid, err)
	}
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO document_tags (doc_uuid, tag) VALUES (?, ?)`, uuid, tag); err != nil {
			return fmt.Errorf("tagging %s: %w", uuid, err)
		}
	}
	return nil
}

// AddTags adds tags to a document and returns its resulting tag set.
func (s *Store) AddTags(ctx context.Context, uuid string, tags ...string) ([]string, error) {
	doc, err := s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		doc.Tags = append(doc.Tags, tags...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Tags, nil
}

// RemoveTags removes tags from a document and returns its resulting tag set.
func (s *Store) RemoveTags(ctx context.Context, uuid string, tags ...string) ([]string, error) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[NormalizeTag(t)] = true
	}
	doc, err := s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		kept := doc.Tags[:0]
		for _, t := range doc.Tags {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		doc.Tags = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Tags, nil
}

// SetTags replaces the tag set of a document.
func (s *Store) SetTags(ctx context.Context, uuid string, tags ...string) ([]string, error) {
	doc, err := s.mutate(ctx, uuid, func(doc *types.VirtualDocument) error {
		doc.Tags = tags
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Tags, nil
}

// TagCount is a tag with the number of live documents carrying it.
type TagCount struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// Tags lists every tag in use on live documents, by name.
func (s *Store) Tags(ctx context.Context) ([]TagCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.tag, count(*) FROM document_tags t
		 JOIN virtual_documents d ON d.uuid = t.doc_uuid
		 WHERE d.deleted = 0 AND d.status != 'SPLIT'
		 GROUP BY t.tag ORDER BY t.tag`)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// RenameTag renames a tag on every document. Documents that already carry
// the new name keep a single copy. It returns the number of documents
// touched.
func (s *Store) RenameTag(ctx context.Context, from, to string) (int, error) {
	from, to = NormalizeTag(from), NormalizeTag(to)
	if from == "" || to == "" {
		return 0, fmt.Errorf("tag names must not be empty")
	}
	if from == to {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO document_tags (doc_uuid, tag)
		 SELECT doc_uuid, ? FROM document_tags WHERE tag = ?`, to, from); err != nil {
		return 0, fmt.Errorf("renaming tag %s: %w", from, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE tag = ?`, from)
	if err != nil {
		return 0, fmt.Errorf("removing tag %s: %w", from, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rename: %w", err)
	}
	return int(n), nil
}
