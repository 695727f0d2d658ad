// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pdiddy/docflow/pkg/types"
)

// QueryOptions holds a full-text query and the structured filters that can
// accompany it.
type QueryOptions struct {
	// Query is an FTS5 match expression over title, text and summary.
	Query string

	Type   types.DocumentType
	Status types.DocumentStatus

	// Tags must all be present on a result.
	Tags []string

	// Sender matches as a case-insensitive substring.
	Sender string

	// From and To bound the document date, inclusive, as YYYY-MM-DD.
	From string
	To   string

	MinAmount *float64
	MaxAmount *float64

	IncludeDeleted bool

	// MaxResults limits result count. Zero uses the store default.
	MaxResults int
}

// IsEmpty reports whether the query has no search terms or filters.
func (q QueryOptions) IsEmpty() bool {
	return q.Query == "" && q.Type == "" && q.Status == "" && len(q.Tags) == 0 &&
		q.Sender == "" && q.From == "" && q.To == "" && q.MinAmount == nil && q.MaxAmount == nil
}

// Validate checks the date filters.
func (q QueryOptions) Validate() error {
	for _, d := range []string{q.From, q.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid date %q: use YYYY-MM-DD", d)
		}
	}
	if q.Type != "" && !types.ValidDocumentType(q.Type) {
		return fmt.Errorf("invalid document type %q", q.Type)
	}
	if q.Status != "" && !types.ValidStatus(q.Status) {
		return fmt.Errorf("invalid status %q", q.Status)
	}
	return nil
}

// SearchResult is a document with its relevance. Rank is the FTS5 rank
// (lower is better) and zero for filter-only searches.
type SearchResult struct {
	types.VirtualDocument
	Rank    float64 `json:"rank" yaml:"rank"`
	Snippet string  `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

// Search runs a full-text query with structured filters. Full-text results
// are ordered by relevance; filter-only results by document date, newest
// first. SPLIT documents only appear when asked for by status.
func (s *Store) Search(ctx context.Context, opts QueryOptions) ([]SearchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = s.maxResults
	}

	var (
		qb     strings.Builder
		args   []any
		useFTS = strings.TrimSpace(opts.Query) != ""
	)

	if useFTS {
		qb.WriteString(`SELECT ` + docColumns + `, documents_fts.rank,
				snippet(documents_fts, -1, '[', ']', '...', 12)
			FROM documents_fts
			JOIN virtual_documents d ON d.rowid = documents_fts.rowid
			WHERE documents_fts MATCH ?`)
		args = append(args, ftsQuery(opts.Query))
	} else {
		qb.WriteString(`SELECT ` + docColumns + `, 0 AS rank, '' AS snippet
			FROM virtual_documents d
			WHERE 1=1`)
	}

	if opts.Type != "" {
		qb.WriteString(` AND d.doc_type = ?`)
		args = append(args, string(opts.Type))
	}
	if opts.Status != "" {
		qb.WriteString(` AND d.status = ?`)
		args = append(args, string(opts.Status))
	} else {
		qb.WriteString(` AND d.status != ?`)
		args = append(args, string(types.StatusSplit))
	}
	for _, tag := range normalizeTags(opts.Tags) {
		qb.WriteString(` AND EXISTS (SELECT 1 FROM document_tags t WHERE t.doc_uuid = d.uuid AND t.tag = ?)`)
		args = append(args, tag)
	}
	if opts.Sender != "" {
		qb.WriteString(` AND lower(d.sender) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(opts.Sender))+"%")
	}
	if opts.From != "" {
		qb.WriteString(` AND d.doc_date != '' AND d.doc_date >= ?`)
		args = append(args, opts.From)
	}
	if opts.To != "" {
		qb.WriteString(` AND d.doc_date != '' AND d.doc_date <= ?`)
		args = append(args, opts.To)
	}
	if opts.MinAmount != nil {
		qb.WriteString(` AND d.amount >= ?`)
		args = append(args, *opts.MinAmount)
	}
	if opts.MaxAmount != nil {
		qb.WriteString(` AND d.amount <= ?`)
		args = append(args, *opts.MaxAmount)
	}
	if !opts.IncludeDeleted {
		qb.WriteString(` AND d.deleted = 0`)
	}

	if useFTS {
		qb.WriteString(` ORDER BY documents_fts.rank`)
	} else {
		qb.WriteString(` ORDER BY d.doc_date DESC, d.created_at DESC`)
	}
	qb.WriteString(` LIMIT ?`)
	args = append(args, maxResults)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			rank    float64
			snippet sql.NullString
		)
		doc, err := scanDocument(rowWithExtras{rows, []any{&rank, &snippet}})
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{VirtualDocument: *doc, Rank: rank, Snippet: snippet.String})
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 query that matches every term.
// Each whitespace-separated term is quoted, so punctuation such as the
// dashes in "INV-2024-001" is tokenized instead of parsed as syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// rowWithExtras appends destinations for columns selected after the
// document columns.
type rowWithExtras struct {
	row    scanner
	extras []any
}

func (r rowWithExtras) Scan(dest ...any) error {
	return r.row.Scan(append(dest, r.extras...)...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
