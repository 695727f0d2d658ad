// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package report aggregates processed documents into totals grouped by
// month, type, sender or tag.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/pkg/types"
)

// GroupBy selects how documents are grouped.
type GroupBy string

const (
	ByMonth  GroupBy = "month"
	ByType   GroupBy = "type"
	BySender GroupBy = "sender"
	ByTag    GroupBy = "tag"
)

// DefaultCurrency is used when no reporting currency is configured.
const DefaultCurrency = "EUR"

const (
	undated       = "undated"
	unknownSender = "unknown"
	untagged      = "untagged"
)

// Options selects and groups the documents of a report.
type Options struct {
	GroupBy GroupBy

	// From and To bound the document date, inclusive, as YYYY-MM-DD.
	From string
	To   string

	Type types.DocumentType
	Tag  string

	// Currency is the reporting currency. Amounts in other currencies are
	// listed in Report.Other and left out of the totals.
	Currency string
}

// Row is one group of a report.
type Row struct {
	Key      string  `json:"key"`
	Count    int     `json:"count"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// Report holds grouped totals over PROCESSED documents.
type Report struct {
	GroupBy  GroupBy `json:"group_by"`
	Currency string  `json:"currency"`
	Rows     []Row   `json:"rows"`

	// Other holds per-group totals in currencies other than Currency.
	Other []Row `json:"other,omitempty"`

	Count int     `json:"count"`
	Total float64 `json:"total"`
}

// Build loads the PROCESSED documents matching opts and groups them.
func Build(ctx context.Context, s *store.Store, opts Options) (*Report, error) {
	if opts.GroupBy == "" {
		opts.GroupBy = ByMonth
	}
	switch opts.GroupBy {
	case ByMonth, ByType, BySender, ByTag:
	default:
		return nil, fmt.Errorf("invalid grouping %q: use month, type, sender or tag", opts.GroupBy)
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	q := store.QueryOptions{
		Status:     types.StatusProcessed,
		Type:       opts.Type,
		From:       opts.From,
		To:         opts.To,
		MaxResults: store.NoLimit,
	}
	if opts.Tag != "" {
		q.Tags = []string{opts.Tag}
	}
	results, err := s.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	docs := make([]*types.VirtualDocument, len(results))
	for i := range results {
		docs[i] = &results[i].VirtualDocument
	}
	return aggregate(docs, opts.GroupBy, currency), nil
}

func aggregate(docs []*types.VirtualDocument, by GroupBy, currency string) *Report {
	rows := make(map[string]*Row)
	other := make(map[[2]string]*Row)
	rep := &Report{GroupBy: by, Currency: currency}

	for _, doc := range docs {
		rep.Count++
		var amount *types.Money
		if doc.Semantic != nil {
			amount = doc.Semantic.Amount
		}
		inCurrency := amount != nil && strings.EqualFold(amount.Currency, currency)
		if inCurrency {
			rep.Total += amount.Value
		}

		for _, key := range groupKeys(doc, by) {
			row, ok := rows[key]
			if !ok {
				row = &Row{Key: key, Currency: currency}
				rows[key] = row
			}
			row.Count++
			switch {
			case inCurrency:
				row.Total += amount.Value
			case amount != nil && amount.Currency != "":
				k := [2]string{key, strings.ToUpper(amount.Currency)}
				o, ok := other[k]
				if !ok {
					o = &Row{Key: key, Currency: k[1]}
					other[k] = o
				}
				o.Count++
				o.Total += amount.Value
			}
		}
	}

	for _, row := range rows {
		rep.Rows = append(rep.Rows, *row)
	}
	for _, row := range other {
		rep.Other = append(rep.Other, *row)
	}
	sortRows(rep.Rows, by)
	sortRows(rep.Other, by)
	return rep
}

func groupKeys(doc *types.VirtualDocument, by GroupBy) []string {
	switch by {
	case ByType:
		if doc.DocType == "" {
			return []string{string(types.DocOther)}
		}
		return []string{string(doc.DocType)}
	case BySender:
		if doc.Semantic == nil || doc.Semantic.Sender == "" {
			return []string{unknownSender}
		}
		return []string{doc.Semantic.Sender}
	case ByTag:
		if len(doc.Tags) == 0 {
			return []string{untagged}
		}
		return doc.Tags
	}
	if doc.Semantic == nil || len(doc.Semantic.DocumentDate) < 7 {
		return []string{undated}
	}
	return []string{doc.Semantic.DocumentDate[:7]}
}

// sortRows orders months chronologically and other groups by total,
// largest first.
func sortRows(rows []Row, by GroupBy) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if by != ByMonth && a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Currency < b.Currency
	})
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	amountStyle = cellStyle.Align(lipgloss.Right)
)

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// RenderTable writes the report as a terminal table.
func (r *Report) RenderTable(w io.Writer) error {
	if len(r.Rows) == 0 {
		_, err := fmt.Fprintln(w, "No processed documents match.")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(strings.ToUpper(string(r.GroupBy)), "DOCS", "TOTAL "+r.Currency).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col > 0 {
				return amountStyle
			}
			return cellStyle
		})
	for _, row := range r.Rows {
		t.Row(row.Key, strconv.Itoa(row.Count), formatAmount(row.Total))
	}
	t.Row("total", strconv.Itoa(r.Count), formatAmount(r.Total))

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}
	for _, row := range r.Other {
		if _, err := fmt.Fprintf(w, "  also %s: %s %s (%d docs)\n", row.Key, formatAmount(row.Total), row.Currency, row.Count); err != nil {
			return err
		}
	}
	return nil
}

// RenderCSV writes one line per group, other currencies included.
func (r *Report) RenderCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{string(r.GroupBy), "count", "total", "currency"}); err != nil {
		return err
	}
	for _, rows := range [][]Row{r.Rows, r.Other} {
		for _, row := range rows {
			if err := cw.Write([]string{row.Key, strconv.Itoa(row.Count), formatAmount(row.Total), row.Currency}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderJSON writes the report as indented JSON.
func (r *Report) RenderJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
