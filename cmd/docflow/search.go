// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search documents by full text and structured filters",
	Long: `Search matches the query against titles, page text and summaries with
SQLite FTS5 (phrases in quotes, prefix*, AND/OR/NOT) and narrows the results
with filters on type, status, tags, sender, document date and amount.
Without a query, matching documents are listed newest first.`,
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	opts, err := queryOptsFromFlags(cmd.Flags(), args)
	if err != nil {
		return err
	}
	if opts.IsEmpty() {
		return fmt.Errorf("query or filter required: provide a search query, --type, --tag, --sender, --from, --to or an amount bound")
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(func(s *store.Store) error {
		results, err := s.Search(cmd.Context(), opts)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(w, results)
		}
		return printSearchResults(w, results)
	})
}

func printSearchResults(w io.Writer, results []store.SearchResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results found.")
		return err
	}

	fmt.Fprintf(w, "%-4s  %-26s  %-14s  %-10s  %-20s  %12s  %s\n",
		"Rank", "UUID", "Type", "Date", "Sender", "Amount", "Title")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for i, r := range results {
		var sender, date, amount string
		if sem := r.Semantic; sem != nil {
			sender, date = sem.Sender, sem.DocumentDate
			if sem.Amount != nil {
				amount = sem.Amount.String()
			}
		}
		fmt.Fprintf(w, "%-4d  %-26s  %-14s  %-10s  %-20s  %12s  %s\n",
			i+1, r.UUID, r.DocType, date, truncate(sender, 20), amount, truncate(r.Title, 40))
		if r.Snippet != "" {
			fmt.Fprintf(w, "      %s\n", strings.Join(strings.Fields(r.Snippet), " "))
		}
	}
	_, err := fmt.Fprintf(w, "\n%d results\n", len(results))
	return err
}

// addFilterFlags registers the structured filters shared by search, report
// and export.
func addFilterFlags(fs *pflag.FlagSet) {
	fs.String("type", "", "filter by document type: "+documentTypeList())
	fs.StringSlice("tag", nil, "filter by tag (repeatable, all must match)")
	fs.String("sender", "", "filter by sender (substring)")
	fs.String("from", "", "earliest document date (YYYY-MM-DD)")
	fs.String("to", "", "latest document date (YYYY-MM-DD)")
}

func documentTypeList() string {
	names := make([]string, 0, len(types.DocumentTypes()))
	for _, t := range types.DocumentTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func queryOptsFromFlags(fs *pflag.FlagSet, args []string) (store.QueryOptions, error) {
	docType, _ := fs.GetString("type")
	tags, _ := fs.GetStringSlice("tag")
	sender, _ := fs.GetString("sender")
	from, _ := fs.GetString("from")
	to, _ := fs.GetString("to")

	opts := store.QueryOptions{
		Query:  strings.Join(args, " "),
		Type:   types.DocumentType(docType),
		Tags:   tags,
		Sender: sender,
		From:   from,
		To:     to,
	}
	if f := fs.Lookup("status"); f != nil {
		opts.Status = types.DocumentStatus(strings.ToUpper(f.Value.String()))
	}
	if f := fs.Lookup("min-amount"); f != nil && f.Changed {
		v, _ := fs.GetFloat64("min-amount")
		opts.MinAmount = &v
	}
	if f := fs.Lookup("max-amount"); f != nil && f.Changed {
		v, _ := fs.GetFloat64("max-amount")
		opts.MaxAmount = &v
	}
	if f := fs.Lookup("deleted"); f != nil {
		opts.IncludeDeleted, _ = fs.GetBool("deleted")
	}
	if f := fs.Lookup("limit"); f != nil {
		opts.MaxResults, _ = fs.GetInt("limit")
	}
	return opts, opts.Validate()
}

func init() {
	addFilterFlags(searchCmd.Flags())
	searchCmd.Flags().String("status", "", "filter by status")
	searchCmd.Flags().Float64("min-amount", 0, "minimum amount")
	searchCmd.Flags().Float64("max-amount", 0, "maximum amount")
	searchCmd.Flags().Bool("deleted", false, "include documents in the trash")
	searchCmd.Flags().Int("limit", 0, "maximum results (0 = use default)")
	searchCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(searchCmd)
}
