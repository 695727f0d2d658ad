// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/docflow/internal/report"
	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/pkg/types"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize processed documents and their amounts",
	Long: `Report groups processed documents by month, type, sender or tag and sums
their amounts in the reporting currency. Amounts in other currencies are
listed separately.`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	groupBy, _ := cmd.Flags().GetString("group-by")
	format, _ := cmd.Flags().GetString("format")
	docType, _ := cmd.Flags().GetString("type")
	tag, _ := cmd.Flags().GetString("tag")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	currency, _ := cmd.Flags().GetString("currency")
	if currency == "" {
		currency = loadConfig().Report.Currency
	}

	return withStore(func(s *store.Store) error {
		rep, err := report.Build(cmd.Context(), s, report.Options{
			GroupBy:  report.GroupBy(groupBy),
			From:     from,
			To:       to,
			Type:     types.DocumentType(docType),
			Tag:      tag,
			Currency: currency,
		})
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		switch format {
		case "table", "":
			return rep.RenderTable(w)
		case "csv":
			return rep.RenderCSV(w)
		case "json":
			return rep.RenderJSON(w)
		}
		return fmt.Errorf("unsupported format %q: use table, csv or json", format)
	})
}

func init() {
	reportCmd.Flags().String("group-by", string(report.ByMonth), "grouping: month, type, sender, tag")
	reportCmd.Flags().String("format", "table", "output format: table, csv, json")
	reportCmd.Flags().String("type", "", "only documents of this type")
	reportCmd.Flags().String("tag", "", "only documents with this tag")
	reportCmd.Flags().String("from", "", "earliest document date (YYYY-MM-DD)")
	reportCmd.Flags().String("to", "", "latest document date (YYYY-MM-DD)")
	reportCmd.Flags().String("currency", "", "reporting currency (default from config)")

	rootCmd.AddCommand(reportCmd)
}
