// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/pkg/types"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List, inspect and correct virtual documents",
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(*store.Store) error) error {
	s, err := openStore(loadConfig())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- list ---

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE:  runDocsList,
}

func runDocsList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	deleted, _ := cmd.Flags().GetBool("deleted")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	status = strings.ToUpper(status)
	if status != "" && !types.ValidStatus(types.DocumentStatus(status)) {
		return fmt.Errorf("invalid status %q", status)
	}

	return withStore(func(s *store.Store) error {
		docs, err := s.ListDocuments(cmd.Context(), store.ListOptions{
			Status:      types.DocumentStatus(status),
			OnlyDeleted: deleted,
			Limit:       limit,
		})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(w, docs)
		}
		return printDocuments(w, docs)
	})
}

func printDocuments(w io.Writer, docs []*types.VirtualDocument) error {
	if len(docs) == 0 {
		_, err := fmt.Fprintln(w, "No documents found.")
		return err
	}
	fmt.Fprintf(w, "%-26s  %-16s  %-14s  %-5s  %s\n", "UUID", "Status", "Type", "Pages", "Title")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, d := range docs {
		fmt.Fprintf(w, "%-26s  %-16s  %-14s  %-5d  %s\n",
			d.UUID, d.Status, d.DocType, d.PageCount(), truncate(d.Title, 40))
	}
	_, err := fmt.Fprintf(w, "\n%d documents\n", len(docs))
	return err
}

// --- show ---

var docsShowCmd = &cobra.Command{
	Use:   "show UUID",
	Short: "Show a document with its extracted data and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsShow,
}

func runDocsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(func(s *store.Store) error {
		doc, err := s.Document(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		runs, err := s.Runs(cmd.Context(), doc.UUID)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(w, struct {
				*types.VirtualDocument
				Runs []types.StageRun `json:"runs"`
			}{doc, runs})
		}
		printDocument(w, doc, runs)
		return nil
	})
}

func printDocument(w io.Writer, d *types.VirtualDocument, runs []types.StageRun) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-12s %s\n", name+":", value)
		}
	}
	field("UUID", d.UUID)
	field("Status", string(d.Status))
	field("Title", d.Title)
	field("Type", string(d.DocType))
	field("Language", d.Language)
	if d.Confidence > 0 {
		field("Confidence", strconv.FormatFloat(d.Confidence, 'f', 2, 64))
	}
	ranges := make([]string, len(d.Pages))
	for i, r := range d.Pages {
		ranges[i] = r.String()
	}
	field("Pages", strings.Join(ranges, ", "))
	field("Tags", strings.Join(d.Tags, ", "))
	field("Parent", d.ParentUUID)
	field("Flags", strings.Join(d.Audit.Flags(), ", "))
	if d.Deleted {
		field("Deleted", "yes")
	}
	if d.Attempts > 0 {
		field("Attempts", strconv.Itoa(d.Attempts))
		field("Last error", d.LastError)
	}

	if sem := d.Semantic; sem != nil {
		fmt.Fprintln(w)
		field("Sender", sem.Sender)
		field("Recipient", sem.Recipient)
		field("Date", sem.DocumentDate)
		field("Due", sem.DueDate)
		field("Reference", sem.Reference)
		if sem.Amount != nil {
			field("Amount", sem.Amount.String())
		}
		if sem.Tax != nil {
			field("Tax", sem.Tax.String())
		}
		field("IBAN", sem.IBAN)
		field("Summary", sem.Summary)
		for k, v := range sem.Fields {
			field(k, v)
		}
	}

	if len(runs) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for _, r := range runs {
			line := fmt.Sprintf("  %s  %-8s  %s", r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Stage, r.Outcome)
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}

// --- reset, delete, restore, purge ---

var docsResetCmd = &cobra.Command{
	Use:   "reset UUID...",
	Short: "Send documents back through the whole pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			for _, id := range args {
				if _, err := s.Reset(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset: %s\n", id)
			}
			return nil
		})
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete UUID...",
	Short: "Move documents to the trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			for _, id := range args {
				if err := s.SoftDelete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", id)
			}
			return nil
		})
	},
}

var docsRestoreCmd = &cobra.Command{
	Use:   "restore UUID...",
	Short: "Restore documents from the trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			for _, id := range args {
				if err := s.Restore(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored: %s\n", id)
			}
			return nil
		})
	},
}

var docsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Permanently remove documents in the trash",
	Long: `Purge removes trashed documents and their history from the database.
The PDF files stay in the vault.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			n, err := s.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d document(s)\n", n)
			return nil
		})
	},
}

// --- edit ---

var docsEditCmd = &cobra.Command{
	Use:   "edit UUID",
	Short: "Correct the title, type or extracted fields of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsEdit,
}

func runDocsEdit(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		doc, err := s.Document(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		upd, err := metadataUpdate(cmd, doc)
		if err != nil {
			return err
		}
		if upd.Title == nil && upd.DocType == nil && upd.Semantic == nil {
			return fmt.Errorf("nothing to change: use --title, --type, --sender, --date, --amount or --currency")
		}
		doc, err = s.UpdateMetadata(cmd.Context(), doc.UUID, upd)
		if err != nil {
			return err
		}
		printDocument(cmd.OutOrStdout(), doc, nil)
		return nil
	})
}

// metadataUpdate collects the edit flags that were set.
func metadataUpdate(cmd *cobra.Command, doc *types.VirtualDocument) (store.MetadataUpdate, error) {
	var upd store.MetadataUpdate
	flags := cmd.Flags()

	if flags.Changed("title") {
		title, _ := flags.GetString("title")
		upd.Title = &title
	}
	if flags.Changed("type") {
		v, _ := flags.GetString("type")
		t := types.DocumentType(v)
		if !types.ValidDocumentType(t) {
			return upd, fmt.Errorf("invalid document type %q", v)
		}
		upd.DocType = &t
	}

	var sem types.SemanticData
	if doc.Semantic != nil {
		sem = *doc.Semantic
	}
	changed := false
	if flags.Changed("sender") {
		sem.Sender, _ = flags.GetString("sender")
		changed = true
	}
	if flags.Changed("date") {
		date, _ := flags.GetString("date")
		if date != "" {
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return upd, fmt.Errorf("invalid date %q: use YYYY-MM-DD", date)
			}
		}
		sem.DocumentDate = date
		changed = true
	}
	if flags.Changed("amount") || flags.Changed("currency") {
		m := types.Money{}
		if sem.Amount != nil {
			m = *sem.Amount
		}
		if flags.Changed("amount") {
			m.Value, _ = flags.GetFloat64("amount")
		}
		if flags.Changed("currency") {
			c, _ := flags.GetString("currency")
			m.Currency = strings.ToUpper(c)
		}
		sem.Amount = &m
		changed = true
	}
	if changed {
		upd.Semantic = &sem
	}
	return upd, nil
}

func init() {
	docsListCmd.Flags().String("status", "", "filter by status (e.g. NEW, PROCESSED, ERROR)")
	docsListCmd.Flags().Bool("deleted", false, "list documents in the trash")
	docsListCmd.Flags().Int("limit", 0, "maximum documents (0 = all)")
	docsListCmd.Flags().Bool("json", false, "output as JSON")

	docsShowCmd.Flags().Bool("json", false, "output as JSON")

	docsEditCmd.Flags().String("title", "", "new title")
	docsEditCmd.Flags().String("type", "", "new document type")
	docsEditCmd.Flags().String("sender", "", "new sender")
	docsEditCmd.Flags().String("date", "", "new document date (YYYY-MM-DD)")
	docsEditCmd.Flags().Float64("amount", 0, "new amount")
	docsEditCmd.Flags().String("currency", "", "currency of the amount (ISO 4217)")

	docsCmd.AddCommand(docsListCmd, docsShowCmd, docsResetCmd, docsDeleteCmd, docsRestoreCmd, docsPurgeCmd, docsEditCmd)
	rootCmd.AddCommand(docsCmd)
}
