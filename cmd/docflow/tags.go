// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/docflow/internal/store"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List and manage document tags",
	Long: `Tags are lower-case words joined by dashes ("Tax Return 2024" becomes
"tax-return-2024"). Stage 2 tags documents with their type and the tags the
AI service suggests; use these commands to correct them.`,
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags with document counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			tags, err := s.Tags(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(tags) == 0 {
				fmt.Fprintln(w, "No tags.")
				return nil
			}
			for _, t := range tags {
				fmt.Fprintf(w, "%5d  %s\n", t.Count, t.Name)
			}
			return nil
		})
	},
}

var tagsAddCmd = &cobra.Command{
	Use:   "add UUID TAG...",
	Short: "Add tags to a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			tags, err := s.AddTags(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], strings.Join(tags, ", "))
			return nil
		})
	},
}

var tagsRemoveCmd = &cobra.Command{
	Use:   "remove UUID TAG...",
	Short: "Remove tags from a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			tags, err := s.RemoveTags(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], strings.Join(tags, ", "))
			return nil
		})
	},
}

var tagsRenameCmd = &cobra.Command{
	Use:   "rename FROM TO",
	Short: "Rename a tag on every document, merging into TO if it exists",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			n, err := s.RenameTag(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s on %d document(s)\n",
				store.NormalizeTag(args[0]), store.NormalizeTag(args[1]), n)
			return nil
		})
	},
}

func init() {
	tagsCmd.AddCommand(tagsListCmd, tagsAddCmd, tagsRemoveCmd, tagsRenameCmd)
	rootCmd.AddCommand(tagsCmd)
}
