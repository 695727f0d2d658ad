// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docflow/pkg/types"
)

// ExportEntry is a document as written by Export.
type ExportEntry struct {
	UUID       string              `json:"uuid" yaml:"uuid"`
	Status     string              `json:"status" yaml:"status"`
	Type       string              `json:"type,omitempty" yaml:"type,omitempty"`
	Title      string              `json:"title" yaml:"title"`
	Language   string              `json:"language,omitempty" yaml:"language,omitempty"`
	Confidence float64             `json:"confidence" yaml:"confidence"`
	Pages      []string            `json:"pages" yaml:"pages"`
	Tags       []string            `json:"tags" yaml:"tags"`
	Flags      []string            `json:"flags,omitempty" yaml:"flags,omitempty"`
	Semantic   *types.SemanticData `json:"semantic,omitempty" yaml:"semantic,omitempty"`
	ParentUUID string              `json:"parent_uuid,omitempty" yaml:"parent_uuid,omitempty"`
	Files      []ExportFile        `json:"files" yaml:"files"`
}

// ExportFile identifies a physical file a document draws pages from.
type ExportFile struct {
	UUID             string `json:"uuid" yaml:"uuid"`
	SHA256           string `json:"sha256" yaml:"sha256"`
	OriginalFilename string `json:"original_filename" yaml:"original_filename"`
}

// Export formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// NoLimit is a MaxResults large enough to scan every document.
const NoLimit = 1000000

// Export writes the documents matching opts to w as YAML or JSON. It
// supports the same filters as Search.
func (s *Store) Export(ctx context.Context, w io.Writer, format string, opts QueryOptions) (int, error) {
	entries, err := s.exportEntries(ctx, opts)
	if err != nil {
		return 0, err
	}

	var data []byte
	switch format {
	case FormatYAML, "":
		data, err = yaml.Marshal(entries)
		if err != nil {
			return 0, fmt.Errorf("marshaling YAML: %w", err)
		}
	case FormatJSON:
		data, err = json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return 0, fmt.Errorf("marshaling JSON: %w", err)
		}
		data = append(data, '\n')
	default:
		return 0, fmt.Errorf("unknown export format %q: use yaml or json", format)
	}

	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("writing export: %w", err)
	}
	return len(entries), nil
}

func (s *Store) exportEntries(ctx context.Context, opts QueryOptions) ([]ExportEntry, error) {
	opts.MaxResults = NoLimit
	results, err := s.Search(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("querying for export: %w", err)
	}

	files := make(map[string]ExportFile)
	entries := make([]ExportEntry, len(results))
	for i, r := range results {
		e := ExportEntry{
			UUID:       r.UUID,
			Status:     string(r.Status),
			Type:       string(r.DocType),
			Title:      r.Title,
			Language:   r.Language,
			Confidence: r.Confidence,
			Tags:       r.Tags,
			Flags:      r.Audit.Flags(),
			Semantic:   r.Semantic,
			ParentUUID: r.ParentUUID,
		}
		if e.Tags == nil {
			e.Tags = []string{}
		}
		seen := make(map[string]bool)
		for _, pr := range r.Pages {
			e.Pages = append(e.Pages, pr.String())
			if seen[pr.FileUUID] {
				continue
			}
			seen[pr.FileUUID] = true
			f, ok := files[pr.FileUUID]
			if !ok {
				pf, err := s.PhysicalFile(ctx, pr.FileUUID)
				if err != nil {
					return nil, fmt.Errorf("loading file of %s: %w", r.UUID, err)
				}
				f = ExportFile{UUID: pf.UUID, SHA256: pf.SHA256, OriginalFilename: pf.OriginalFilename}
				files[pr.FileUUID] = f
			}
			e.Files = append(e.Files, f)
		}
		entries[i] = e
	}
	return entries, nil
}
