// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ingest brings PDF files into docflow. Each new file is copied
// into the vault, its text layer is stored per page and one NEW virtual
// document spanning all of its pages is created for the Canonizer.
package ingest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/internal/vault"
	"github.com/pdiddy/docflow/pkg/types"
)

// BatchResult holds the outcome of a batch ingestion run.
type BatchResult struct {
	Ingested  int
	Skipped   int
	Failed    int
	Documents []*types.VirtualDocument
}

// Total returns the number of files processed.
func (r BatchResult) Total() int {
	return r.Ingested + r.Skipped + r.Failed
}

// HasFailures reports whether any file failed.
func (r BatchResult) HasFailures() bool {
	return r.Failed > 0
}

// FileResult describes one ingested file.
type FileResult struct {
	File types.PhysicalFile

	// Document is nil when the file was skipped.
	Document *types.VirtualDocument

	// Skipped is set when identical bytes were ingested before.
	Skipped bool
}

// Ingester wires the vault and the store together.
type Ingester struct {
	vault  *vault.Vault
	store  *store.Store
	logger *slog.Logger
}

// New returns an Ingester. A nil logger discards log output.
func New(v *vault.Vault, s *store.Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ingester{vault: v, store: s, logger: logger}
}

// IngestFile stores the PDF at path and creates its virtual document.
// Re-ingesting identical bytes is skipped. A file whose earlier ingestion
// stopped before the document was created is completed instead.
func (in *Ingester) IngestFile(ctx context.Context, path string) (FileResult, error) {
	logCtx := in.logger.With("path", path)

	obj, _, err := in.vault.Put(ctx, path)
	if err != nil {
		return FileResult{}, err
	}
	logCtx = logCtx.With("sha256", obj.SHA256)

	relPath, err := filepath.Rel(in.vault.Dir(), obj.Path)
	if err != nil {
		relPath = obj.Path
	}
	pf, existed, err := in.store.UpsertPhysicalFile(ctx, types.PhysicalFile{
		SHA256:           obj.SHA256,
		OriginalFilename: filepath.Base(path),
		VaultPath:        relPath,
		PageCount:        obj.PageCount,
		SizeBytes:        obj.Size,
	})
	if err != nil {
		return FileResult{}, err
	}

	if existed {
		has, err := in.store.HasDocumentsForFile(ctx, pf.UUID)
		if err != nil {
			return FileResult{}, err
		}
		if has {
			logCtx.Debug("file already ingested", "file", pf.UUID)
			return FileResult{File: pf, Skipped: true}, nil
		}
		logCtx.Info("completing interrupted ingestion", "file", pf.UUID)
	}

	texts, err := in.vault.PageTexts(obj.SHA256)
	if err != nil {
		// Image-only or unusual PDFs still get a document; the AI sees
		// empty pages.
		logCtx.Warn("could not read text layer", "error", err)
		texts = nil
	}
	if len(texts) > 0 {
		if err := in.store.SavePageTexts(ctx, pf.UUID, texts); err != nil {
			return FileResult{}, err
		}
	}

	doc := &types.VirtualDocument{
		Status: types.StatusNew,
		Pages:  []types.PageRange{{FileUUID: pf.UUID, Start: 1, End: pf.PageCount}},
		Title:  strings.TrimSuffix(pf.OriginalFilename, filepath.Ext(pf.OriginalFilename)),
		Text:   joinTexts(texts),
	}
	if err := in.store.CreateDocument(ctx, doc); err != nil {
		return FileResult{}, err
	}

	logCtx.Info("ingested file", "file", pf.UUID, "doc", doc.UUID, "pages", pf.PageCount)
	return FileResult{File: pf, Document: doc}, nil
}

// IngestBatch ingests every PDF found in paths, printing per-file status
// and a summary to w. Directories are searched recursively. It continues
// after individual failures and stops early only when ctx is cancelled.
func (in *Ingester) IngestBatch(ctx context.Context, paths []string, w io.Writer) (BatchResult, error) {
	files, err := CollectPDFs(paths)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := in.IngestFile(ctx, path)
		switch {
		case err != nil:
			fmt.Fprintf(w, "failed:   %s (%v)\n", path, err)
			result.Failed++
		case res.Skipped:
			fmt.Fprintf(w, "skipped:  %s (already ingested as %s)\n", path, res.File.UUID)
			result.Skipped++
		default:
			fmt.Fprintf(w, "ingested: %s (%d pages, document %s)\n", path, res.File.PageCount, res.Document.UUID)
			result.Ingested++
			result.Documents = append(result.Documents, res.Document)
		}
	}

	fmt.Fprintf(w, "\nIngest summary: %d ingested, %d skipped, %d failed (total: %d)\n",
		result.Ingested, result.Skipped, result.Failed, result.Total())
	return result, nil
}

// CollectPDFs expands paths into a sorted list of files. Directories are
// walked for *.pdf files, skipping hidden entries. Files named explicitly
// are kept whatever their extension.
func CollectPDFs(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".pdf") {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return files, nil
}

func joinTexts(texts []string) string {
	var parts []string
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
