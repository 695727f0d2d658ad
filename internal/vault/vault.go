// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package vault stores ingested PDFs immutably, addressed by the SHA-256 of
// their bytes. It also gives the pipeline page-level access to stored files:
// page counts, page subsets as new PDFs, and the text layer per page.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/pdiddy/docflow/pkg/types"
)

const objectsDir = "objects"

var (
	ErrNotFound = errors.New("vault object not found")
	ErrNotPDF   = errors.New("not a PDF file")
	ErrCorrupt  = errors.New("vault object hash mismatch")
)

var pdfMagic = []byte("%PDF-")

// Object describes a file stored in the vault.
type Object struct {
	SHA256    string
	Path      string
	PageCount int
	Size      int64
}

// Vault is a content-addressed store of PDF files. It is safe for
// concurrent use.
type Vault struct {
	dir string
}

// Open prepares the vault directory layout under cfg.Dir.
func Open(cfg types.VaultConfig) (*Vault, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("vault directory not configured")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}
	return &Vault{dir: cfg.Dir}, nil
}

// newConf returns a fresh pdfcpu configuration. pdfcpu writes to the
// configuration it is given, so calls never share one.
func newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Dir returns the vault root.
func (v *Vault) Dir() string { return v.dir }

// Path returns the location of the object with the given digest. Objects are
// sharded by the first two hex characters.
func (v *Vault) Path(sha string) string {
	shard := "xx"
	if len(sha) >= 2 {
		shard = sha[:2]
	}
	return filepath.Join(v.dir, objectsDir, shard, sha+".pdf")
}

// Has reports whether the object exists.
func (v *Vault) Has(sha string) bool {
	_, err := os.Stat(v.Path(sha))
	return err == nil
}

// Put copies srcPath into the vault. The copy is written to a temporary file
// and renamed into place once hashed and validated, so a stored object is
// always complete. If an identical file is already stored, Put leaves it
// untouched and reports existed.
func (v *Vault) Put(ctx context.Context, srcPath string) (obj Object, existed bool, err error) {
	if err := ctx.Err(); err != nil {
		return Object{}, false, err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return Object{}, false, fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer src.Close()

	header := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(src, header); err != nil || !bytes.Equal(header, pdfMagic) {
		return Object{}, false, fmt.Errorf("%s: %w", srcPath, ErrNotPDF)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return Object{}, false, fmt.Errorf("rewinding %s: %w", srcPath, err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(v.dir, objectsDir), ".put-*.tmp")
	if err != nil {
		return Object{}, false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	h := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(tmpFile, h), src)
	closeErr := tmpFile.Close()
	if copyErr != nil {
		return Object{}, false, fmt.Errorf("copying into vault: %w", copyErr)
	}
	if closeErr != nil {
		return Object{}, false, fmt.Errorf("closing temp file: %w", closeErr)
	}

	sha := hex.EncodeToString(h.Sum(nil))
	dest := v.Path(sha)

	if _, err := os.Stat(dest); err == nil {
		pages, err := api.PageCountFile(dest)
		if err != nil {
			return Object{}, true, fmt.Errorf("counting pages of %s: %w", sha, err)
		}
		return Object{SHA256: sha, Path: dest, PageCount: pages, Size: size}, true, nil
	}

	if err := api.ValidateFile(tmpPath, newConf()); err != nil {
		return Object{}, false, fmt.Errorf("validating %s: %w", srcPath, err)
	}
	pages, err := api.PageCountFile(tmpPath)
	if err != nil {
		return Object{}, false, fmt.Errorf("counting pages of %s: %w", srcPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Object{}, false, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return Object{}, false, fmt.Errorf("renaming into vault: %w", err)
	}
	// Stored objects are immutable.
	_ = os.Chmod(dest, 0o444)

	return Object{SHA256: sha, Path: dest, PageCount: pages, Size: size}, false, nil
}

// Open returns a reader for the stored object.
func (v *Vault) Open(sha string) (*os.File, error) {
	f, err := os.Open(v.Path(sha))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", sha, ErrNotFound)
		}
		return nil, fmt.Errorf("opening %s: %w", sha, err)
	}
	return f, nil
}

// Verify rehashes the stored object and reports ErrCorrupt on mismatch.
func (v *Vault) Verify(sha string) error {
	f, err := v.Open(sha)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", sha, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sha {
		return fmt.Errorf("%s hashes to %s: %w", sha, got, ErrCorrupt)
	}
	return nil
}

// ExtractPages writes a PDF containing only the given 1-based pages of the
// stored object to w.
func (v *Vault) ExtractPages(ctx context.Context, sha string, pages []int, w io.Writer) error {
	if len(pages) == 0 {
		return fmt.Errorf("no pages selected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := v.Open(sha)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := api.Trim(f, w, pageSelection(pages), newConf()); err != nil {
		return fmt.Errorf("extracting pages %v of %s: %w", pages, sha, err)
	}
	return nil
}

// PageSpan selects pages of one stored object.
type PageSpan struct {
	SHA256 string
	Pages  []int
}

// ExtractSpans writes one PDF holding the selected pages of every span, in
// order. Spans from different objects are merged.
func (v *Vault) ExtractSpans(ctx context.Context, spans []PageSpan, w io.Writer) error {
	switch len(spans) {
	case 0:
		return fmt.Errorf("no pages selected")
	case 1:
		return v.ExtractPages(ctx, spans[0].SHA256, spans[0].Pages, w)
	}

	parts := make([]io.ReadSeeker, 0, len(spans))
	for _, span := range spans {
		var buf bytes.Buffer
		if err := v.ExtractPages(ctx, span.SHA256, span.Pages, &buf); err != nil {
			return err
		}
		parts = append(parts, bytes.NewReader(buf.Bytes()))
	}
	if err := api.MergeRaw(parts, w, false, newConf()); err != nil {
		return fmt.Errorf("merging %d page spans: %w", len(spans), err)
	}
	return nil
}

// pageSelection renders pages in pdfcpu selection syntax, one element per
// run of consecutive pages: [1 2 3 5] becomes ["1-3", "5"].
func pageSelection(pages []int) []string {
	sorted := slices.Clone(pages)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var sel []string
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if i == j {
			sel = append(sel, strconv.Itoa(sorted[i]))
		} else {
			sel = append(sel, strconv.Itoa(sorted[i])+"-"+strconv.Itoa(sorted[j]))
		}
		i = j + 1
	}
	return sel
}

// PageTexts returns the text layer of every page of the stored object.
// Pages without a text layer yield an empty string; OCR happens elsewhere.
func (v *Vault) PageTexts(sha string) (texts []string, err error) {
	path := v.Path(sha)
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, fmt.Errorf("%s: %w", sha, ErrNotFound)
	}

	// The text extractor panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			texts, err = nil, fmt.Errorf("reading text of %s: %v", sha, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not read PDF %s: %w", sha, err)
	}
	defer f.Close()

	numPages := r.NumPage()
	texts = make([]string, numPages)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts[i-1] = strings.TrimSpace(text)
	}
	return texts, nil
}
