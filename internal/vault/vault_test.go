// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/docflow/internal/pdftest"
	"github.com/pdiddy/docflow/pkg/types"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(types.VaultConfig{Dir: filepath.Join(t.TempDir(), "vault")})
	require.NoError(t, err)
	return v
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(types.VaultConfig{})
	assert.Error(t, err)
}

func TestPutStoresByHash(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "scan.pdf")
	pdftest.WriteFile(t, src, "Invoice 42", "Page two")

	obj, existed, err := v.Put(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, obj.SHA256, 64)
	assert.Equal(t, 2, obj.PageCount)
	assert.Equal(t, v.Path(obj.SHA256), obj.Path)
	assert.True(t, v.Has(obj.SHA256))
	assert.Equal(t, obj.SHA256[:2], filepath.Base(filepath.Dir(obj.Path)))
	require.NoError(t, v.Verify(obj.SHA256))
}

func TestPutIsIdempotent(t *testing.T) {
	v := testVault(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "copy-of-a.pdf")
	pdftest.WriteFile(t, a, "same bytes")
	pdftest.WriteFile(t, b, "same bytes")

	first, existed, err := v.Put(context.Background(), a)
	require.NoError(t, err)
	require.False(t, existed)

	second, existed, err := v.Put(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, 1, second.PageCount)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(v.Dir(), objectsDir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "unexpected file %s", e.Name())
	}
}

func TestPutRejectsNonPDF(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	_, _, err := v.Put(context.Background(), src)
	assert.True(t, errors.Is(err, ErrNotPDF))
}

func TestPutCancelled(t *testing.T) {
	v := testVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := v.Put(ctx, "whatever.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyDetectsMissing(t *testing.T) {
	v := testVault(t)
	err := v.Verify("00deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "x.pdf")
	pdftest.WriteFile(t, src, "original")
	obj, _, err := v.Put(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(obj.Path, 0o644))
	require.NoError(t, os.WriteFile(obj.Path, pdftest.Build([]string{"tampered"}), 0o644))

	assert.ErrorIs(t, v.Verify(obj.SHA256), ErrCorrupt)
}

func TestExtractPages(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "three.pdf")
	pdftest.WriteFile(t, src, "one", "two", "three")
	obj, _, err := v.Put(context.Background(), src)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, v.ExtractPages(context.Background(), obj.SHA256, []int{1, 3}, &buf))

	n, err := api.PageCount(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Error(t, v.ExtractPages(context.Background(), obj.SHA256, nil, &buf))
}

func TestPageTexts(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "texts.pdf")
	pdftest.WriteFile(t, src, "Hello vault", "")
	obj, _, err := v.Put(context.Background(), src)
	require.NoError(t, err)

	texts, err := v.PageTexts(obj.SHA256)
	require.NoError(t, err)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Hello")
	assert.Empty(t, texts[1])

	_, err = v.PageTexts("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtractSpansMergesFiles(t *testing.T) {
	v := testVault(t)
	dir := t.TempDir()
	pdftest.WriteFile(t, filepath.Join(dir, "a.pdf"), "a1", "a2", "a3")
	pdftest.WriteFile(t, filepath.Join(dir, "b.pdf"), "b1", "b2")
	a, _, err := v.Put(context.Background(), filepath.Join(dir, "a.pdf"))
	require.NoError(t, err)
	b, _, err := v.Put(context.Background(), filepath.Join(dir, "b.pdf"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, v.ExtractSpans(context.Background(), []PageSpan{
		{SHA256: a.SHA256, Pages: []int{2, 3}},
		{SHA256: b.SHA256, Pages: []int{1}},
	}, &buf))

	n, err := api.PageCount(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Error(t, v.ExtractSpans(context.Background(), nil, &buf))
}

func TestPageSelection(t *testing.T) {
	tests := []struct {
		pages []int
		want  []string
	}{
		{[]int{1}, []string{"1"}},
		{[]int{1, 2}, []string{"1-2"}},
		{[]int{1, 2, 3, 5}, []string{"1-3", "5"}},
		{[]int{5, 1, 2, 2}, []string{"1-2", "5"}},
		{[]int{2, 4, 6}, []string{"2", "4", "6"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pageSelection(tt.pages), "pages %v", tt.pages)
	}
}

func TestExtractPagesConsecutive(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "four.pdf")
	pdftest.WriteFile(t, src, "one", "two", "three", "four")
	obj, _, err := v.Put(context.Background(), src)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, v.ExtractPages(context.Background(), obj.SHA256, []int{1, 2, 3}, &buf))

	n, err := api.PageCount(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestExtractPagesConcurrently(t *testing.T) {
	v := testVault(t)
	src := filepath.Join(t.TempDir(), "shared.pdf")
	pdftest.WriteFile(t, src, "one", "two", "three")
	obj, _, err := v.Put(context.Background(), src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var buf bytes.Buffer
			if i%2 == 0 {
				errs[i] = v.ExtractPages(context.Background(), obj.SHA256, []int{1, 2}, &buf)
				return
			}
			errs[i] = v.ExtractSpans(context.Background(), []PageSpan{
				{SHA256: obj.SHA256, Pages: []int{1}},
				{SHA256: obj.SHA256, Pages: []int{3}},
			}, &buf)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
