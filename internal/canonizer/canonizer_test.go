// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package canonizer

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/docflow/internal/ai"
	"github.com/pdiddy/docflow/internal/ingest"
	"github.com/pdiddy/docflow/internal/pdftest"
	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/internal/vault"
	"github.com/pdiddy/docflow/pkg/types"
)

// fakeBackend answers with the configured functions. Unset functions
// return an empty answer.
type fakeBackend struct {
	mu       sync.Mutex
	classify func(ai.ClassifyRequest) (*ai.ClassifyResponse, error)
	audit    func(ai.AuditRequest) (*ai.AuditResponse, error)
	extract  func(ai.ExtractRequest) (*ai.ExtractResponse, error)
	calls    []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeBackend) Classify(_ context.Context, req ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
	f.record("classify")
	if f.classify == nil {
		return nil, nil
	}
	return f.classify(req)
}

func (f *fakeBackend) Audit(_ context.Context, req ai.AuditRequest) (*ai.AuditResponse, error) {
	f.record("audit")
	if f.audit == nil {
		return nil, nil
	}
	return f.audit(req)
}

func (f *fakeBackend) Extract(_ context.Context, req ai.ExtractRequest) (*ai.ExtractResponse, error) {
	f.record("extract")
	if f.extract == nil {
		return nil, nil
	}
	return f.extract(req)
}

func oneSegment(t types.DocumentType, title string, confidence float64) func(ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
	return func(req ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		return &ai.ClassifyResponse{Documents: []ai.SegmentClassification{{
			StartPage: 1, EndPage: len(req.Pages), Type: t, Title: title, Language: "DE", Confidence: confidence,
		}}}, nil
	}
}

type fixture struct {
	c       *Canonizer
	store   *store.Store
	vault   *vault.Vault
	backend *fakeBackend
	in      *ingest.Ingester
}

func newFixture(t *testing.T, cfg types.CanonizerConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(types.VaultConfig{Dir: filepath.Join(dir, "vault")})
	require.NoError(t, err)
	s, err := store.NewStore(types.StoreConfig{DBPath: filepath.Join(dir, "docflow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &fakeBackend{}
	c, err := New(s, v, b, cfg, nil)
	require.NoError(t, err)
	return &fixture{c: c, store: s, vault: v, backend: b, in: ingest.New(v, s, nil)}
}

func (f *fixture) ingest(t *testing.T, pages ...string) *types.VirtualDocument {
	t.Helper()
	src := filepath.Join(t.TempDir(), "scan.pdf")
	pdftest.WriteFile(t, src, pages...)
	res, err := f.in.IngestFile(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	return res.Document
}

func (f *fixture) doc(t *testing.T, uuid string) *types.VirtualDocument {
	t.Helper()
	doc, err := f.store.Document(context.Background(), uuid)
	require.NoError(t, err)
	return doc
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, types.CanonizerConfig{}, nil)
	assert.Error(t, err)
}

func TestStepWithoutWork(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	_, ok, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.backend.calls)
}

func TestFullPipeline(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	doc := f.ingest(t, "Stadtwerke invoice 2024-117", "Amount due 84.20 EUR")

	f.backend.classify = oneSegment(types.DocInvoice, "Electricity invoice", 0.93)
	f.backend.audit = func(req ai.AuditRequest) (*ai.AuditResponse, error) {
		return &ai.AuditResponse{AuditResult: types.AuditResult{HasSignature: true, BlankPages: []int{2, 9}, Quality: " Good "}}, nil
	}
	f.backend.extract = func(req ai.ExtractRequest) (*ai.ExtractResponse, error) {
		assert.Equal(t, types.DocInvoice, req.DocType)
		assert.Contains(t, req.FieldHints, "invoice_number")
		return &ai.ExtractResponse{
			Title: "Stadtwerke electricity January",
			SemanticData: types.SemanticData{
				Sender:        " Stadtwerke ",
				DocumentDate:  "31.01.2024",
				Amount:        &types.Money{Value: 84.2, Currency: "eur"},
				IBAN:          "de89 3704 0044 0532 0130 00",
				Fields:        map[string]string{"invoice_number": "2024-117", "empty": " "},
				SuggestedTags: []string{"Energy", "household"},
			},
		}, nil
	}

	var out bytes.Buffer
	summary, err := f.c.Run(context.Background(), RunOptions{}, &out)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Completed: 3, Processed: 1}, summary)
	assert.Equal(t, []string{"classify", "audit", "extract"}, f.backend.calls)
	assert.Contains(t, out.String(), "Canonize summary: 3 completed (1 processed)")

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusProcessed, got.Status)
	assert.Equal(t, types.DocInvoice, got.DocType)
	assert.Equal(t, "Stadtwerke electricity January", got.Title)
	assert.Equal(t, "de", got.Language)
	require.NotNil(t, got.Audit)
	assert.True(t, got.Audit.HasSignature)
	assert.Equal(t, []int{2}, got.Audit.BlankPages)
	assert.Equal(t, "good", got.Audit.Quality)
	require.NotNil(t, got.Semantic)
	assert.Equal(t, "Stadtwerke", got.Semantic.Sender)
	assert.Equal(t, "2024-01-31", got.Semantic.DocumentDate)
	assert.Equal(t, "EUR", got.Semantic.Amount.Currency)
	assert.Equal(t, "DE89370400440532013000", got.Semantic.IBAN)
	assert.Equal(t, map[string]string{"invoice_number": "2024-117"}, got.Semantic.Fields)
	assert.Equal(t, []string{"energy", "household", "invoice"}, got.Tags)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LeaseOwner)

	runs, err := f.store.Runs(context.Background(), doc.UUID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, types.Stage1, runs[0].Stage)
	assert.Equal(t, string(OutcomeDone), runs[2].Outcome)
}

func TestStage1Splits(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	doc := f.ingest(t, "Cover letter", "Invoice page 1", "Invoice page 2")
	fileUUID := doc.Pages[0].FileUUID

	f.backend.classify = func(req ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		require.Len(t, req.Pages, 3)
		assert.Equal(t, 3, req.Pages[2].Page)
		return &ai.ClassifyResponse{Documents: []ai.SegmentClassification{
			{StartPage: 2, EndPage: 3, Type: types.DocInvoice, Title: "Invoice", Confidence: 0.9},
			{StartPage: 1, EndPage: 1, Type: types.DocLetter, Title: "Cover letter", Confidence: 0.8},
		}}, nil
	}

	res, ok, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeSplit, res.Outcome)
	assert.Equal(t, types.StatusSplit, res.Status)
	require.Len(t, res.Children, 2)

	assert.Equal(t, types.StatusSplit, f.doc(t, doc.UUID).Status)

	letter := f.doc(t, res.Children[0])
	assert.Equal(t, types.DocLetter, letter.DocType)
	assert.Equal(t, types.StatusStage1Done, letter.Status)
	assert.Equal(t, doc.UUID, letter.ParentUUID)
	assert.Equal(t, []types.PageRange{{FileUUID: fileUUID, Start: 1, End: 1}}, letter.Pages)

	invoice := f.doc(t, res.Children[1])
	assert.Equal(t, types.DocInvoice, invoice.DocType)
	assert.Equal(t, []types.PageRange{{FileUUID: fileUUID, Start: 2, End: 3}}, invoice.Pages)

	results, err := f.store.Search(context.Background(), store.QueryOptions{Query: "cover"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, letter.UUID, results[0].UUID)
}

func TestStage1InvalidSegmentationKeepsDocument(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	doc := f.ingest(t, "a", "b")

	f.backend.classify = func(ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		return &ai.ClassifyResponse{Documents: []ai.SegmentClassification{
			{StartPage: 1, EndPage: 2, Type: types.DocContract, Confidence: 0.7},
			{StartPage: 2, EndPage: 2, Type: "brochure", Title: "Leaflet", Confidence: 0.95},
		}}, nil
	}

	res, _, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusStage1Done, got.Status)
	assert.Equal(t, types.DocOther, got.DocType)
	assert.Equal(t, "Leaflet", got.Title)
	assert.False(t, got.HasTag(TagNeedsReview))
}

func TestStage1LowConfidenceNeedsReview(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{MinConfidence: 0.8})
	doc := f.ingest(t, "blurry")
	f.backend.classify = oneSegment(types.DocReceipt, "Receipt", 0.4)

	_, _, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	got := f.doc(t, doc.UUID)
	assert.True(t, got.HasTag(TagNeedsReview))
	assert.Equal(t, types.StatusStage1Done, got.Status)
}

func TestEmptyAnswerDefers(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{MaxAttempts: 2, RetryBase: time.Minute})
	doc := f.ingest(t, "x")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.c.now = func() time.Time { return now }

	res, ok, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.ErrorIs(t, res.Err, errEmptyAnswer)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusNew, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "no usable answer")
	assert.True(t, got.NextAttemptAt.Equal(now.Add(time.Minute)))

	// Not ready until the backoff passes.
	_, ok, err = f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	res, ok, err = f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, types.StatusError, f.doc(t, doc.UUID).Status)
}

func TestBackendErrorDefers(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	f.ingest(t, "x")
	f.backend.classify = func(ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		return nil, errors.New("overloaded")
	}

	var out bytes.Buffer
	summary, err := f.c.Run(context.Background(), RunOptions{Stages: []types.Stage{types.Stage1}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deferred)
	assert.Contains(t, out.String(), "overloaded")
}

func TestStaleCompletionIsSkipped(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	doc := f.ingest(t, "x")
	f.backend.classify = func(req ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		// Someone resets the document while the AI call is in flight.
		_, err := f.store.Reset(context.Background(), doc.UUID)
		require.NoError(t, err)
		return oneSegment(types.DocLetter, "Letter", 0.9)(req)
	}

	res, ok, err := f.c.Step(context.Background(), types.Stage1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrStaleTransition)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusNew, got.Status)
	assert.Empty(t, got.DocType)
}

func TestStage15SendsPageSubset(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{MaxAuditPages: 2})
	doc := f.ingest(t, "p1", "p2", "p3")
	f.backend.classify = oneSegment(types.DocContract, "Lease", 0.9)

	var pdfPages int
	f.backend.audit = func(req ai.AuditRequest) (*ai.AuditResponse, error) {
		n, err := api.PageCount(bytes.NewReader(req.PDF), nil)
		require.NoError(t, err)
		pdfPages = n
		assert.Equal(t, 2, req.PageCount)
		assert.Len(t, req.Pages, 2)
		assert.Equal(t, types.DocContract, req.DocType)
		return &ai.AuditResponse{AuditResult: types.AuditResult{HasStamp: true}}, nil
	}

	_, err := f.c.Run(context.Background(), RunOptions{Stages: []types.Stage{types.Stage1, types.Stage15}}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2, pdfPages)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusStage15Done, got.Status)
	assert.Equal(t, []string{"stamped"}, got.Audit.Flags())
}

func TestStage15MergesPagesFromTwoFiles(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	first := f.ingest(t, "a1", "a2", "a3")
	second := f.ingest(t, "b1", "b2")

	child := &types.VirtualDocument{
		Status:     types.StatusStage1Done,
		DocType:    types.DocInvoice,
		Title:      "Invoice across two scans",
		ParentUUID: first.UUID,
		Pages: []types.PageRange{
			{FileUUID: first.Pages[0].FileUUID, Start: 2, End: 3},
			{FileUUID: second.Pages[0].FileUUID, Start: 1, End: 1},
		},
	}
	require.NoError(t, f.store.CreateDocument(context.Background(), child))

	var (
		pdfPages int
		texts    []string
	)
	f.backend.audit = func(req ai.AuditRequest) (*ai.AuditResponse, error) {
		n, err := api.PageCount(bytes.NewReader(req.PDF), nil)
		if err != nil {
			return nil, err
		}
		pdfPages = n
		assert.Equal(t, 3, req.PageCount)
		for _, p := range req.Pages {
			texts = append(texts, p.Text)
		}
		return &ai.AuditResponse{AuditResult: types.AuditResult{IsColor: true}}, nil
	}

	res, ok, err := f.c.Step(context.Background(), types.Stage15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 3, pdfPages)
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "a2")
	assert.Contains(t, texts[2], "b1")

	got := f.doc(t, child.UUID)
	assert.Equal(t, types.StatusStage15Done, got.Status)
	require.NotNil(t, got.Audit)
	assert.True(t, got.Audit.IsColor)
}

func TestExpiredLeasesExhaustAttempts(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{MaxAttempts: 2, LeaseDuration: time.Minute})
	doc := f.ingest(t, "crashes every worker")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.c.now = func() time.Time { return now }
	f.backend.classify = oneSegment(types.DocLetter, "Letter", 0.9)

	// Two workers die while holding the lease.
	_, err := f.store.Claim(ctx, types.Stage1, "dead-1", time.Minute, now)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = f.store.Claim(ctx, types.Stage1, "dead-2", time.Minute, now)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	res, ok, err := f.c.Step(ctx, types.Stage1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrLeaseExpired)
	assert.Empty(t, f.backend.calls)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Contains(t, got.LastError, "lease expired")
}

func TestCancelledStepReleasesDocument(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	doc := f.ingest(t, "x")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.backend.classify = func(ai.ClassifyRequest) (*ai.ClassifyResponse, error) {
		cancel()
		return nil, context.Canceled
	}

	_, ok, err := f.c.Step(ctx, types.Stage1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, ok)

	got := f.doc(t, doc.UUID)
	assert.Equal(t, types.StatusNew, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LeaseOwner)
}

func TestStage2Language(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		want       string
	}{
		{"detected language", "", "fr"},
		{"configured language wins", "de", "de"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.CanonizerConfig{Language: tt.configured})
			ingested := f.ingest(t, "Facture EDF")
			doc := &types.VirtualDocument{
				Status:   types.StatusStage15Done,
				DocType:  types.DocInvoice,
				Language: "fr",
				Pages:    ingested.Pages,
			}
			require.NoError(t, f.store.CreateDocument(context.Background(), doc))

			var got string
			f.backend.extract = func(req ai.ExtractRequest) (*ai.ExtractResponse, error) {
				got = req.Language
				return &ai.ExtractResponse{}, nil
			}

			res, ok, err := f.c.Step(context.Background(), types.Stage2)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, OutcomeDone, res.Outcome)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunOnceTakesOneDocumentPerWorker(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{Workers: 1})
	f.ingest(t, "first")
	f.ingest(t, "second")
	f.backend.classify = oneSegment(types.DocLetter, "Letter", 0.9)

	summary, err := f.c.Run(context.Background(), RunOptions{Stages: []types.Stage{types.Stage1}, Once: true}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	counts, err := f.store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusNew])
	assert.Equal(t, 1, counts[types.StatusStage1Done])
}

func TestRunDrainsWithWorkers(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{Workers: 3})
	for i := 0; i < 5; i++ {
		f.ingest(t, "document "+string(rune('a'+i)))
	}
	f.backend.classify = oneSegment(types.DocReceipt, "Receipt", 0.9)

	summary, err := f.c.Run(context.Background(), RunOptions{Stages: []types.Stage{types.Stage1}}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, 5, summary.Total())
}

func TestRunRejectsUnknownStage(t *testing.T) {
	f := newFixture(t, types.CanonizerConfig{})
	_, err := f.c.Run(context.Background(), RunOptions{Stages: []types.Stage{"stage9"}}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNormalizeSegments(t *testing.T) {
	tests := []struct {
		name  string
		segs  []ai.SegmentClassification
		n     int
		valid bool
		want  int
	}{
		{"single", []ai.SegmentClassification{{StartPage: 1, EndPage: 3}}, 3, true, 1},
		{"unordered", []ai.SegmentClassification{{StartPage: 3, EndPage: 3}, {StartPage: 1, EndPage: 2}}, 3, true, 2},
		{"gap", []ai.SegmentClassification{{StartPage: 1, EndPage: 1}, {StartPage: 3, EndPage: 3}}, 3, false, 1},
		{"overlap", []ai.SegmentClassification{{StartPage: 1, EndPage: 2}, {StartPage: 2, EndPage: 3}}, 3, false, 1},
		{"short", []ai.SegmentClassification{{StartPage: 1, EndPage: 2}}, 3, false, 1},
		{"past end", []ai.SegmentClassification{{StartPage: 1, EndPage: 4}}, 3, false, 1},
		{"reversed", []ai.SegmentClassification{{StartPage: 2, EndPage: 1}}, 3, false, 1},
		{"none", nil, 3, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, valid := normalizeSegments(tt.segs, tt.n)
			assert.Equal(t, tt.valid, valid)
			require.Len(t, got, tt.want)
			assert.Equal(t, 1, got[0].StartPage)
			assert.Equal(t, tt.n, got[len(got)-1].EndPage)
		})
	}
}

func TestNormalizeSegmentsCleansValues(t *testing.T) {
	got, valid := normalizeSegments([]ai.SegmentClassification{
		{StartPage: 1, EndPage: 1, Type: "flyer", Confidence: 1.7},
	}, 1)
	require.True(t, valid)
	assert.Equal(t, types.DocOther, got[0].Type)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2024-01-31", "2024-01-31"},
		{"2024/01/31", "2024-01-31"},
		{"31.01.2024", "2024-01-31"},
		{"1.2.2024", "2024-02-01"},
		{"05/03/2024", "2024-03-05"},
		{"3 March 2024", "2024-03-03"},
		{"March 3, 2024", "2024-03-03"},
		{"2024-01-31T10:00:00Z", "2024-01-31"},
		{"sometime in spring", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDate(tt.in), tt.in)
	}
}

func TestNormalizeMoney(t *testing.T) {
	assert.Nil(t, normalizeMoney(nil))
	assert.Equal(t, "EUR", normalizeMoney(&types.Money{Currency: "€"}).Currency)
	assert.Equal(t, "CHF", normalizeMoney(&types.Money{Currency: " chf"}).Currency)
}

func TestFieldHints(t *testing.T) {
	assert.Contains(t, FieldHints(types.DocBankStatement), "closing_balance")
	assert.Empty(t, FieldHints(types.DocOther))
}
