// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package canonizer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pdiddy/docflow/internal/ai"
	"github.com/pdiddy/docflow/internal/store"
	"github.com/pdiddy/docflow/internal/vault"
	"github.com/pdiddy/docflow/pkg/types"
)

// RunStage1 classifies a claimed document. When the backend finds several
// documents among the pages, the document is replaced by one child per
// segment; otherwise the classification is stored on it.
func (c *Canonizer) RunStage1(ctx context.Context, doc *types.VirtualDocument) (Outcome, []string, error) {
	pages, err := c.pageTexts(ctx, doc)
	if err != nil {
		return "", nil, err
	}

	resp, err := c.backend.Classify(ctx, ai.ClassifyRequest{Pages: pages, Language: c.cfg.Language})
	if err != nil {
		return "", nil, err
	}
	if resp == nil {
		return "", nil, errEmptyAnswer
	}

	segments, valid := normalizeSegments(resp.Documents, len(pages))
	if !valid {
		c.logger.Warn("invalid segmentation, keeping document whole",
			"doc", doc.UUID, "segments", len(resp.Documents), "pages", len(pages))
	}

	if len(segments) == 1 {
		seg := segments[0]
		_, err := c.store.Complete(ctx, doc.UUID, types.Stage1, doc.LeaseOwner, func(d *types.VirtualDocument) {
			c.applyClassification(d, seg)
		})
		if err != nil {
			return "", nil, err
		}
		return OutcomeDone, nil, nil
	}

	refs := types.ExpandRanges(doc.Pages)
	children := make([]*types.VirtualDocument, len(segments))
	for i, seg := range segments {
		child := &types.VirtualDocument{
			Pages: types.CompactRanges(refs[seg.StartPage-1 : seg.EndPage]),
			Tags:  append([]string(nil), doc.Tags...),
			Text:  joinPages(pages[seg.StartPage-1 : seg.EndPage]),
		}
		c.applyClassification(child, seg)
		children[i] = child
	}
	if err := c.store.ReplaceWithSplit(ctx, doc.UUID, types.Stage1, doc.LeaseOwner, children); err != nil {
		return "", nil, err
	}

	ids := make([]string, len(children))
	for i, ch := range children {
		ids[i] = ch.UUID
	}
	return OutcomeSplit, ids, nil
}

func (c *Canonizer) applyClassification(d *types.VirtualDocument, seg ai.SegmentClassification) {
	d.DocType = seg.Type
	if t := strings.TrimSpace(seg.Title); t != "" {
		d.Title = t
	}
	d.Language = strings.ToLower(strings.TrimSpace(seg.Language))
	d.Confidence = seg.Confidence
	if seg.Confidence < c.cfg.MinConfidence {
		d.Tags = append(d.Tags, TagNeedsReview)
	}
}

// normalizeSegments checks that segments cover pages 1..n contiguously
// without overlap. Invalid segmentations collapse into one segment carrying
// the most confident classification. Unknown types become "other" and
// confidences are clamped to [0, 1].
func normalizeSegments(segs []ai.SegmentClassification, n int) ([]ai.SegmentClassification, bool) {
	out := make([]ai.SegmentClassification, len(segs))
	copy(out, segs)
	for i := range out {
		if !types.ValidDocumentType(out[i].Type) {
			out[i].Type = types.DocOther
		}
		out[i].Confidence = clamp(out[i].Confidence)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartPage < out[j].StartPage })

	valid := len(out) > 0 && n > 0
	next := 1
	for _, s := range out {
		if !valid {
			break
		}
		if s.StartPage != next || s.EndPage < s.StartPage || s.EndPage > n {
			valid = false
		}
		next = s.EndPage + 1
	}
	if valid && next == n+1 {
		return out, true
	}

	best := ai.SegmentClassification{Type: types.DocOther}
	for i, s := range out {
		if i == 0 || s.Confidence > best.Confidence {
			best = s
		}
	}
	best.StartPage, best.EndPage = 1, n
	return []ai.SegmentClassification{best}, false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func joinPages(pages []ai.PageText) string {
	var parts []string
	for _, p := range pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// RunStage1_5 audits the rendered pages of a claimed document. At most
// MaxAuditPages pages are sent, starting from the first.
func (c *Canonizer) RunStage1_5(ctx context.Context, doc *types.VirtualDocument) (Outcome, error) {
	refs := types.ExpandRanges(doc.Pages)
	if len(refs) > c.cfg.MaxAuditPages {
		refs = refs[:c.cfg.MaxAuditPages]
	}
	audited := types.CompactRanges(refs)

	var pdf bytes.Buffer
	if err := c.extractPDF(ctx, audited, &pdf); err != nil {
		return "", err
	}

	pages, err := c.pageTexts(ctx, &types.VirtualDocument{Pages: audited})
	if err != nil {
		return "", err
	}

	resp, err := c.backend.Audit(ctx, ai.AuditRequest{
		PDF:       pdf.Bytes(),
		PageCount: len(refs),
		Pages:     pages,
		DocType:   doc.DocType,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errEmptyAnswer
	}

	result := resp.AuditResult
	result.BlankPages = validPages(result.BlankPages, len(refs))
	result.Quality = strings.ToLower(strings.TrimSpace(result.Quality))

	_, err = c.store.Complete(ctx, doc.UUID, types.Stage15, doc.LeaseOwner, func(d *types.VirtualDocument) {
		d.Audit = &result
	})
	if err != nil {
		return "", err
	}
	return OutcomeDone, nil
}

// extractPDF writes the pages in ranges as one PDF.
func (c *Canonizer) extractPDF(ctx context.Context, ranges []types.PageRange, w *bytes.Buffer) error {
	shas := make(map[string]string)
	var spans []vault.PageSpan
	for _, r := range ranges {
		sha, ok := shas[r.FileUUID]
		if !ok {
			pf, err := c.store.PhysicalFile(ctx, r.FileUUID)
			if err != nil {
				return fmt.Errorf("loading file %s: %w", r.FileUUID, err)
			}
			sha = pf.SHA256
			shas[r.FileUUID] = sha
		}
		if n := len(spans); n > 0 && spans[n-1].SHA256 == sha {
			spans[n-1].Pages = append(spans[n-1].Pages, r.Pages()...)
			continue
		}
		spans = append(spans, vault.PageSpan{SHA256: sha, Pages: r.Pages()})
	}
	return c.vault.ExtractSpans(ctx, spans, w)
}

func validPages(pages []int, n int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, p := range pages {
		if p >= 1 && p <= n && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// RunStage2 extracts structured data from a claimed document and marks it
// PROCESSED. The document is tagged with its type and the suggested tags.
func (c *Canonizer) RunStage2(ctx context.Context, doc *types.VirtualDocument) (Outcome, error) {
	pages, err := c.pageTexts(ctx, doc)
	if err != nil {
		return "", err
	}

	// A configured language is the user's reading language and wins over
	// the language the document is written in.
	lang := c.cfg.Language
	if lang == "" {
		lang = doc.Language
	}
	resp, err := c.backend.Extract(ctx, ai.ExtractRequest{
		Pages:      pages,
		DocType:    doc.DocType,
		Title:      doc.Title,
		Language:   lang,
		FieldHints: FieldHints(doc.DocType),
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errEmptyAnswer
	}

	sem := normalizeSemantic(resp.SemanticData)
	title := strings.TrimSpace(resp.Title)

	_, err = c.store.Complete(ctx, doc.UUID, types.Stage2, doc.LeaseOwner, func(d *types.VirtualDocument) {
		d.Semantic = &sem
		if title != "" {
			d.Title = title
		}
		if d.DocType != "" {
			d.Tags = append(d.Tags, string(d.DocType))
		}
		d.Tags = append(d.Tags, sem.SuggestedTags...)
	})
	if err != nil {
		return "", err
	}
	return OutcomeDone, nil
}

// fieldHints lists type-specific values worth extracting.
var fieldHints = map[types.DocumentType][]string{
	types.DocInvoice:       {"invoice_number", "customer_number", "billing_period", "payment_terms"},
	types.DocReceipt:       {"merchant", "payment_method", "items"},
	types.DocContract:      {"contract_number", "parties", "start_date", "end_date", "notice_period"},
	types.DocLetter:        {"subject"},
	types.DocBankStatement: {"account_number", "period_start", "period_end", "opening_balance", "closing_balance"},
	types.DocTax:           {"tax_year", "tax_id", "tax_office"},
	types.DocInsurance:     {"policy_number", "insurer", "coverage", "premium"},
	types.DocPayslip:       {"employer", "pay_period", "gross_pay", "net_pay"},
	types.DocMedical:       {"patient", "provider", "treatment_date"},
}

// FieldHints returns the extra fields Stage 2 asks for on documents of t.
func FieldHints(t types.DocumentType) []string {
	return fieldHints[t]
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	time.RFC3339,
}

// normalizeDate converts common date spellings to YYYY-MM-DD. Unparseable
// dates become empty. Slash dates are read day first.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func normalizeMoney(m *types.Money) *types.Money {
	if m == nil {
		return nil
	}
	out := *m
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	switch out.Currency {
	case "€":
		out.Currency = "EUR"
	case "$":
		out.Currency = "USD"
	case "£":
		out.Currency = "GBP"
	}
	return &out
}

// normalizeSemantic cleans an extraction result before it is stored.
func normalizeSemantic(sem types.SemanticData) types.SemanticData {
	sem.Sender = strings.TrimSpace(sem.Sender)
	sem.Recipient = strings.TrimSpace(sem.Recipient)
	sem.Reference = strings.TrimSpace(sem.Reference)
	sem.Summary = strings.TrimSpace(sem.Summary)
	sem.DocumentDate = normalizeDate(sem.DocumentDate)
	sem.DueDate = normalizeDate(sem.DueDate)
	sem.Amount = normalizeMoney(sem.Amount)
	sem.Tax = normalizeMoney(sem.Tax)
	sem.IBAN = strings.ToUpper(strings.Join(strings.Fields(sem.IBAN), ""))
	sem.SuggestedTags = store.NormalizeTags(sem.SuggestedTags)

	if len(sem.Fields) > 0 {
		fields := make(map[string]string, len(sem.Fields))
		for k, v := range sem.Fields {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				fields[k] = v
			}
		}
		sem.Fields = fields
	}
	if len(sem.Fields) == 0 {
		sem.Fields = nil
	}
	return sem
}
