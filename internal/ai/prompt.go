// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/pdiddy/docflow/pkg/types"
)

// maxPageChars bounds the text sent per page.
const maxPageChars = 4000

const systemPrompt = `You are a meticulous archivist for a personal document archive. You read scanned letters, invoices, receipts, contracts and statements and answer with a single JSON object and nothing else.`

var funcs = template.FuncMap{
	"join":  strings.Join,
	"clip":  clip,
	"types": types.DocumentTypes,
}

var classifyTmpl = template.Must(template.New("classify").Funcs(funcs).Parse(`The following pages were scanned together. A scan may contain several unrelated documents back to back, for example two invoices and a letter.

Decide where each document starts and ends, then classify each one.

For each document give:
- start_page and end_page: 1-based, inclusive. Documents must be contiguous, must not overlap and together must cover every page from 1 to {{len .Pages}}.
- type: one of {{range $i, $t := types}}{{if $i}}, {{end}}"{{$t}}"{{end}}
- title: a short descriptive title{{if .Language}} in language "{{.Language}}"{{end}}, e.g. "Electricity invoice March 2024 - City Power"
- language: the ISO 639-1 code of the document text
- confidence: a float between 0.0 and 1.0 for how sure you are about the boundaries and the type

Respond with {"documents": [...]}. If all pages belong to one document, return a single entry.

Example response:
{"documents": [{"start_page": 1, "end_page": 2, "type": "invoice", "title": "Internet invoice May 2024", "language": "en", "confidence": 0.93}]}

Pages:
{{range .Pages}}
--- page {{.Page}} ---
{{clip .Text}}
{{end}}`))

var auditTmpl = template.Must(template.New("audit").Funcs(funcs).Parse(`Inspect the attached {{.PageCount}}-page{{if .DocType}} {{.DocType}}{{end}} document visually and report:
- has_signature: a handwritten signature is present
- has_stamp: an ink or company stamp is present
- has_handwriting: handwritten notes other than a signature are present
- is_color: the scan is in color
- blank_pages: 1-based numbers of pages that are empty or nearly empty
- quality: "good", "fair" or "poor" scan quality
- notes: one short sentence on anything unusual, or ""

Example response:
{"has_signature": true, "has_stamp": false, "has_handwriting": false, "is_color": false, "blank_pages": [], "quality": "good", "notes": ""}
{{if .Pages}}
Text layer of the pages, for reference:
{{range .Pages}}
--- page {{.Page}} ---
{{clip .Text}}
{{end}}{{end}}`))

var extractTmpl = template.Must(template.New("extract").Funcs(funcs).Parse(`Extract structured data from this {{.DocType}}{{if .Title}} titled "{{.Title}}"{{end}}.

Fields:
- sender: the issuing person or organisation
- recipient: the addressee
- document_date: the date of issue as YYYY-MM-DD
- due_date: the payment or response deadline as YYYY-MM-DD, or ""
- reference: invoice, contract, policy or customer number
- amount: {"value": number, "currency": ISO 4217 code} for the total, or null
- tax: {"value": number, "currency": ISO 4217 code} for the included tax, or null
- iban: the IBAN to pay to, or ""
- summary: two sentences{{if .Language}} in language "{{.Language}}"{{end}} describing the document
- fields: an object of further string values{{if .FieldHints}}, in particular {{join .FieldHints ", "}}{{end}}
- suggested_tags: up to five lowercase, hyphenated labels useful for filing, e.g. "utilities", "car", "tax-2024"
- title: an improved short title, or ""

Leave out what the document does not state. Never invent values.

Example response:
{"sender": "City Power AG", "recipient": "Jane Doe", "document_date": "2024-03-01", "due_date": "2024-03-15", "reference": "INV-4711", "amount": {"value": 120.5, "currency": "EUR"}, "tax": null, "iban": "DE89370400440532013000", "summary": "Electricity invoice for February.", "fields": {"meter_number": "123456"}, "suggested_tags": ["utilities"], "title": ""}

Pages:
{{range .Pages}}
--- page {{.Page}} ---
{{clip .Text}}
{{end}}`))

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no text layer)"
	}
	if len(s) > maxPageChars {
		cut := maxPageChars
		// Keep the cut on a UTF-8 boundary.
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		return s[:cut] + " [...]"
	}
	return s
}
