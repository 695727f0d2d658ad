// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"sort"
	"time"
)

// PhysicalFile is an immutable PDF stored in the content-addressed vault.
type PhysicalFile struct {
	// UUID identifies the file in the database.
	UUID string `json:"uuid" yaml:"uuid"`

	// SHA256 is the hex digest of the file bytes and the vault address.
	SHA256 string `json:"sha256" yaml:"sha256"`

	// OriginalFilename is the base name of the file at ingestion time.
	OriginalFilename string `json:"original_filename" yaml:"original_filename"`

	// VaultPath is the location of the file inside the vault.
	VaultPath string `json:"vault_path" yaml:"vault_path"`

	PageCount int   `json:"page_count" yaml:"page_count"`
	SizeBytes int64 `json:"size_bytes" yaml:"size_bytes"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// PageRef addresses a single page of a physical file. Page is 1-based.
type PageRef struct {
	FileUUID string `json:"file_uuid" yaml:"file_uuid"`
	Page     int    `json:"page" yaml:"page"`
}

// PageRange is an inclusive run of pages from one physical file.
type PageRange struct {
	FileUUID string `json:"file_uuid" yaml:"file_uuid"`
	Start    int    `json:"start" yaml:"start"`
	End      int    `json:"end" yaml:"end"`
}

// Len returns the number of pages in the range.
func (r PageRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Pages returns the 1-based page numbers covered by the range.
func (r PageRange) Pages() []int {
	pages := make([]int, 0, r.Len())
	for p := r.Start; p <= r.End; p++ {
		pages = append(pages, p)
	}
	return pages
}

func (r PageRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%s:%d", r.FileUUID, r.Start)
	}
	return fmt.Sprintf("%s:%d-%d", r.FileUUID, r.Start, r.End)
}

// ExpandRanges flattens ranges into individual page references, in order.
func ExpandRanges(ranges []PageRange) []PageRef {
	var refs []PageRef
	for _, r := range ranges {
		for _, p := range r.Pages() {
			refs = append(refs, PageRef{FileUUID: r.FileUUID, Page: p})
		}
	}
	return refs
}

// CompactRanges merges consecutive references to the same file into ranges.
// Order is preserved; a page that does not continue the previous run starts
// a new range.
func CompactRanges(refs []PageRef) []PageRange {
	var ranges []PageRange
	for _, ref := range refs {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if last.FileUUID == ref.FileUUID && last.End+1 == ref.Page {
				last.End = ref.Page
				continue
			}
		}
		ranges = append(ranges, PageRange{FileUUID: ref.FileUUID, Start: ref.Page, End: ref.Page})
	}
	return ranges
}

// PageCount returns the total number of pages across ranges.
func PageCount(ranges []PageRange) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// DocumentStatus is the Canonizer state of a virtual document.
type DocumentStatus string

const (
	StatusNew               DocumentStatus = "NEW"
	StatusStage1Processing  DocumentStatus = "STAGE1_PROCESSING"
	StatusStage1Done        DocumentStatus = "STAGE1_DONE"
	StatusStage15Processing DocumentStatus = "STAGE1_5_PROCESSING"
	StatusStage15Done       DocumentStatus = "STAGE1_5_DONE"
	StatusStage2Processing  DocumentStatus = "STAGE2_PROCESSING"
	StatusProcessed         DocumentStatus = "PROCESSED"
	StatusSplit             DocumentStatus = "SPLIT"
	StatusError             DocumentStatus = "ERROR"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []DocumentStatus{
	StatusNew,
	StatusStage1Processing,
	StatusStage1Done,
	StatusStage15Processing,
	StatusStage15Done,
	StatusStage2Processing,
	StatusProcessed,
	StatusSplit,
	StatusError,
}

// IsTerminal reports whether no stage will pick the document up again
// without a manual reset.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusSplit || s == StatusError
}

// ProcessingOf reports whether s is the status held while stage runs.
func (s DocumentStatus) ProcessingOf(stage Stage) bool {
	return s != "" && s == stage.Processing()
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s DocumentStatus) bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Stage identifies a Canonizer phase.
type Stage string

const (
	Stage1  Stage = "stage1"
	Stage15 Stage = "stage1_5"
	Stage2  Stage = "stage2"
)

// Stages lists the Canonizer phases in execution order.
var Stages = []Stage{Stage1, Stage15, Stage2}

// Input is the status a document must have for the stage to claim it.
func (s Stage) Input() DocumentStatus {
	switch s {
	case Stage1:
		return StatusNew
	case Stage15:
		return StatusStage1Done
	case Stage2:
		return StatusStage15Done
	}
	return ""
}

// Processing is the status held while the stage runs.
func (s Stage) Processing() DocumentStatus {
	switch s {
	case Stage1:
		return StatusStage1Processing
	case Stage15:
		return StatusStage15Processing
	case Stage2:
		return StatusStage2Processing
	}
	return ""
}

// Output is the status written when the stage succeeds.
func (s Stage) Output() DocumentStatus {
	switch s {
	case Stage1:
		return StatusStage1Done
	case Stage15:
		return StatusStage15Done
	case Stage2:
		return StatusProcessed
	}
	return ""
}

// ParseStage converts a CLI or config value to a Stage.
func ParseStage(v string) (Stage, error) {
	switch v {
	case "1", "stage1":
		return Stage1, nil
	case "1.5", "1_5", "stage1.5", "stage1_5":
		return Stage15, nil
	case "2", "stage2":
		return Stage2, nil
	}
	return "", fmt.Errorf("unknown stage %q: use 1, 1.5 or 2", v)
}

// DocumentType is the semantic class assigned by Stage 1.
type DocumentType string

const (
	DocInvoice       DocumentType = "invoice"
	DocReceipt       DocumentType = "receipt"
	DocContract      DocumentType = "contract"
	DocLetter        DocumentType = "letter"
	DocBankStatement DocumentType = "bank_statement"
	DocTax           DocumentType = "tax"
	DocInsurance     DocumentType = "insurance"
	DocPayslip       DocumentType = "payslip"
	DocMedical       DocumentType = "medical"
	DocOther         DocumentType = "other"
)

var validDocumentTypes = map[DocumentType]bool{
	DocInvoice:       true,
	DocReceipt:       true,
	DocContract:      true,
	DocLetter:        true,
	DocBankStatement: true,
	DocTax:           true,
	DocInsurance:     true,
	DocPayslip:       true,
	DocMedical:       true,
	DocOther:         true,
}

// ValidDocumentType reports whether t is a known document type.
func ValidDocumentType(t DocumentType) bool {
	return validDocumentTypes[t]
}

// DocumentTypes returns the known types sorted by name.
func DocumentTypes() []DocumentType {
	out := make([]DocumentType, 0, len(validDocumentTypes))
	for t := range validDocumentTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VirtualDocument is a logical document made of one or more page ranges.
type VirtualDocument struct {
	UUID   string         `json:"uuid" yaml:"uuid"`
	Status DocumentStatus `json:"status" yaml:"status"`
	Pages  []PageRange    `json:"pages" yaml:"pages"`

	// Stage 1 classification.
	DocType    DocumentType `json:"doc_type,omitempty" yaml:"doc_type,omitempty"`
	Title      string       `json:"title" yaml:"title"`
	Language   string       `json:"language,omitempty" yaml:"language,omitempty"`
	Confidence float64      `json:"confidence" yaml:"confidence"`

	// Stage 1.5 visual audit.
	Audit *AuditResult `json:"audit,omitempty" yaml:"audit,omitempty"`

	// Stage 2 semantic extraction.
	Semantic *SemanticData `json:"semantic,omitempty" yaml:"semantic,omitempty"`

	Tags []string `json:"tags" yaml:"tags"`

	// ParentUUID is set on documents produced by a split.
	ParentUUID string `json:"parent_uuid,omitempty" yaml:"parent_uuid,omitempty"`

	Attempts      int       `json:"attempts" yaml:"attempts"`
	LastError     string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`
	LeaseOwner    string    `json:"lease_owner,omitempty" yaml:"lease_owner,omitempty"`
	LeaseUntil    time.Time `json:"lease_until,omitempty" yaml:"lease_until,omitempty"`

	Deleted   bool      `json:"deleted" yaml:"deleted"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Text is the concatenated text layer of the document's pages.
	Text string `json:"-" yaml:"-"`
}

// PageCount returns the number of pages in the document.
func (d *VirtualDocument) PageCount() int {
	return PageCount(d.Pages)
}

// HasTag reports whether the document carries tag.
func (d *VirtualDocument) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// StageRun records one attempt of a stage on a document.
type StageRun struct {
	ID         int64     `json:"id" yaml:"id"`
	DocUUID    string    `json:"doc_uuid" yaml:"doc_uuid"`
	Stage      Stage     `json:"stage" yaml:"stage"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}
