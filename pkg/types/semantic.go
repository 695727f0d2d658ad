// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "fmt"

// AuditResult holds the Stage 1.5 visual audit of a document's pages.
type AuditResult struct {
	HasSignature   bool   `json:"has_signature" yaml:"has_signature"`
	HasStamp       bool   `json:"has_stamp" yaml:"has_stamp"`
	HasHandwriting bool   `json:"has_handwriting" yaml:"has_handwriting"`
	IsColor        bool   `json:"is_color" yaml:"is_color"`
	BlankPages     []int  `json:"blank_pages,omitempty" yaml:"blank_pages,omitempty"`
	Quality        string `json:"quality,omitempty" yaml:"quality,omitempty"`
	Notes          string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Flags returns short labels for the visual features found.
func (a *AuditResult) Flags() []string {
	if a == nil {
		return nil
	}
	var flags []string
	if a.HasSignature {
		flags = append(flags, "signed")
	}
	if a.HasStamp {
		flags = append(flags, "stamped")
	}
	if a.HasHandwriting {
		flags = append(flags, "handwritten")
	}
	if len(a.BlankPages) > 0 {
		flags = append(flags, "blank-pages")
	}
	if a.Quality == "poor" {
		flags = append(flags, "poor-scan")
	}
	return flags
}

// Money is an amount in a single currency. Currency is an ISO 4217 code.
type Money struct {
	Value    float64 `json:"value" yaml:"value"`
	Currency string  `json:"currency" yaml:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Value, m.Currency)
}

// SemanticData is the Stage 2 extraction result.
type SemanticData struct {
	Sender    string `json:"sender,omitempty" yaml:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty" yaml:"recipient,omitempty"`

	// DocumentDate and DueDate are YYYY-MM-DD or empty.
	DocumentDate string `json:"document_date,omitempty" yaml:"document_date,omitempty"`
	DueDate      string `json:"due_date,omitempty" yaml:"due_date,omitempty"`

	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Amount    *Money `json:"amount,omitempty" yaml:"amount,omitempty"`
	Tax       *Money `json:"tax,omitempty" yaml:"tax,omitempty"`
	IBAN      string `json:"iban,omitempty" yaml:"iban,omitempty"`
	Summary   string `json:"summary,omitempty" yaml:"summary,omitempty"`

	// Fields holds type-specific values that have no dedicated slot.
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`

	SuggestedTags []string `json:"suggested_tags,omitempty" yaml:"suggested_tags,omitempty"`
}
