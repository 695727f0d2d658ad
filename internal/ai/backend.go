// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ai talks to the language models that classify, audit and extract
// documents. Each provider implements Backend; the Canonizer only sees the
// interface, so tests supply a mock.
//
// A Backend method that returns a nil response with a nil error means the
// model answered but produced nothing usable. Callers treat that as a
// transient failure and retry the document later.
package ai

import (
	"context"
	"fmt"

	"github.com/pdiddy/docflow/pkg/types"
)

// Backend abstracts the AI service.
type Backend interface {
	// Name identifies the provider and model in logs.
	Name() string

	// Classify determines how many documents the pages contain and
	// classifies each one.
	Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error)

	// Audit inspects the rendered pages for visual features.
	Audit(ctx context.Context, req AuditRequest) (*AuditResponse, error)

	// Extract pulls structured data out of a classified document.
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// PageText is the text layer of one page. Page is 1-based within the
// document being processed, not within the physical file.
type PageText struct {
	Page int
	Text string
}

// ClassifyRequest holds the input for Stage 1.
type ClassifyRequest struct {
	Pages []PageText

	// Language is the preferred language for titles.
	Language string
}

// SegmentClassification describes one document found among the pages.
type SegmentClassification struct {
	StartPage  int                `json:"start_page"`
	EndPage    int                `json:"end_page"`
	Type       types.DocumentType `json:"type"`
	Title      string             `json:"title"`
	Language   string             `json:"language"`
	Confidence float64            `json:"confidence"`
}

// ClassifyResponse is the Stage 1 answer. More than one segment means the
// pages hold several documents.
type ClassifyResponse struct {
	Documents []SegmentClassification `json:"documents"`
}

// AuditRequest holds the input for Stage 1.5.
type AuditRequest struct {
	// PDF contains the pages to inspect.
	PDF []byte

	// PageCount is the number of pages in PDF.
	PageCount int

	// Pages carries the text layer; backends that cannot read PDFs use it.
	Pages []PageText

	DocType types.DocumentType
}

// AuditResponse is the Stage 1.5 answer.
type AuditResponse struct {
	types.AuditResult
}

// ExtractRequest holds the input for Stage 2.
type ExtractRequest struct {
	Pages    []PageText
	DocType  types.DocumentType
	Title    string
	Language string

	// FieldHints name the type-specific values worth extracting.
	FieldHints []string
}

// ExtractResponse is the Stage 2 answer.
type ExtractResponse struct {
	types.SemanticData

	// Title optionally improves the Stage 1 title.
	Title string `json:"title,omitempty"`
}

// New returns the backend selected by cfg.Provider, wrapped with retries.
func New(cfg types.AIConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Provider {
	case types.ProviderClaude, "":
		b, err = NewClaudeBackend(cfg)
	case types.ProviderOllama:
		b, err = NewOllamaBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown AI provider %q: use claude or ollama", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return WithRetry(b, maxRetries), nil
}
