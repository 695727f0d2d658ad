// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/pdiddy/docflow/internal/httputil"
	"github.com/pdiddy/docflow/pkg/types"
)

// DefaultOllamaURL is the local Ollama endpoint.
const DefaultOllamaURL = "http://localhost:11434"

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "llama3.1"

// OllamaBackend calls a local Ollama server. Ollama models read text only,
// so Audit works from the text layer and cannot see signatures or stamps
// reliably.
type OllamaBackend struct {
	baseURL    string
	model      string
	client     *http.Client
	maxRetries int
}

// NewOllamaBackend builds a backend from cfg.
func NewOllamaBackend(cfg types.AIConfig) (*OllamaBackend, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaBackend{
		baseURL:    baseURL,
		model:      model,
		client:     &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Name implements Backend.
func (o *OllamaBackend) Name() string { return "ollama/" + o.model }

type ollamaRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Classify implements Backend.
func (o *OllamaBackend) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	text, err := o.generate(ctx, classifyTmpl, req)
	if err != nil {
		return nil, err
	}
	return decodeClassify(text)
}

// Audit implements Backend.
func (o *OllamaBackend) Audit(ctx context.Context, req AuditRequest) (*AuditResponse, error) {
	text, err := o.generate(ctx, auditTmpl, req)
	if err != nil {
		return nil, err
	}
	return decodeAudit(text)
}

// Extract implements Backend.
func (o *OllamaBackend) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	text, err := o.generate(ctx, extractTmpl, req)
	if err != nil {
		return nil, err
	}
	return decodeExtract(text)
}

func (o *OllamaBackend) generate(ctx context.Context, tmpl *template.Template, data any) (string, error) {
	prompt, err := render(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}

	body, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		System: systemPrompt,
		Prompt: prompt,
		Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httputil.DoWithRetry(ctx, o.client, req, o.maxRetries)
	if err != nil {
		return "", fmt.Errorf("calling Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding Ollama response: %w", err)
	}
	return out.Response, nil
}
