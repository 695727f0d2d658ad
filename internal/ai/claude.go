// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pdiddy/docflow/pkg/types"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-sonnet-4-5-20250929"

const claudeMaxTokens = 4096

// ClaudeBackend calls the Anthropic Messages API.
type ClaudeBackend struct {
	client anthropic.Client
	model  string
}

// NewClaudeBackend builds a client from cfg. The SDK's own retries are
// disabled; WithRetry handles them.
func NewClaudeBackend(cfg types.AIConfig) (*ClaudeBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured: set ai.api_key, DOCFLOW_AI_API_KEY or .secrets/anthropic-api-key")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultClaudeModel
	}
	return &ClaudeBackend{client: anthropic.NewClient(opts...), model: model}, nil
}

// Name implements Backend.
func (c *ClaudeBackend) Name() string { return "claude/" + c.model }

// Classify implements Backend.
func (c *ClaudeBackend) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	prompt, err := render(classifyTmpl, req)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	text, err := c.send(ctx, anthropic.NewTextBlock(prompt))
	if err != nil {
		return nil, err
	}
	return decodeClassify(text)
}

// Audit implements Backend. The pages travel as a PDF document block.
func (c *ClaudeBackend) Audit(ctx context.Context, req AuditRequest) (*AuditResponse, error) {
	if len(req.PDF) == 0 {
		return nil, fmt.Errorf("audit request has no PDF")
	}
	prompt, err := render(auditTmpl, req)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	doc := anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
		Data: base64.StdEncoding.EncodeToString(req.PDF),
	})
	text, err := c.send(ctx, doc, anthropic.NewTextBlock(prompt))
	if err != nil {
		return nil, err
	}
	return decodeAudit(text)
}

// Extract implements Backend.
func (c *ClaudeBackend) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	prompt, err := render(extractTmpl, req)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	text, err := c.send(ctx, anthropic.NewTextBlock(prompt))
	if err != nil {
		return nil, err
	}
	return decodeExtract(text)
}

func (c *ClaudeBackend) send(ctx context.Context, blocks ...anthropic.ContentBlockParamUnion) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, ""), nil
}
