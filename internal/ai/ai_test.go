// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/docflow/internal/httputil"
	"github.com/pdiddy/docflow/pkg/types"
)

func init() {
	backoffBase = time.Millisecond
	httputil.RetryBaseDelay = time.Millisecond
}

// --- parsing ---

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantNil bool
		wantErr bool
		want    string
	}{
		{name: "plain", text: `{"title":"A"}`, want: "A"},
		{name: "fenced", text: "Here you go:\n```json\n{\"title\":\"B\"}\n```", want: "B"},
		{name: "scratchpad", text: "<scratchpad>{\"title\":\"no\"}</scratchpad>\n{\"title\":\"C\"}", want: "C"},
		{name: "prose around", text: `The answer is {"title":"D"} as requested.`, want: "D"},
		{name: "empty", text: "   ", wantNil: true},
		{name: "empty object", text: "{}", wantNil: true},
		{name: "refusal", text: "I cannot read this document.", wantNil: true},
		{name: "broken", text: `{"title": "E"`, wantNil: true},
		{name: "invalid", text: `{"title": 5}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decode[ExtractResponse](tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Title)
		})
	}
}

func TestDecodeClassifyWithoutDocuments(t *testing.T) {
	got, err := decodeClassify(`{"documents": []}`)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeEmbeddedFields(t *testing.T) {
	audit, err := decodeAudit(`{"has_signature": true, "blank_pages": [3], "quality": "poor"}`)
	require.NoError(t, err)
	require.NotNil(t, audit)
	assert.Equal(t, []string{"signed", "blank-pages", "poor-scan"}, audit.AuditResult.Flags())

	ext, err := decodeExtract(`{"sender": "ACME", "amount": {"value": 12.5, "currency": "eur"}, "title": "Better"}`)
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.Equal(t, "ACME", ext.Sender)
	assert.Equal(t, 12.5, ext.Amount.Value)
	assert.Equal(t, "Better", ext.Title)
}

// --- prompts ---

func TestClassifyPrompt(t *testing.T) {
	prompt, err := render(classifyTmpl, ClassifyRequest{
		Pages:    []PageText{{Page: 1, Text: "Invoice 42"}, {Page: 2, Text: ""}},
		Language: "de",
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "--- page 1 ---\nInvoice 42")
	assert.Contains(t, prompt, "--- page 2 ---\n(no text layer)")
	assert.Contains(t, prompt, "every page from 1 to 2")
	assert.Contains(t, prompt, `"bank_statement"`)
	assert.Contains(t, prompt, `in language "de"`)
}

func TestExtractPromptHints(t *testing.T) {
	prompt, err := render(extractTmpl, ExtractRequest{
		DocType:    types.DocInvoice,
		Title:      "Gas",
		FieldHints: []string{"invoice_number", "billing_period"},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "this invoice titled \"Gas\"")
	assert.Contains(t, prompt, "in particular invoice_number, billing_period")
}

func TestClip(t *testing.T) {
	long := strings.Repeat("ä", maxPageChars)
	got := clip(long)
	assert.True(t, strings.HasSuffix(got, " [...]"))
	assert.LessOrEqual(t, len(got), maxPageChars+len(" [...]"))
	assert.True(t, strings.HasPrefix(got, "ää"))
}

// --- Claude ---

func claudeServer(t *testing.T, answer string, bodies *[]string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		if bodies != nil {
			*bodies = append(*bodies, string(data))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_01",
			"type":          "message",
			"role":          "assistant",
			"model":         DefaultClaudeModel,
			"content":       []map[string]any{{"type": "text", "text": answer}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClaudeClassify(t *testing.T) {
	var bodies []string
	ts := claudeServer(t, "```json\n{\"documents\":[{\"start_page\":1,\"end_page\":1,\"type\":\"invoice\",\"title\":\"Gas\",\"language\":\"en\",\"confidence\":0.9},{\"start_page\":2,\"end_page\":2,\"type\":\"letter\",\"title\":\"Hi\",\"language\":\"en\",\"confidence\":0.8}]}\n```", &bodies)

	b, err := NewClaudeBackend(types.AIConfig{APIKey: "test-key", BaseURL: ts.URL})
	require.NoError(t, err)
	assert.Equal(t, "claude/"+DefaultClaudeModel, b.Name())

	resp, err := b.Classify(context.Background(), ClassifyRequest{
		Pages: []PageText{{Page: 1, Text: "Gas invoice"}, {Page: 2, Text: "Dear Jane"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, types.DocInvoice, resp.Documents[0].Type)
	assert.Equal(t, 2, resp.Documents[1].StartPage)

	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "Dear Jane")
	assert.Contains(t, bodies[0], DefaultClaudeModel)
}

func TestClaudeAuditSendsPDF(t *testing.T) {
	var bodies []string
	ts := claudeServer(t, `{"has_stamp": true, "quality": "good"}`, &bodies)

	b, err := NewClaudeBackend(types.AIConfig{APIKey: "test-key", BaseURL: ts.URL, Model: "claude-test"})
	require.NoError(t, err)

	resp, err := b.Audit(context.Background(), AuditRequest{PDF: []byte("%PDF-1.4 fake"), PageCount: 1})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.HasStamp)

	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "document")
	assert.Contains(t, bodies[0], "application/pdf")
	assert.Contains(t, bodies[0], base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake")))
	assert.Contains(t, bodies[0], "claude-test")

	_, err = b.Audit(context.Background(), AuditRequest{})
	assert.Error(t, err)
}

func TestClaudeEmptyAnswerIsNil(t *testing.T) {
	ts := claudeServer(t, "", nil)
	b, err := NewClaudeBackend(types.AIConfig{APIKey: "test-key", BaseURL: ts.URL})
	require.NoError(t, err)

	resp, err := b.Extract(context.Background(), ExtractRequest{DocType: types.DocLetter})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestClaudeRequiresKey(t *testing.T) {
	_, err := NewClaudeBackend(types.AIConfig{})
	assert.Error(t, err)
}

func TestClaudeAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer ts.Close()

	b, err := NewClaudeBackend(types.AIConfig{APIKey: "test-key", BaseURL: ts.URL})
	require.NoError(t, err)
	_, err = b.Classify(context.Background(), ClassifyRequest{Pages: []PageText{{Page: 1, Text: "x"}}})
	assert.Error(t, err)
}

// --- Ollama ---

func TestOllamaExtract(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		assert.Equal(t, "mistral", req.Model)
		assert.Contains(t, req.Prompt, "Water bill")

		json.NewEncoder(w).Encode(ollamaResponse{
			Response: `{"sender": "Water Works", "document_date": "2024-02-01"}`,
			Done:     true,
		})
	}))
	defer ts.Close()

	b, err := NewOllamaBackend(types.AIConfig{Provider: types.ProviderOllama, Model: "mistral", BaseURL: ts.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/mistral", b.Name())

	resp, err := b.Extract(context.Background(), ExtractRequest{
		DocType: types.DocInvoice,
		Pages:   []PageText{{Page: 1, Text: "Water bill"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Water Works", resp.Sender)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOllamaServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer ts.Close()

	b, err := NewOllamaBackend(types.AIConfig{BaseURL: ts.URL})
	require.NoError(t, err)
	_, err = b.Audit(context.Background(), AuditRequest{PageCount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

// --- New and retries ---

func TestNewSelectsProvider(t *testing.T) {
	b, err := New(types.AIConfig{Provider: types.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "ollama/"+DefaultOllamaModel, b.Name())

	b, err = New(types.AIConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "claude/"+DefaultClaudeModel, b.Name())

	_, err = New(types.AIConfig{Provider: "gpt"})
	assert.Error(t, err)
}

type flakyBackend struct {
	failures int32
	calls    int32
	resp     *ClassifyResponse
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Classify(_ context.Context, _ ClassifyRequest) (*ClassifyResponse, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return nil, errors.New("overloaded")
	}
	return f.resp, nil
}

func (f *flakyBackend) Audit(context.Context, AuditRequest) (*AuditResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, nil
}

func (f *flakyBackend) Extract(context.Context, ExtractRequest) (*ExtractResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, errors.New("always failing")
}

func TestWithRetryRecovers(t *testing.T) {
	f := &flakyBackend{failures: 2, resp: &ClassifyResponse{Documents: []SegmentClassification{{StartPage: 1, EndPage: 1}}}}
	resp, err := WithRetry(f, 3).Classify(context.Background(), ClassifyRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Documents, 1)
	assert.Equal(t, int32(3), f.calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	f := &flakyBackend{}
	_, err := WithRetry(f, 2).Extract(context.Background(), ExtractRequest{})
	assert.EqualError(t, err, "always failing")
	assert.Equal(t, int32(3), f.calls)
}

func TestWithRetryPassesNilThrough(t *testing.T) {
	f := &flakyBackend{}
	resp, err := WithRetry(f, 3).Audit(context.Background(), AuditRequest{})
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(1), f.calls)
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	old := backoffBase
	backoffBase = time.Second
	defer func() { backoffBase = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f := &flakyBackend{failures: 10}
	_, err := WithRetry(f, 5).Classify(ctx, ClassifyRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
