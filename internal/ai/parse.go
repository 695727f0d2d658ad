// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	scratchpadRe = regexp.MustCompile(`(?s)<scratchpad>.*?</scratchpad>`)
	fenceRe      = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")
)

// decode extracts the JSON object from a model answer. An answer without
// a complete JSON object, such as a refusal or output cut off at the token
// limit, yields nil and no error.
func decode[T any](text string) (*T, error) {
	text = scratchpadRe.ReplaceAllString(text, "")
	if m := fenceRe.FindStringSubmatch(text); len(m) > 1 {
		text = m[1]
	}
	text = strings.TrimSpace(extractJSON(text))
	if text == "" || text == "{}" || !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON in model answer: %w (first 200 chars: %s)", err, truncate(text, 200))
	}
	return &v, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// decodeClassify also discards answers that name no document.
func decodeClassify(text string) (*ClassifyResponse, error) {
	resp, err := decode[ClassifyResponse](text)
	if err != nil || resp == nil || len(resp.Documents) == 0 {
		return nil, err
	}
	return resp, nil
}

func decodeAudit(text string) (*AuditResponse, error) {
	return decode[AuditResponse](text)
}

func decodeExtract(text string) (*ExtractResponse, error) {
	return decode[ExtractResponse](text)
}
