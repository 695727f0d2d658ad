// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers for the AI backends that talk to
// plain HTTP endpoints.
package httputil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// throttled responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 2 * time.Second

// MaxRetryAfter caps a server supplied Retry-After delay.
var MaxRetryAfter = 2 * time.Minute

const defaultMaxRetries = 5

// Retryable reports whether a status code signals a transient overload:
// 429 Too Many Requests or 503 Service Unavailable.
func Retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// DoWithRetry executes an HTTP request and retries throttled responses
// with exponential backoff. The delay starts at RetryBaseDelay and doubles
// each attempt, unless the server sent a Retry-After header in seconds.
//
// When maxRetries is 0 the default (5) is used. The body of a throttled
// response is drained and closed before sleeping. If the context is
// cancelled during a backoff wait the function returns ctx.Err(). After
// exhausting retries the last throttled response is returned so the caller
// can inspect it. The request body, if any, must be replayable through
// req.GetBody.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := client.Do(attemptReq)
		if err != nil {
			return nil, err
		}

		if !Retryable(resp.StatusCode) {
			return resp, nil
		}

		// Exhausted retries: return the throttled response as-is.
		if attempt >= maxRetries {
			return resp, nil
		}

		backoff := retryAfter(resp.Header.Get("Retry-After"))
		if backoff == 0 {
			backoff = RetryBaseDelay << attempt
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		slog.Debug("request throttled, retrying",
			"url", req.URL.Redacted(), "status", resp.StatusCode,
			"backoff", backoff, "attempt", attempt+1, "max_retries", maxRetries)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// retryAfter parses a Retry-After value given in seconds. HTTP dates and
// malformed values yield zero.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d
}
