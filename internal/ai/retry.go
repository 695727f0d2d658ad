// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ai

import (
	"context"
	"log/slog"
	"time"
)

// backoffBase controls the base duration for exponential backoff. Tests
// override this to avoid real sleeps.
var backoffBase = time.Second

// retrying retries failed calls of the wrapped backend. Empty answers are
// not retried here; they reach the caller as nil so the document is
// deferred instead of blocking a worker.
type retrying struct {
	next       Backend
	maxRetries int
}

// WithRetry wraps b so that calls failing with an error are retried up to
// maxRetries times with exponential backoff.
func WithRetry(b Backend, maxRetries int) Backend {
	return &retrying{next: b, maxRetries: maxRetries}
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	return callWithRetry(ctx, r.maxRetries, "classify", func() (*ClassifyResponse, error) {
		return r.next.Classify(ctx, req)
	})
}

func (r *retrying) Audit(ctx context.Context, req AuditRequest) (*AuditResponse, error) {
	return callWithRetry(ctx, r.maxRetries, "audit", func() (*AuditResponse, error) {
		return r.next.Audit(ctx, req)
	})
}

func (r *retrying) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	return callWithRetry(ctx, r.maxRetries, "extract", func() (*ExtractResponse, error) {
		return r.next.Extract(ctx, req)
	})
}

func callWithRetry[T any](ctx context.Context, maxRetries int, op string, call func() (*T, error)) (*T, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			slog.Debug("retrying AI call", "op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}
