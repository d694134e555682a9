// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/tomtom215/switchyard/internal/faults"
)

const (
	// maxDrainBytes bounds how much of an error body is read before closing
	// so the connection can be reused.
	maxDrainBytes = 64 << 10

	// MaxResponseBytes caps a successful response body. The body is read
	// inside the guarded call, whose context ends when the call returns.
	MaxResponseBytes = 10 << 20
)

// DoHTTP sends req through Call. Responses with status >= 400 are turned into
// *faults.HTTPStatusError, which makes 5xx, 408 and 429 retryable and other
// 4xx terminal. The returned body is buffered in memory up to
// MaxResponseBytes; closing it is optional.
//
// Requests with a body are retried only when req.GetBody is set, which
// http.NewRequest does for the common in-memory body types.
func (c *Client) DoHTTP(ctx context.Context, endpoint string, req *http.Request) (*http.Response, error) {
	var attempts atomic.Int32
	return Do(ctx, c, endpoint, func(ctx context.Context) (*http.Response, error) {
		r := req.Clone(ctx)
		if attempts.Add(1) > 1 && req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, faults.Terminal("http "+endpoint, fmt.Errorf("request body cannot be replayed"))
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, faults.Terminal("http "+endpoint, err)
			}
			r.Body = body
		}

		resp, err := c.httpClient.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, faults.Transient("http "+endpoint, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
			_ = resp.Body.Close()
			return nil, &faults.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		_ = resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, faults.Transient("http "+endpoint, fmt.Errorf("read body: %w", err))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	})
}
