// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport abstracts the HTTP surface the wallet talks to
// exchanges, merchants and banks through. The wallet core never touches
// net/http directly, which keeps operations testable against in-process
// fakes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrTransport indicates the request never produced an HTTP response
// (connection refused, timeout, context cancelled). Status-coded
// failures are not transport errors; callers inspect Response.Status.
var ErrTransport = errors.New("transport failure")

// Response is a completed HTTP exchange. Any status code is a valid
// Response; protocol-level failures are for the caller to interpret.
type Response struct {
	Status int
	Body   []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Text returns the body as a string, for error reporting.
func (r *Response) Text() string {
	return string(r.Body)
}

// Option adjusts a single request.
type Option func(*Options)

// Options collects per-request settings.
type Options struct {
	Timeout time.Duration
	Headers map[string]string
}

// WithTimeout bounds the whole request including retries.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// Apply folds opts into an Options value.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client issues requests on behalf of wallet operations.
//
// Contract:
//   - Get retries transient failures internally; by the time it returns
//     an error the failure is worth scheduling a wallet-level retry for.
//   - PostJSON sends exactly one attempt. Non-idempotent protocol steps
//     decide their own retry policy.
//   - Both honor ctx and the per-request timeout, whichever is sooner.
type Client interface {
	Get(ctx context.Context, url string, opts ...Option) (*Response, error)
	PostJSON(ctx context.Context, url string, body any, opts ...Option) (*Response, error)
}
