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

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/httpfmt"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/httpretry"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/secrets"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
)

// maxResponseBytes caps how much of a response the wallet will buffer.
const maxResponseBytes = 16 << 20

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	client *http.Client
	auth   *secrets.String
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient wraps an http.Client. A nil client uses
// http.DefaultClient.
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{client: client}
}

// WithBearerToken returns a copy of the client that sends the token as
// an Authorization header on every request. The token stays wrapped in
// a secret so it cannot leak through logs or error values.
func (c *HTTPClient) WithBearerToken(token secrets.String) *HTTPClient {
	return &HTTPClient{client: c.client, auth: token.Copy()}
}

func (c *HTTPClient) Get(ctx context.Context, url string, opts ...Option) (*Response, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "transport.HTTPClient.Get")
	defer span.End()

	o := Apply(opts)
	ctx, cancel := withTimeout(ctx, o)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to build request: %w", err)
	}
	c.setHeaders(req, o)

	resp, err := httpretry.Do(c.client, req)
	if err != nil {
		return nil, otelutil.RecordError(span, fmt.Errorf("%w: GET %s: %v", ErrTransport, url, err))
	}
	return readResponse(resp)
}

func (c *HTTPClient) PostJSON(ctx context.Context, url string, body any, opts ...Option) (*Response, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "transport.HTTPClient.PostJSON")
	defer span.End()

	o := Apply(opts)
	ctx, cancel := withTimeout(ctx, o)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, otelutil.Errorf(span, "failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, o)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, otelutil.RecordError(span, fmt.Errorf("%w: POST %s: %v", ErrTransport, url, err))
	}
	return readResponse(resp)
}

func withTimeout(ctx context.Context, o Options) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func (c *HTTPClient) setHeaders(req *http.Request, o Options) {
	if c.auth != nil {
		req.Header.Set("Authorization", httpfmt.MakeAuthHeaderValue(string(c.auth.Bytes())))
	}
	for k, v := range o.Headers {
		req.Header.Set(k, v)
	}
}

func readResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}
