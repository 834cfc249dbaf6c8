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

// Package transporttest provides an in-process transport.Client for
// tests: handlers are registered per method and URL prefix, requests
// never leave the process, and every exchange is recorded.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
)

// Request is what a handler receives. Timeout carries the per-request
// deadline the caller asked for, so tests can assert it was set.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Timeout time.Duration
}

// JSON unmarshals the request body into v.
func (r *Request) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Handler produces the response for a matched request. Returning an
// error simulates a transport-level failure.
type Handler func(ctx context.Context, req Request) (*transport.Response, error)

// Client is a fake transport.Client backed by registered handlers.
// Longest matching prefix wins.
type Client struct {
	mu       sync.Mutex
	handlers map[string][]route
	log      []Request
}

type route struct {
	prefix  string
	handler Handler
}

var _ transport.Client = (*Client)(nil)

// NewClient returns a fake client with no routes.
func NewClient() *Client {
	return &Client{handlers: make(map[string][]route)}
}

// Handle registers a handler for requests whose URL starts with prefix.
func (c *Client) Handle(method, prefix string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = append(c.handlers[method], route{prefix: prefix, handler: h})
}

// HandleJSON registers a handler that always responds 200 with the JSON
// encoding of v.
func (c *Client) HandleJSON(method, prefix string, v any) {
	c.Handle(method, prefix, func(ctx context.Context, req Request) (*transport.Response, error) {
		return JSONResponse(http.StatusOK, v)
	})
}

// Requests returns a copy of every request seen so far.
func (c *Client) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Client) dispatch(ctx context.Context, req Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	c.mu.Lock()
	c.log = append(c.log, req)
	var best *route
	for i, r := range c.handlers[req.Method] {
		if strings.HasPrefix(req.URL, r.prefix) && (best == nil || len(r.prefix) > len(best.prefix)) {
			best = &c.handlers[req.Method][i]
		}
	}
	c.mu.Unlock()

	if best == nil {
		return nil, fmt.Errorf("%w: no handler for %s %s", transport.ErrTransport, req.Method, req.URL)
	}
	return best.handler(ctx, req)
}

func (c *Client) Get(ctx context.Context, url string, opts ...transport.Option) (*transport.Response, error) {
	o := transport.Apply(opts)
	return c.dispatch(ctx, Request{Method: http.MethodGet, URL: url, Timeout: o.Timeout})
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, opts ...transport.Option) (*transport.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	o := transport.Apply(opts)
	return c.dispatch(ctx, Request{Method: http.MethodPost, URL: url, Body: payload, Timeout: o.Timeout})
}

// JSONResponse builds a transport.Response with a JSON body.
func JSONResponse(status int, v any) (*transport.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response body: %w", err)
	}
	return &transport.Response{Status: status, Body: body}, nil
}
