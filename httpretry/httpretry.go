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

// Package httpretry wraps http.Client.Do with exponential backoff for
// transient failures. Requests with a body must have a GetBody so the
// body can be replayed on retry.
package httpretry

import (
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/delay"
)

// ShouldRetryFunc decides whether a response warrants a retry. It is
// only consulted for complete responses; transport errors always retry.
type ShouldRetryFunc func(resp *http.Response) bool

// Retry5xx retries any server-side error status.
func Retry5xx(resp *http.Response) bool {
	return resp.StatusCode >= 500
}

// Do performs the request with a default exponential backoff, retrying
// transport errors and 5xx responses until the request context expires.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	return DoWith(client, req, backoff.NewExponentialBackOff(), Retry5xx)
}

// DoWith performs the request under the given backoff policy. The
// request context bounds the total retry time.
func DoWith(client *http.Client, req *http.Request, bckoff backoff.BackOff, shouldRetry ShouldRetryFunc) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable")
	}

	bckoff = backoff.WithContext(bckoff, req.Context())
	bckoff.Reset()
	for {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := client.Do(req) //nolint:bodyclose // retried or returned to the caller
		switch {
		case err == nil && !shouldRetry(resp):
			return resp, nil
		case err == nil:
			resp.Body.Close()
			err = fmt.Errorf("retryable status %d", resp.StatusCode)
		}

		next := bckoff.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		if waitErr := delay.For(req.Context(), next); waitErr != nil {
			return nil, err
		}
	}
}
