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

package transport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/secrets"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
)

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "taler-wallet", r.Header.Get("User-Agent"))
		json.NewEncoder(w).Encode(map[string]string{"hello": "world"})
	}))
	defer srv.Close()

	c := transport.NewHTTPClient(srv.Client())
	resp, err := c.Get(t.Context(), srv.URL, transport.WithHeader("User-Agent", "taler-wallet"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	var body map[string]string
	require.NoError(t, resp.JSON(&body))
	assert.Equal(t, "world", body["hello"])
}

func TestPostJSONSendsBodyOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 7, body["n"])
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := transport.NewHTTPClient(srv.Client())
	resp, err := c.PostJSON(t.Context(), srv.URL, map[string]int{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, 1, calls)
}

func TestBearerTokenIsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hunter2", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	c := transport.NewHTTPClient(srv.Client()).WithBearerToken(secrets.NewString("hunter2"))
	resp, err := c.Get(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestTransportErrorIsTyped(t *testing.T) {
	c := transport.NewHTTPClient(nil)
	_, err := c.PostJSON(t.Context(), "http://127.0.0.1:1/nothing", nil)
	assert.ErrorIs(t, err, transport.ErrTransport)
}
