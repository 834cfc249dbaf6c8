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

package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortsKeysRecursively(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b": 1, "a": {"z": true, "y": [2, {"q": null, "p": "x"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[2,{"p":"x","q":null}],"z":true},"b":1}`, string(out))
}

func TestDeterministicAcrossKeyOrder(t *testing.T) {
	a, err := Canonicalize([]byte(`{"x": 1, "y": 2}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"y": 2, "x": 1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPreservesNumberLiterals(t *testing.T) {
	out, err := Canonicalize([]byte(`{"n": 12345678901234567890, "f": 0.1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"f":0.1,"n":12345678901234567890}`, string(out))
}

func TestIdempotent(t *testing.T) {
	once, err := Canonicalize([]byte(`{"b":[1,2,3],"a":"s"}`))
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestMarshalStruct(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	out, err := Marshal(inner{B: 2, A: "v"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"v","b":2}`, string(out))
}

func TestRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}
