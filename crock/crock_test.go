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

package crock

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKnown(t *testing.T) {
	assert.Equal(t, "", Encode(nil))
	assert.Equal(t, "00", Encode([]byte{0}))
	assert.Equal(t, "ZW", Encode([]byte{0xff}))
	assert.Equal(t, "91JPRV3F", Encode([]byte("Hello")))
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 31, 32, 33, 64} {
		data := make([]byte, n)
		_, err := rand.Read(data)
		require.NoError(t, err)
		back, err := Decode(Encode(data))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, back), "len %d", n)
	}
}

func TestDecodeAmbiguousLetters(t *testing.T) {
	want, err := Decode("0110")
	require.NoError(t, err)
	for _, s := range []string{"OIlO", "oilo", "0Il0", "O1LO"} {
		got, err := Decode(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
}

func TestDecodeLowercase(t *testing.T) {
	got, err := Decode("91jprv3f")
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), got)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	for _, s := range []string{"U", "!", "abcU", "A B"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidEncoding, s)
	}
}
