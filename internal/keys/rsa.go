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

package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

func ParseX509PKCS1PrivateKeyFromBase64PEM(b64Val string) (*rsa.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(b64Val)
	if err != nil {
		return nil, err
	}

	return ParseX509PKCS1PrivateKeyFromPEM(string(b))
}

func ParseX509PKCS1PrivateKeyFromPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privKey, nil
}

// ParseAllX509PKCS1PrivateKeysFromPEM parses every private key block in
// a PEM bundle, in order.
func ParseAllX509PKCS1PrivateKeysFromPEM(pemStr string) ([]*rsa.PrivateKey, error) {
	var out []*rsa.PrivateKey
	rest := []byte(pemStr)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %d: %w", len(out), err)
		}
		out = append(out, privKey)
	}
	if len(out) == 0 {
		return nil, errors.New("no PEM blocks found")
	}
	return out, nil
}
