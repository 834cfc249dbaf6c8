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

package talercrypto

import (
	"crypto/rsa"
	"fmt"

	"github.com/cloudflare/circl/blindsign/blindrsa/partiallyblindrsa"
)

// DenomSigner performs the signing half of the blind-signature protocol.
// The wallet never signs; this exists for exchange implementations and
// test harnesses.
type DenomSigner struct {
	signer partiallyblindrsa.Signer
	pub    *rsa.PublicKey
}

// NewDenomSigner returns a signer for a denomination private key, or an
// error if the key is not safe for blind signing.
//
// The blind with metadata protocol used here requires the private key to
// be made of two safe primes, which means they are equal to 2*p + 1 and
// 2*q + 1 where p and q are also prime.
func NewDenomSigner(sk *rsa.PrivateKey) (*DenomSigner, error) {
	signer, err := partiallyblindrsa.NewSigner(sk, hashFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &DenomSigner{signer: signer, pub: &sk.PublicKey}, nil
}

// PublicKey returns the denomination public key.
func (s *DenomSigner) PublicKey() *rsa.PublicKey {
	return s.pub
}

// BlindSign signs a blinded message under the given metadata.
func (s *DenomSigner) BlindSign(blindedMessage, metadata []byte) ([]byte, error) {
	sig, err := s.signer.BlindSign(blindedMessage, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to sign blinded message: %w", err)
	}
	return sig, nil
}
