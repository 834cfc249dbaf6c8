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
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/cloudflare/circl/blindsign/blindrsa/partiallyblindrsa"
	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/crock"
)

var hashFunc = crypto.SHA384.HashFunc()

// The Verify function assumes a salt of length hashFunc.Size(), so we provide a correct length salt initialized to all zeros.
// We do not need a salt because the coin planchet already contains sufficient randomness for security.
var zeroSalt = make([]byte, hashFunc.Size())

// Local is a Provider backed by in-process cryptography.
type Local struct {
	// mu prevents a panic that can happen when verifier.FixedBlind is
	// called concurrently.
	mu sync.Mutex
}

// NewLocal returns a Provider that performs all operations in process.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) CreateEddsaKeypair() (EddsaKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return EddsaKeypair{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return EddsaKeypair{
		Pub:  crock.Encode(pub),
		Priv: crock.Encode(priv.Seed()),
	}, nil
}

func (l *Local) EddsaSign(priv string, msg []byte) (string, error) {
	seed, err := crock.Decode(priv)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: eddsa private key", ErrInvalidKey)
	}
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(seed), msg)
	return crock.Encode(sig), nil
}

func (l *Local) EddsaVerify(pub string, msg []byte, sig string) error {
	pubBytes, err := crock.Decode(pub)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: eddsa public key", ErrInvalidKey)
	}
	sigBytes, err := crock.Decode(sig)
	if err != nil {
		return fmt.Errorf("%w: eddsa signature encoding", ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), msg, sigBytes) {
		return fmt.Errorf("%w: eddsa", ErrBadSignature)
	}
	return nil
}

func (l *Local) Hash(data []byte) []byte {
	h := sha512.Sum512(data)
	return h[:]
}

func (l *Local) NewBlindingFactor(denomPub *rsa.PublicKey) (BlindingFactor, error) {
	r, rInv, err := generateBlindingFactor(denomPub.N)
	if err != nil {
		return BlindingFactor{}, fmt.Errorf("failed to generate blinding factor: %w", err)
	}
	return BlindingFactor{
		R:    crock.Encode(r.Bytes()),
		RInv: crock.Encode(rInv.Bytes()),
	}, nil
}

func (l *Local) Blind(ctx context.Context, msg, metadata []byte, denomPub *rsa.PublicKey, factor BlindingFactor) ([]byte, BlindingState, error) {
	r, err := crock.Decode(factor.R)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: blinding factor", ErrInvalidKey)
	}
	rInv, err := crock.Decode(factor.RInv)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: blinding factor inverse", ErrInvalidKey)
	}

	verifier := partiallyblindrsa.NewVerifier(denomPub, hashFunc)

	// locking required to prevent a panic in FixedBlind.
	l.mu.Lock()
	blindedMessage, state, err := verifier.FixedBlind(msg, metadata, zeroSalt, r, rInv)
	l.mu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to blind message: %w", err)
	}

	return blindedMessage, &blindingState{state: state}, nil
}

func (l *Local) RsaVerify(msg, metadata, sig []byte, denomPub *rsa.PublicKey) error {
	verifier := partiallyblindrsa.NewVerifier(denomPub, hashFunc)
	if err := verifier.Verify(msg, metadata, sig); err != nil {
		return fmt.Errorf("%w: rsa blind signature: %v", ErrBadSignature, err)
	}
	return nil
}

type blindingState struct {
	mu        sync.Mutex
	finalized bool
	state     partiallyblindrsa.VerifierState
}

func (s *blindingState) Finalize(blindSig []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, fmt.Errorf("blinding state already finalized")
	}

	sig, err := s.state.Finalize(blindSig)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize: %w", err)
	}
	s.finalized = true
	return sig, nil
}

func generateBlindingFactor(n *big.Int) (*big.Int, *big.Int, error) {
	r, err := rand.Int(rand.Reader, n)
	if err != nil {
		return nil, nil, err
	}

	if r.Sign() == 0 {
		r.SetInt64(1)
	}
	rInv := new(big.Int).ModInverse(r, n)
	if rInv == nil {
		return nil, nil, blindrsa.ErrInvalidBlind
	}

	return r, rInv, nil
}

// DenomPubHash computes the canonical hash of a denomination public key:
// the Crockford encoding of the SHA-512 of the PKCS#1 key bytes.
func DenomPubHash(pub *rsa.PublicKey) string {
	der := x509.MarshalPKCS1PublicKey(pub)
	h := sha512.Sum512(der)
	return crock.Encode(h[:])
}

// EncodeDenomPub serializes a denomination public key for the wire.
func EncodeDenomPub(pub *rsa.PublicKey) string {
	return crock.Encode(x509.MarshalPKCS1PublicKey(pub))
}

// DecodeDenomPub parses a wire-encoded denomination public key.
func DecodeDenomPub(s string) (*rsa.PublicKey, error) {
	der, err := crock.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: denom pub encoding", ErrInvalidKey)
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: denom pub: %v", ErrInvalidKey, err)
	}
	return pub, nil
}
