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

// Package talercrypto provides the cryptographic primitives the wallet
// depends on: EdDSA keypairs and signatures for reserves, coins and
// deposit permissions, SHA-512 hashing for contract and denomination
// hashes, and RSA blind signatures with public metadata for coin
// issuance. All byte values cross package boundaries in Crockford base32
// so they can be stored and sent as-is.
package talercrypto

import (
	"context"
	"crypto/rsa"
	"errors"
)

var (
	// ErrInvalidKey indicates key material that could not be decoded or
	// is unusable for the requested operation.
	ErrInvalidKey = errors.New("invalid key material")

	// ErrBadSignature indicates a signature that failed verification.
	ErrBadSignature = errors.New("signature verification failed")
)

// EddsaKeypair is an Ed25519 keypair with both halves encoded in
// Crockford base32.
type EddsaKeypair struct {
	Pub  string
	Priv string
}

// Provider is the cryptography contract the wallet core operates
// against.
//
// Contract:
//   - CreateEddsaKeypair returns a fresh keypair from a cryptographically
//     secure source. Keypairs are never reused across protocol roles.
//   - EddsaSign signs msg with the encoded private key and returns the
//     encoded signature; EddsaVerify checks it against the encoded public
//     key and returns ErrBadSignature on mismatch.
//   - Hash is SHA-512.
//   - NewBlindingFactor draws a fresh random blinding factor for the
//     given key. Factors are persisted with the planchet so an
//     interrupted withdrawal can rebuild the identical blinded message.
//   - Blind runs the blinding half of the blind-signature protocol with
//     an explicit factor and returns both the blinded message for the
//     signer and an opaque BlindingState. Blind is deterministic in
//     (msg, metadata, denomPub, factor). The state's Finalize unblinds
//     the signer's response into a signature verifiable with RsaVerify.
//     A BlindingState is single use.
//   - Implementations must be safe for concurrent use.
type Provider interface {
	CreateEddsaKeypair() (EddsaKeypair, error)
	EddsaSign(priv string, msg []byte) (string, error)
	EddsaVerify(pub string, msg []byte, sig string) error
	Hash(data []byte) []byte
	NewBlindingFactor(denomPub *rsa.PublicKey) (BlindingFactor, error)
	Blind(ctx context.Context, msg, metadata []byte, denomPub *rsa.PublicKey, factor BlindingFactor) ([]byte, BlindingState, error)
	RsaVerify(msg, metadata, sig []byte, denomPub *rsa.PublicKey) error
}

// BlindingFactor is a blinding value and its modular inverse, encoded
// for persistence.
type BlindingFactor struct {
	R    string `json:"r"`
	RInv string `json:"r_inv"`
}

// BlindingState carries the secret blinding factor between Blind and the
// arrival of the signer's blind signature.
type BlindingState interface {
	// Finalize unblinds blindSig into a plain signature over the original
	// message. It errors if called twice.
	Finalize(blindSig []byte) ([]byte, error)
}
