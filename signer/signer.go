// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package signer produces validator signatures over canonical withdrawal
// messages. The encoding mirrors the on-chain verifier
// (ecrecover over toEthSignedMessageHash(innerHash)) bit for bit and must
// never drift from it.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r||s||v with v normalized to {27,28}.
const SignatureLength = 65

var signedMessagePrefix = []byte("\x19Ethereum Signed Message:\n32")

// Signer holds the validator's secp256k1 key. It is immutable after
// construction and safe for concurrent use. The key never leaves process
// memory and must never be logged.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New builds a Signer from a hex-encoded private key (with or without the
// 0x prefix).
func New(hexkey string) (*Signer, error) {
	if len(hexkey) >= 2 && hexkey[0:2] == "0x" {
		hexkey = hexkey[2:]
	}
	key, err := crypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, fmt.Errorf("invalid validator key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewFromKey wraps an already-parsed key. Used by tests and key managers.
func NewFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the validator address recovered signatures must match.
func (s *Signer) Address() common.Address {
	return s.address
}

// Key exposes the underlying key for transaction signing by the chain
// client. Callers must not log or persist it.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// MessageHash computes the inner keccak256 commitment over the packed
// withdrawal tuple:
//
//	keccak256(token ‖ recipient ‖ amount ‖ nonce ‖ sourceChainId ‖ targetChainId)
//
// with addresses packed to 20 bytes and integers to 32. This is the
// messageHash the Bridge contract marks processed, a pure function of its
// inputs.
func MessageHash(token, recipient common.Address, amount, nonce *big.Int, sourceChainID, targetChainID uint64) common.Hash {
	return crypto.Keccak256Hash(
		token.Bytes(),
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(nonce.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(sourceChainID).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(targetChainID).Bytes(), 32),
	)
}

// Digest applies the Ethereum Signed Message prefix to an inner hash.
// Validators sign this, not the inner hash itself.
func Digest(inner common.Hash) common.Hash {
	return crypto.Keccak256Hash(signedMessagePrefix, inner.Bytes())
}

// Sign produces the 65-byte recoverable signature over the prefixed
// digest, with v normalized to {27,28} as the contract expects.
func (s *Signer) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	// crypto.Sign yields v in {0,1}.
	sig[64] += 27
	return sig, nil
}

// SignWithdrawal is the end-to-end helper: inner hash, prefix, sign.
// It returns the inner message hash alongside the signature so callers can
// run the on-chain isProcessed check with the same value that was signed.
func (s *Signer) SignWithdrawal(token, recipient common.Address, amount, nonce *big.Int, sourceChainID, targetChainID uint64) (common.Hash, []byte, error) {
	inner := MessageHash(token, recipient, amount, nonce, sourceChainID, targetChainID)
	sig, err := s.Sign(Digest(inner))
	if err != nil {
		return common.Hash{}, nil, err
	}
	return inner, sig, nil
}

// Verify reports whether sig over digest recovers to expected. It accepts
// v in {0,1} as well as the normalized {27,28}.
func Verify(digest common.Hash, sig []byte, expected common.Address) (bool, error) {
	if len(sig) != SignatureLength {
		return false, fmt.Errorf("signature length %d, want %d", len(sig), SignatureLength)
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return false, errors.New("invalid recovery id")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub) == expected, nil
}
