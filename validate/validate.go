// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package validate holds the stateless well-formedness predicates applied
// to bridge events and withdrawal parameters before any state is written.
// Validators accumulate every violation instead of short-circuiting so a
// single log line explains the whole rejection.
package validate

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	txHashRe    = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	signatureRe = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)
	addressRe   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// IsAddress reports whether s is a 20-byte hex address, either
// all-lowercase or with a valid EIP-55 checksum.
func IsAddress(s string) bool {
	if !addressRe.MatchString(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) {
		return true
	}
	// Mixed case must carry a correct checksum.
	return common.HexToAddress(s).Hex() == s
}

// IsTxHash reports whether s is a 32-byte hex transaction hash.
func IsTxHash(s string) bool {
	return txHashRe.MatchString(s)
}

// IsSignature reports whether s is a 65-byte hex signature.
func IsSignature(s string) bool {
	return signatureRe.MatchString(s)
}

// IsPositiveAmount reports whether s parses as a base-10 integer > 0.
func IsPositiveAmount(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0
}

// IsValidNonce reports whether s parses as a base-10 integer ≥ 0.
func IsValidNonce(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}

// Result carries the outcome of an accumulated validation.
type Result struct {
	Errors []string
}

// OK reports whether no violation was recorded.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

func (r Result) String() string {
	return strings.Join(r.Errors, "; ")
}

func (r *Result) fail(msg string) {
	r.Errors = append(r.Errors, msg)
}

// TransferParams are the fields every bridge transfer validation shares.
// Amount and Nonce are decimal strings; the zero address for Token denotes
// the native currency and is accepted.
type TransferParams struct {
	Token         string
	Recipient     string
	Amount        string
	Nonce         string
	SourceChainID uint64
	TargetChainID uint64
}

// ValidateTransferParams checks the shared withdrawal tuple.
func ValidateTransferParams(p TransferParams) Result {
	var r Result
	if !IsAddress(p.Token) {
		r.fail("token is not a valid address")
	}
	if !IsAddress(p.Recipient) {
		r.fail("recipient is not a valid address")
	}
	if !IsPositiveAmount(p.Amount) {
		r.fail("amount is not a positive integer")
	}
	if !IsValidNonce(p.Nonce) {
		r.fail("nonce is not a non-negative integer")
	}
	if p.SourceChainID == p.TargetChainID {
		r.fail("source and target chain must differ")
	}
	return r
}

// DepositParams is a decoded Deposit event under validation.
type DepositParams struct {
	TransferParams
	Sender      string
	TxHash      string
	BlockNumber uint64
}

// ValidateDepositParams checks a Deposit event before the relayer or
// indexer acts on it.
func ValidateDepositParams(p DepositParams) Result {
	r := ValidateTransferParams(p.TransferParams)
	if !IsAddress(p.Sender) {
		r.fail("sender is not a valid address")
	}
	if !IsTxHash(p.TxHash) {
		r.fail("tx hash is malformed")
	}
	if p.BlockNumber == 0 {
		r.fail("block number must be positive")
	}
	return r
}

// WithdrawParams is a decoded Withdraw event under validation.
type WithdrawParams struct {
	TransferParams
	TxHash      string
	BlockNumber uint64
}

// ValidateWithdrawParams checks a Withdraw event before the indexer
// records it.
func ValidateWithdrawParams(p WithdrawParams) Result {
	r := ValidateTransferParams(p.TransferParams)
	if !IsTxHash(p.TxHash) {
		r.fail("tx hash is malformed")
	}
	if p.BlockNumber == 0 {
		r.fail("block number must be positive")
	}
	return r
}
