// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event names emitted by the on-chain Bridge contract. The shapes below are
// a wire contract shared with the Solidity side and must not drift.
const (
	EventDeposit  = "Deposit"
	EventWithdraw = "Withdraw"
)

// bridgeABIJSON is the subset of the Bridge contract ABI the coordination
// plane consumes: the two transfer events, the withdraw entrypoint and the
// replay-protection view.
const bridgeABIJSON = `[
	{"type":"event","name":"Deposit","inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"targetChainId","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdraw","inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"sourceChainId","type":"uint256","indexed":false}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
		{"name":"token","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"sourceChainId","type":"uint256"},
		{"name":"signatures","type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"isProcessed","stateMutability":"view","inputs":[
		{"name":"messageHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"supportedTokens","stateMutability":"view","inputs":[
		{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

var bridgeABI = mustParseABI(bridgeABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("bad bridge abi: %v", err))
	}
	return parsed
}

// BridgeABI returns the parsed Bridge contract ABI.
func BridgeABI() abi.ABI {
	return bridgeABI
}

// EventTopic returns topic0 for a subscribed event name.
func EventTopic(name string) (common.Hash, error) {
	ev, ok := bridgeABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown bridge event %q", name)
	}
	return ev.ID, nil
}

// Log is one decoded Bridge event, normalized across Deposit and Withdraw.
// Sender and TargetChainID are only set for deposits, SourceChainID only
// for withdrawals.
type Log struct {
	Event       string
	ChainID     uint64
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	BlockHash   common.Hash

	Token     common.Address
	Sender    common.Address
	Recipient common.Address
	Amount    *big.Int
	Nonce     *big.Int

	SourceChainID *big.Int
	TargetChainID *big.Int
}

// IsNativeToken reports whether the log's token is the zero-address
// sentinel denoting the chain's native currency.
func (l *Log) IsNativeToken() bool {
	return l.Token == (common.Address{})
}

// DecodeBridgeLog turns a raw filtered log into a normalized bridge Log.
// The chain id is stamped by the caller; raw logs do not carry it.
func DecodeBridgeLog(chainID uint64, name string, raw types.Log) (Log, error) {
	lg := Log{
		Event:       name,
		ChainID:     chainID,
		TxHash:      raw.TxHash,
		LogIndex:    raw.Index,
		BlockNumber: raw.BlockNumber,
		BlockHash:   raw.BlockHash,
	}
	unpacked, err := bridgeABI.Unpack(name, raw.Data)
	if err != nil {
		return Log{}, NewTerminal(fmt.Errorf("decode %s data: %w", name, err))
	}
	switch name {
	case EventDeposit:
		if len(raw.Topics) != 4 {
			return Log{}, NewTerminal(fmt.Errorf("deposit log %s has %d topics, want 4", raw.TxHash, len(raw.Topics)))
		}
		if len(unpacked) != 3 {
			return Log{}, NewTerminal(fmt.Errorf("deposit log %s has %d data words, want 3", raw.TxHash, len(unpacked)))
		}
		lg.Token = common.BytesToAddress(raw.Topics[1].Bytes())
		lg.Sender = common.BytesToAddress(raw.Topics[2].Bytes())
		lg.Recipient = common.BytesToAddress(raw.Topics[3].Bytes())
		lg.Amount = unpacked[0].(*big.Int)
		lg.Nonce = unpacked[1].(*big.Int)
		lg.TargetChainID = unpacked[2].(*big.Int)
	case EventWithdraw:
		if len(raw.Topics) != 3 {
			return Log{}, NewTerminal(fmt.Errorf("withdraw log %s has %d topics, want 3", raw.TxHash, len(raw.Topics)))
		}
		if len(unpacked) != 3 {
			return Log{}, NewTerminal(fmt.Errorf("withdraw log %s has %d data words, want 3", raw.TxHash, len(unpacked)))
		}
		lg.Token = common.BytesToAddress(raw.Topics[1].Bytes())
		lg.Recipient = common.BytesToAddress(raw.Topics[2].Bytes())
		lg.Amount = unpacked[0].(*big.Int)
		lg.Nonce = unpacked[1].(*big.Int)
		lg.SourceChainID = unpacked[2].(*big.Int)
	default:
		return Log{}, NewTerminal(fmt.Errorf("unknown bridge event %q", name))
	}
	return lg, nil
}
