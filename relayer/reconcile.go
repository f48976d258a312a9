// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package relayer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/spanbridge/spanbridge/chain"
	"github.com/spanbridge/spanbridge/signer"
	"github.com/spanbridge/spanbridge/store"
)

// Reconcile sweeps rows left in relaying by a previous run (crash or
// shutdown mid-submission, or collect-mode signatures awaiting pickup) and
// completes those whose withdrawal is visible in the target chain's replay
// map. Rows that are genuinely stuck stay in relaying for operator
// inspection; nothing is ever auto-failed here.
func Reconcile(ctx context.Context, st Store, targets map[uint64]chain.Client) error {
	logger := log.New("role", "relayer")
	rows, err := st.TxsByStatus(ctx, store.StatusRelaying, 100)
	if err != nil {
		return fmt.Errorf("load relaying rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	logger.Info("Reconciling interrupted withdrawals", "count", len(rows))

	for _, row := range rows {
		target, ok := targets[row.TargetChainID]
		if !ok {
			logger.Warn("Relaying row for unconfigured target chain", "tx", row.SourceTxHash, "chain", row.TargetChainID)
			continue
		}
		amount, ok := new(big.Int).SetString(row.Amount, 10)
		if !ok {
			logger.Error("Relaying row has unparseable amount", "tx", row.SourceTxHash, "amount", row.Amount)
			continue
		}
		inner := signer.MessageHash(
			common.HexToAddress(row.Token),
			common.HexToAddress(row.Recipient),
			amount,
			new(big.Int).SetUint64(row.Nonce),
			row.SourceChainID,
			row.TargetChainID,
		)
		processed, err := target.IsProcessed(ctx, inner)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Reconcile check failed", "tx", row.SourceTxHash, "target", target.Name(), "err", err)
			continue
		}
		if !processed {
			logger.Info("Leaving row in relaying, withdrawal not on chain", "tx", row.SourceTxHash)
			continue
		}
		if err := st.MarkTxCompleted(ctx, row.SourceTxHash, ""); err != nil {
			return err
		}
		logger.Info("Reconciled withdrawal to completed", "tx", row.SourceTxHash, "target", target.Name())
	}
	return nil
}
