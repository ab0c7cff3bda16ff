package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/store"
	"github.com/shopspring/decimal"
)

type Reconciliation struct {
	SellerID      int64           `json:"seller_id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Balanced      bool            `json:"balanced"`
}

// Reconcile compares a seller's wallet escrow balance with the sum of their
// open escrows, read from one snapshot.
func (e *Engine) Reconcile(ctx context.Context, sellerID int64) (*Reconciliation, error) {
	rec := &Reconciliation{SellerID: sellerID}

	opts := database.TxOptions{IsolationLevel: sql.LevelRepeatableRead, ReadOnly: true}
	err := database.WithTransaction(ctx, e.db, opts, func(tx *sql.Tx) error {
		wallet, err := store.GetWallet(ctx, tx, sellerID)
		switch {
		case errors.Is(err, database.ErrWalletNotFound):
			rec.WalletBalance = decimal.Zero
		case err != nil:
			return err
		default:
			rec.WalletBalance = wallet.EscrowBalance
		}

		rec.LedgerBalance, err = store.SumOpenEscrow(ctx, tx, sellerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec.Balanced = rec.WalletBalance.Equal(rec.LedgerBalance)
	if !rec.Balanced {
		logging.L(ctx, e.logger).Error("escrow balance drift",
			"seller_id", sellerID,
			"wallet_balance", rec.WalletBalance.String(),
			"ledger_balance", rec.LedgerBalance.String(),
		)
	}
	return rec, nil
}

// ReconcileAll reports every seller whose escrow balance has drifted from
// the ledger. Drift is logged for operators and never corrected here.
func (e *Engine) ReconcileAll(ctx context.Context) ([]store.EscrowDrift, error) {
	drift, err := store.ListEscrowDrift(ctx, e.db)
	if err != nil {
		return nil, err
	}

	metrics.ReconciliationDriftSellers.Set(float64(len(drift)))

	logger := logging.L(ctx, e.logger)
	for _, d := range drift {
		logger.Error("escrow balance drift",
			"seller_id", d.SellerID,
			"wallet_balance", d.WalletBalance.String(),
			"ledger_balance", d.LedgerBalance.String(),
		)
	}
	return drift, nil
}
