package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrInvalidWithdrawal = errors.New("withdrawal needs a positive amount and bank details")
	ErrWithdrawalSettled = errors.New("withdrawal already settled")
)

type WithdrawalRequest struct {
	SellerID      int64
	Amount        decimal.Decimal
	BankCode      string
	AccountNumber string
	AccountName   string
}

func (r WithdrawalRequest) validate() error {
	if !r.Amount.IsPositive() ||
		strings.TrimSpace(r.BankCode) == "" ||
		strings.TrimSpace(r.AccountNumber) == "" ||
		strings.TrimSpace(r.AccountName) == "" {
		return ErrInvalidWithdrawal
	}
	return nil
}

// RequestWithdrawal reserves amount from the seller's available balance and
// records a pending withdrawal. The gateway transfer is started elsewhere and
// settled through CompleteWithdrawal or FailWithdrawal.
func (e *Engine) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.Withdrawal, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var withdrawal *models.Withdrawal
	err := database.WithRetry(ctx, e.db, e.txOpts, func(tx *sql.Tx) error {
		if _, err := store.EnsureWallet(ctx, tx, req.SellerID); err != nil {
			return err
		}

		if _, err := store.DebitAvailable(ctx, tx, req.SellerID, req.Amount); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				return ErrInsufficientFunds
			}
			return err
		}

		var err error
		withdrawal, err = store.InsertWithdrawal(ctx, tx, &models.Withdrawal{
			Reference:     "WD-" + uuid.NewString(),
			SellerID:      req.SellerID,
			Amount:        req.Amount,
			BankCode:      req.BankCode,
			AccountNumber: req.AccountNumber,
			AccountName:   req.AccountName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	logging.L(ctx, e.logger).Info("withdrawal requested",
		"reference", withdrawal.Reference,
		"seller_id", req.SellerID,
		"amount", req.Amount.String(),
	)
	return withdrawal, nil
}

// CompleteWithdrawal settles a pending withdrawal after the gateway confirms
// the transfer. Confirming an already completed withdrawal is a no-op.
func (e *Engine) CompleteWithdrawal(ctx context.Context, reference string) (*models.Withdrawal, error) {
	return e.settleWithdrawal(ctx, reference, models.WithdrawalStatusCompleted, "")
}

// FailWithdrawal marks a pending withdrawal failed and returns its amount to
// the available balance. Failing an already failed withdrawal is a no-op.
func (e *Engine) FailWithdrawal(ctx context.Context, reference, reason string) (*models.Withdrawal, error) {
	return e.settleWithdrawal(ctx, reference, models.WithdrawalStatusFailed, reason)
}

func (e *Engine) settleWithdrawal(ctx context.Context, reference string, to models.WithdrawalStatus, reason string) (*models.Withdrawal, error) {
	var (
		withdrawal *models.Withdrawal
		replay     bool
	)

	err := database.WithRetry(ctx, e.db, e.txOpts, func(tx *sql.Tx) error {
		replay = false

		var err error
		withdrawal, err = store.SettleWithdrawal(ctx, tx, reference, to, reason)
		if errors.Is(err, store.ErrWithdrawalSettled) {
			current, getErr := store.GetWithdrawalByReference(ctx, tx, reference)
			if getErr != nil {
				return getErr
			}
			if current.Status == to {
				withdrawal, replay = current, true
				return nil
			}
			return fmt.Errorf("%w: withdrawal %s is %s", ErrWithdrawalSettled, reference, current.Status)
		}
		if err != nil {
			return err
		}

		delta := store.WalletDelta{Withdrawn: withdrawal.Amount}
		if to == models.WithdrawalStatusFailed {
			delta = store.WalletDelta{Available: withdrawal.Amount}
		}
		_, err = store.ApplyWalletDelta(ctx, tx, withdrawal.SellerID, delta)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := logging.L(ctx, e.logger).With("reference", reference, "status", to)
	if replay {
		logger.Info("withdrawal already settled, ignoring")
		return withdrawal, nil
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
	logger.Info("withdrawal settled", "seller_id", withdrawal.SellerID, "amount", withdrawal.Amount.String())
	return withdrawal, nil
}

func (e *Engine) ListWithdrawals(ctx context.Context, sellerID int64, page, pageSize int) (*store.OffsetPage[models.Withdrawal], error) {
	return store.ListWithdrawals(ctx, e.db, sellerID, page, pageSize)
}
