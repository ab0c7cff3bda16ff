package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance means a debit would take available_balance
	// below zero.
	ErrInsufficientBalance = errors.New("insufficient available balance")
	// ErrNegativeEscrowBalance means a wallet's escrow balance would go below
	// zero, which only happens when the wallet has drifted from the ledger.
	ErrNegativeEscrowBalance = errors.New("escrow balance would go negative")
)

const walletColumns = `id, seller_id, available_balance, escrow_balance, total_earnings,
	total_withdrawn, status, last_activity_at, created_at, updated_at`

func scanWallet(row rowScanner) (*models.Wallet, error) {
	w := &models.Wallet{}
	var lastActivity sql.NullTime

	err := row.Scan(
		&w.ID,
		&w.SellerID,
		&w.AvailableBalance,
		&w.EscrowBalance,
		&w.TotalEarnings,
		&w.TotalWithdrawn,
		&w.Status,
		&lastActivity,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.LastActivityAt = timePtr(lastActivity)
	return w, nil
}

// EnsureWallet creates a zero-balance wallet for the seller if none exists
// and returns the stored one.
func EnsureWallet(ctx context.Context, q database.Querier, sellerID int64) (*models.Wallet, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallets (seller_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (seller_id) DO NOTHING`,
		sellerID)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	return GetWallet(ctx, q, sellerID)
}

func GetWallet(ctx context.Context, q database.Querier, sellerID int64) (*models.Wallet, error) {
	wallet, err := scanWallet(q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE seller_id = $1`, sellerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return wallet, nil
}

// WalletDelta is a set of signed increments applied to a wallet in one
// statement.
type WalletDelta struct {
	Available decimal.Decimal
	Escrow    decimal.Decimal
	Earnings  decimal.Decimal
	Withdrawn decimal.Decimal
}

// ApplyWalletDelta adds d to the seller's wallet in place. Balances are never
// read into memory and written back.
func ApplyWalletDelta(ctx context.Context, q database.Querier, sellerID int64, d WalletDelta) (*models.Wallet, error) {
	query := `
		UPDATE wallets
		SET available_balance = available_balance + $1,
		    escrow_balance = escrow_balance + $2,
		    total_earnings = total_earnings + $3,
		    total_withdrawn = total_withdrawn + $4,
		    last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE seller_id = $5
		RETURNING ` + walletColumns

	wallet, err := scanWallet(q.QueryRowContext(ctx, query,
		d.Available, d.Escrow, d.Earnings, d.Withdrawn, sellerID))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, database.ErrWalletNotFound
		case database.IsCheckViolation(err, "wallets_available_balance_check"):
			return nil, ErrInsufficientBalance
		case database.IsCheckViolation(err, "wallets_escrow_balance_check"):
			return nil, ErrNegativeEscrowBalance
		}
		return nil, fmt.Errorf("apply wallet delta: %w", err)
	}

	return wallet, nil
}

// DebitAvailable takes amount out of the available balance only if it is
// covered.
func DebitAvailable(ctx context.Context, q database.Querier, sellerID int64, amount decimal.Decimal) (*models.Wallet, error) {
	query := `
		UPDATE wallets
		SET available_balance = available_balance - $1,
		    last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE seller_id = $2
		  AND available_balance >= $1
		RETURNING ` + walletColumns

	wallet, err := scanWallet(q.QueryRowContext(ctx, query, amount, sellerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	return wallet, nil
}
