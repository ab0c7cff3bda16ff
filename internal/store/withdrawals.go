package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/models"
)

// ErrWithdrawalSettled means the withdrawal already left the pending state.
var ErrWithdrawalSettled = errors.New("withdrawal already settled")

const withdrawalColumns = `id, reference, seller_id, amount, status, bank_code, account_number,
	account_name, failure_reason, created_at, completed_at`

func scanWithdrawal(row rowScanner) (*models.Withdrawal, error) {
	w := &models.Withdrawal{}
	var (
		failureReason sql.NullString
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&w.ID,
		&w.Reference,
		&w.SellerID,
		&w.Amount,
		&w.Status,
		&w.BankCode,
		&w.AccountNumber,
		&w.AccountName,
		&failureReason,
		&w.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	w.FailureReason = failureReason.String
	w.CompletedAt = timePtr(completedAt)
	return w, nil
}

func InsertWithdrawal(ctx context.Context, q database.Querier, w *models.Withdrawal) (*models.Withdrawal, error) {
	query := `
		INSERT INTO withdrawals (reference, seller_id, amount, status, bank_code, account_number,
		                         account_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + withdrawalColumns

	withdrawal, err := scanWithdrawal(q.QueryRowContext(ctx, query,
		w.Reference, w.SellerID, w.Amount, models.WithdrawalStatusPending,
		w.BankCode, w.AccountNumber, w.AccountName))
	if err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	return withdrawal, nil
}

func GetWithdrawalByReference(ctx context.Context, q database.Querier, reference string) (*models.Withdrawal, error) {
	withdrawal, err := scanWithdrawal(q.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}

	return withdrawal, nil
}

// SettleWithdrawal moves a pending withdrawal to status. A withdrawal that is
// no longer pending yields ErrWithdrawalSettled.
func SettleWithdrawal(ctx context.Context, q database.Querier, reference string, status models.WithdrawalStatus, failureReason string) (*models.Withdrawal, error) {
	query := `
		UPDATE withdrawals
		SET status = $1,
		    failure_reason = $2,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
		WHERE reference = $3
		  AND status = 'pending'
		RETURNING ` + withdrawalColumns

	withdrawal, err := scanWithdrawal(q.QueryRowContext(ctx, query,
		status, nullString(failureReason), reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := GetWithdrawalByReference(ctx, q, reference); getErr != nil {
				return nil, getErr
			}
			return nil, ErrWithdrawalSettled
		}
		return nil, fmt.Errorf("settle withdrawal: %w", err)
	}

	return withdrawal, nil
}

func ListWithdrawals(ctx context.Context, q database.Querier, sellerID int64, page, pageSize int) (*OffsetPage[models.Withdrawal], error) {
	page, pageSize = NormalizePage(page, pageSize)

	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM withdrawals WHERE seller_id = $1`, sellerID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count withdrawals: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawals
		 WHERE seller_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		sellerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &OffsetPage[models.Withdrawal]{
		Items:      withdrawals,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}
