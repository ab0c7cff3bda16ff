package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/models"
	"github.com/shopspring/decimal"
)

// EscrowOrderKey enforces one escrow per order.
const EscrowOrderKey = "escrow_transactions_order_id_key"

// ErrEscrowStatusMismatch means a status-fenced escrow update found the row
// in a status other than the expected ones.
var ErrEscrowStatusMismatch = errors.New("escrow status changed")

// OpenEscrowStatuses are the statuses whose net amount still sits in the
// seller's escrow balance.
var OpenEscrowStatuses = []models.EscrowStatus{
	models.EscrowStatusHeld,
	models.EscrowStatusPendingRelease,
	models.EscrowStatusDisputed,
}

const escrowColumns = `id, transaction_id, order_id, seller_id, buyer_id, amount, platform_fee,
	net_amount, payment_reference, status, order_completed_at, release_date, released_at,
	notes, created_at, updated_at`

func scanEscrow(row rowScanner) (*models.EscrowTransaction, error) {
	e := &models.EscrowTransaction{}
	var (
		paymentRef, notes                    sql.NullString
		completedAt, releaseDate, releasedAt sql.NullTime
	)

	err := row.Scan(
		&e.ID,
		&e.TransactionID,
		&e.OrderID,
		&e.SellerID,
		&e.BuyerID,
		&e.Amount,
		&e.PlatformFee,
		&e.NetAmount,
		&paymentRef,
		&e.Status,
		&completedAt,
		&releaseDate,
		&releasedAt,
		&notes,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.PaymentReference = paymentRef.String
	e.Notes = notes.String
	e.OrderCompletedAt = timePtr(completedAt)
	e.ReleaseDate = timePtr(releaseDate)
	e.ReleasedAt = timePtr(releasedAt)
	return e, nil
}

func statusStrings(statuses []models.EscrowStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// InsertEscrow stores a held escrow. A second escrow for the same order
// fails with a unique violation on EscrowOrderKey.
func InsertEscrow(ctx context.Context, q database.Querier, e *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	query := `
		INSERT INTO escrow_transactions (transaction_id, order_id, seller_id, buyer_id, amount,
		                                 platform_fee, net_amount, payment_reference, status,
		                                 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING ` + escrowColumns

	escrow, err := scanEscrow(q.QueryRowContext(ctx, query,
		e.TransactionID,
		e.OrderID,
		e.SellerID,
		e.BuyerID,
		e.Amount,
		e.PlatformFee,
		e.NetAmount,
		nullString(e.PaymentReference),
		e.Status,
	))
	if err != nil {
		return nil, fmt.Errorf("insert escrow: %w", err)
	}

	return escrow, nil
}

func GetEscrow(ctx context.Context, q database.Querier, id int64) (*models.EscrowTransaction, error) {
	return getEscrowWhere(ctx, q, "id = $1", id)
}

func GetEscrowByTransactionID(ctx context.Context, q database.Querier, transactionID string) (*models.EscrowTransaction, error) {
	return getEscrowWhere(ctx, q, "transaction_id = $1", transactionID)
}

func GetEscrowByOrder(ctx context.Context, q database.Querier, orderID int64) (*models.EscrowTransaction, error) {
	return getEscrowWhere(ctx, q, "order_id = $1", orderID)
}

func getEscrowWhere(ctx context.Context, q database.Querier, where string, arg any) (*models.EscrowTransaction, error) {
	escrow, err := scanEscrow(q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_transactions WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrEscrowNotFound
		}
		return nil, fmt.Errorf("get escrow: %w", err)
	}

	return escrow, nil
}

// EscrowChange carries the columns a status transition may set. Nil or empty
// fields keep their stored value.
type EscrowChange struct {
	To               models.EscrowStatus
	OrderCompletedAt *time.Time
	ReleaseDate      *time.Time
	ReleasedAt       *time.Time
	Notes            string
}

// TransitionEscrow moves an escrow to change.To only if its current status is
// one of from. The status column is the fence for every wallet mutation that
// follows, so callers apply balance changes only after this succeeds.
func TransitionEscrow(ctx context.Context, q database.Querier, id int64, from []models.EscrowStatus, change EscrowChange) (*models.EscrowTransaction, error) {
	query := `
		UPDATE escrow_transactions
		SET status = $1,
		    order_completed_at = COALESCE($2, order_completed_at),
		    release_date = COALESCE($3, release_date),
		    released_at = COALESCE($4, released_at),
		    notes = COALESCE($5, notes),
		    updated_at = NOW()
		WHERE id = $6
		  AND status = ANY($7)
		RETURNING ` + escrowColumns

	escrow, err := scanEscrow(q.QueryRowContext(ctx, query,
		change.To,
		nullTime(change.OrderCompletedAt),
		nullTime(change.ReleaseDate),
		nullTime(change.ReleasedAt),
		nullString(change.Notes),
		id,
		pq.Array(statusStrings(from)),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowStatusMismatch
		}
		return nil, fmt.Errorf("transition escrow: %w", err)
	}

	return escrow, nil
}

func scanEscrows(rows *sql.Rows) ([]models.EscrowTransaction, error) {
	defer rows.Close()

	var escrows []models.EscrowTransaction
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		escrows = append(escrows, *escrow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return escrows, nil
}

// ListDueReleases returns pending-release escrows whose release date is at
// or before now, in id order after afterID. Paging by id lets a sweep move
// past rows that fail and stay pending.
func ListDueReleases(ctx context.Context, q database.Querier, now time.Time, afterID int64, limit int) ([]models.EscrowTransaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+escrowColumns+`
		 FROM escrow_transactions
		 WHERE status = 'pending_release'
		   AND release_date <= $1
		   AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due releases: %w", err)
	}

	return scanEscrows(rows)
}

func ListSellerEscrows(ctx context.Context, q database.Querier, sellerID int64, status models.EscrowStatus, page, pageSize int) (*OffsetPage[models.EscrowTransaction], error) {
	page, pageSize = NormalizePage(page, pageSize)

	where := "seller_id = $1"
	args := []any{sellerID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrow_transactions WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count escrows: %w", err)
	}

	offset := (page - 1) * pageSize
	args = append(args, pageSize, offset)
	query := fmt.Sprintf(`SELECT %s
		FROM escrow_transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, escrowColumns, where, len(args)-1, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}

	escrows, err := scanEscrows(rows)
	if err != nil {
		return nil, err
	}

	return &OffsetPage[models.EscrowTransaction]{
		Items:      escrows,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

type PendingRelease struct {
	EscrowID    int64           `json:"escrow_id"`
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	ReleaseDate time.Time       `json:"release_date"`
}

// ListPendingReleases returns a seller's pending-release escrows by release
// date. limit <= 0 returns all of them.
func ListPendingReleases(ctx context.Context, q database.Querier, sellerID int64, limit int) ([]PendingRelease, error) {
	query := `
		SELECT e.id, o.order_id, e.net_amount, e.release_date
		FROM escrow_transactions e
		JOIN orders o ON o.id = e.order_id
		WHERE e.seller_id = $1
		  AND e.status = 'pending_release'
		ORDER BY e.release_date, e.id`
	args := []any{sellerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending releases: %w", err)
	}
	defer rows.Close()

	var releases []PendingRelease
	for rows.Next() {
		var r PendingRelease
		if err := rows.Scan(&r.EscrowID, &r.OrderID, &r.Amount, &r.ReleaseDate); err != nil {
			return nil, fmt.Errorf("scan pending release: %w", err)
		}
		releases = append(releases, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return releases, nil
}

type StatusTotal struct {
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// EscrowStatsByStatus sums net amounts of a seller's escrows created at or
// after since, grouped by status.
func EscrowStatsByStatus(ctx context.Context, q database.Querier, sellerID int64, since time.Time) (map[models.EscrowStatus]StatusTotal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COALESCE(SUM(net_amount), 0), COUNT(*)
		 FROM escrow_transactions
		 WHERE seller_id = $1 AND created_at >= $2
		 GROUP BY status`,
		sellerID, since)
	if err != nil {
		return nil, fmt.Errorf("escrow stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.EscrowStatus]StatusTotal)
	for rows.Next() {
		var (
			status models.EscrowStatus
			st     StatusTotal
		)
		if err := rows.Scan(&status, &st.Total, &st.Count); err != nil {
			return nil, fmt.Errorf("scan escrow stats: %w", err)
		}
		stats[status] = st
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}

// SumOpenEscrow is the ledger side of a seller's escrow balance.
func SumOpenEscrow(ctx context.Context, q database.Querier, sellerID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(net_amount), 0)
		 FROM escrow_transactions
		 WHERE seller_id = $1 AND status = ANY($2)`,
		sellerID, pq.Array(statusStrings(OpenEscrowStatuses))).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum open escrow: %w", err)
	}
	return sum, nil
}

type EscrowDrift struct {
	SellerID      int64           `json:"seller_id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
}

// ListEscrowDrift returns every seller whose wallet escrow balance differs
// from the sum of their open escrows. Sellers with open escrows but no
// wallet row are reported with a zero wallet balance.
func ListEscrowDrift(ctx context.Context, q database.Querier) ([]EscrowDrift, error) {
	rows, err := q.QueryContext(ctx,
		`WITH ledger AS (
		     SELECT seller_id, SUM(net_amount) AS total
		     FROM escrow_transactions
		     WHERE status = ANY($1)
		     GROUP BY seller_id
		 )
		 SELECT COALESCE(w.seller_id, l.seller_id),
		        COALESCE(w.escrow_balance, 0),
		        COALESCE(l.total, 0)
		 FROM wallets w
		 FULL OUTER JOIN ledger l ON l.seller_id = w.seller_id
		 WHERE COALESCE(w.escrow_balance, 0) <> COALESCE(l.total, 0)
		 ORDER BY 1`,
		pq.Array(statusStrings(OpenEscrowStatuses)))
	if err != nil {
		return nil, fmt.Errorf("list escrow drift: %w", err)
	}
	defer rows.Close()

	var drift []EscrowDrift
	for rows.Next() {
		var d EscrowDrift
		if err := rows.Scan(&d.SellerID, &d.WalletBalance, &d.LedgerBalance); err != nil {
			return nil, fmt.Errorf("scan escrow drift: %w", err)
		}
		drift = append(drift, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return drift, nil
}
