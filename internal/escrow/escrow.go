// Package escrow holds buyer payments against orders and moves them into
// seller wallets.
//
// An escrow's status is the fence for every wallet mutation: each operation
// first moves the status with a conditional update and only then applies an
// atomic increment to the seller's wallet, in the same transaction. A second
// attempt at the same change matches no row and touches no balance.
//
// Statuses move held -> pending_release -> released, with disputed reachable
// from held or pending_release and refunded from any open status. Completing
// a disputed order restarts its countdown. Released and refunded are final.
package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/tracing"
	"github.com/shopspring/decimal"
)

// ReleaseDelay is how long completed-order funds stay in escrow before the
// release sweep may pay them out.
const ReleaseDelay = 5 * 24 * time.Hour

var (
	ErrEscrowExists       = errors.New("escrow already exists for order")
	ErrInvalidEscrowState = errors.New("invalid escrow state")
	ErrAlreadyFinalized   = errors.New("escrow already finalized")
	ErrInvalidAmount      = errors.New("escrow amount must be positive")
	ErrInvalidFee         = errors.New("platform fee percent must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// ComputeFee splits amount into the platform's fee, rounded to whole currency
// units, and the seller's net.
func ComputeFee(amount, feePercent decimal.Decimal) (fee, net decimal.Decimal) {
	fee = amount.Mul(feePercent).Div(hundred).Round(0)
	return fee, amount.Sub(fee)
}

type Engine struct {
	db         *sql.DB
	logger     *slog.Logger
	feePercent decimal.Decimal
	now        func() time.Time
	txOpts     database.TxOptions

	sweepBatch       int
	sweepConcurrency int
	itemTimeout      time.Duration
}

type Option func(*Engine)

// WithClock replaces time.Now for release dates and the sweep cutoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPlatformFee sets the fee percent used when a request carries none.
func WithPlatformFee(percent decimal.Decimal) Option {
	return func(e *Engine) { e.feePercent = percent }
}

// WithSweep tunes ProcessScheduledReleases.
func WithSweep(batchSize, concurrency int, itemTimeout time.Duration) Option {
	return func(e *Engine) {
		if batchSize > 0 {
			e.sweepBatch = batchSize
		}
		if concurrency > 0 {
			e.sweepConcurrency = concurrency
		}
		if itemTimeout > 0 {
			e.itemTimeout = itemTimeout
		}
	}
}

func NewEngine(db *sql.DB, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:               db,
		logger:           logger,
		feePercent:       decimal.Zero,
		now:              time.Now,
		txOpts:           database.DefaultTxOptions(),
		sweepBatch:       500,
		sweepConcurrency: 4,
		itemTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) FeePercent() decimal.Decimal {
	return e.feePercent
}

type CreateEscrowRequest struct {
	OrderID          int64
	SellerID         int64
	BuyerID          int64
	Amount           decimal.Decimal
	PaymentReference string
	// FeePercent overrides the engine's platform fee when set.
	FeePercent *decimal.Decimal
}

// CreateEscrow records a held escrow for a paid order and adds its net amount
// to the seller's escrow balance, creating the wallet on first use. q is
// normally the order transaction, so a failure here undoes the order too.
func (e *Engine) CreateEscrow(ctx context.Context, q database.Querier, req CreateEscrowRequest) (escrow *models.EscrowTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.create", tracing.SellerID(req.SellerID))
	defer func() { tracing.End(span, err) }()

	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	feePercent := e.feePercent
	if req.FeePercent != nil {
		feePercent = *req.FeePercent
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(hundred) {
		return nil, ErrInvalidFee
	}

	fee, net := ComputeFee(req.Amount, feePercent)

	escrow, err = store.InsertEscrow(ctx, q, &models.EscrowTransaction{
		TransactionID:    "ESC-" + uuid.NewString(),
		OrderID:          req.OrderID,
		SellerID:         req.SellerID,
		BuyerID:          req.BuyerID,
		Amount:           req.Amount,
		PlatformFee:      fee,
		NetAmount:        net,
		PaymentReference: req.PaymentReference,
		Status:           models.EscrowStatusHeld,
	})
	if err != nil {
		if database.IsUniqueViolation(err, store.EscrowOrderKey) {
			return nil, ErrEscrowExists
		}
		return nil, err
	}

	if _, err := store.EnsureWallet(ctx, q, req.SellerID); err != nil {
		return nil, err
	}
	if _, err := store.ApplyWalletDelta(ctx, q, req.SellerID, store.WalletDelta{Escrow: net}); err != nil {
		return nil, fmt.Errorf("credit escrow balance: %w", err)
	}

	metrics.EscrowEventsTotal.WithLabelValues("created").Inc()
	logging.L(ctx, e.logger).Info("escrow created",
		"escrow_id", escrow.ID,
		"transaction_id", escrow.TransactionID,
		"order_id", req.OrderID,
		"seller_id", req.SellerID,
		"amount", req.Amount.String(),
		"platform_fee", fee.String(),
		"net_amount", net.String(),
	)
	return escrow, nil
}

// MarkCompleted starts the release countdown for an order's escrow. Only a
// held or disputed escrow moves; any other status is left alone and logged,
// so repeated completion is harmless.
func (e *Engine) MarkCompleted(ctx context.Context, q database.Querier, orderID int64) (escrow *models.EscrowTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.mark_completed")
	defer func() { tracing.End(span, err) }()

	current, err := store.GetEscrowByOrder(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	logger := logging.L(ctx, e.logger).With("escrow_id", current.ID, "order_id", orderID)

	if current.Status != models.EscrowStatusHeld && current.Status != models.EscrowStatusDisputed {
		logger.Info("escrow not awaiting completion, skipping", "status", current.Status)
		return current, nil
	}

	now := e.now()
	releaseDate := now.Add(ReleaseDelay)
	escrow, err = store.TransitionEscrow(ctx, q, current.ID,
		[]models.EscrowStatus{models.EscrowStatusHeld, models.EscrowStatusDisputed},
		store.EscrowChange{
			To:               models.EscrowStatusPendingRelease,
			OrderCompletedAt: &now,
			ReleaseDate:      &releaseDate,
		})
	if errors.Is(err, store.ErrEscrowStatusMismatch) {
		latest, getErr := store.GetEscrow(ctx, q, current.ID)
		if getErr != nil {
			return nil, getErr
		}
		logger.Info("escrow changed concurrently, skipping", "status", latest.Status)
		return latest, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.EscrowEventsTotal.WithLabelValues("completed").Inc()
	logger.Info("escrow pending release", "release_date", releaseDate)
	return escrow, nil
}

// Dispute freezes an order's escrow while the order is in arbitration so the
// release sweep cannot pay it out. Disputed funds stay in the escrow balance.
func (e *Engine) Dispute(ctx context.Context, q database.Querier, orderID int64, reason string) (escrow *models.EscrowTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.dispute")
	defer func() { tracing.End(span, err) }()

	current, err := store.GetEscrowByOrder(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	logger := logging.L(ctx, e.logger).With("escrow_id", current.ID, "order_id", orderID)

	switch current.Status {
	case models.EscrowStatusDisputed:
		return current, nil
	case models.EscrowStatusReleased, models.EscrowStatusRefunded:
		logger.Warn("arbitration opened on finalized escrow", "status", current.Status)
		return current, nil
	}

	escrow, err = store.TransitionEscrow(ctx, q, current.ID,
		[]models.EscrowStatus{models.EscrowStatusHeld, models.EscrowStatusPendingRelease},
		store.EscrowChange{To: models.EscrowStatusDisputed, Notes: reason})
	if errors.Is(err, store.ErrEscrowStatusMismatch) {
		return nil, fmt.Errorf("%w: escrow %d changed while disputing", ErrInvalidEscrowState, current.ID)
	}
	if err != nil {
		return nil, err
	}

	metrics.EscrowEventsTotal.WithLabelValues("disputed").Inc()
	logger.Info("escrow disputed")
	return escrow, nil
}

// ReleaseFunds pays a pending-release escrow into the seller's available
// balance. Any other status fails with ErrInvalidEscrowState and changes
// nothing, which keeps overlapping sweeps from paying twice.
func (e *Engine) ReleaseFunds(ctx context.Context, escrowID int64) (*models.EscrowTransaction, error) {
	var released *models.EscrowTransaction

	err := database.WithRetry(ctx, e.db, e.txOpts, func(tx *sql.Tx) error {
		var err error
		released, err = e.releaseFunds(ctx, tx, escrowID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowEventsTotal.WithLabelValues("released").Inc()
	metrics.EscrowReleasedAmount.Add(released.NetAmount.InexactFloat64())
	logging.L(ctx, e.logger).Info("escrow released",
		"escrow_id", released.ID,
		"transaction_id", released.TransactionID,
		"seller_id", released.SellerID,
		"net_amount", released.NetAmount.String(),
	)
	return released, nil
}

func (e *Engine) releaseFunds(ctx context.Context, q database.Querier, escrowID int64) (escrow *models.EscrowTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.release", tracing.EscrowID(escrowID))
	defer func() { tracing.End(span, err) }()

	now := e.now()
	escrow, err = store.TransitionEscrow(ctx, q, escrowID,
		[]models.EscrowStatus{models.EscrowStatusPendingRelease},
		store.EscrowChange{To: models.EscrowStatusReleased, ReleasedAt: &now})
	if errors.Is(err, store.ErrEscrowStatusMismatch) {
		current, getErr := store.GetEscrow(ctx, q, escrowID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: cannot release escrow %d in status %s",
			ErrInvalidEscrowState, escrowID, current.Status)
	}
	if err != nil {
		return nil, err
	}

	_, err = store.ApplyWalletDelta(ctx, q, escrow.SellerID, store.WalletDelta{
		Available: escrow.NetAmount,
		Escrow:    escrow.NetAmount.Neg(),
		Earnings:  escrow.NetAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("move escrow to available balance: %w", err)
	}

	return escrow, nil
}

// Refund takes an order's escrow out of the seller's escrow balance. An
// escrow that is already refunded is returned unchanged; a released one
// fails with ErrAlreadyFinalized. Returning money to the buyer is the payment
// gateway's job.
func (e *Engine) Refund(ctx context.Context, q database.Querier, orderID int64, reason string) (escrow *models.EscrowTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.refund")
	defer func() { tracing.End(span, err) }()

	current, err := store.GetEscrowByOrder(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	if err := refundable(current); err != nil {
		if errors.Is(err, errAlreadyRefunded) {
			return current, nil
		}
		return nil, err
	}

	if reason == "" {
		reason = "Order refunded"
	}
	escrow, err = store.TransitionEscrow(ctx, q, current.ID, store.OpenEscrowStatuses,
		store.EscrowChange{To: models.EscrowStatusRefunded, Notes: reason})
	if errors.Is(err, store.ErrEscrowStatusMismatch) {
		latest, getErr := store.GetEscrow(ctx, q, current.ID)
		if getErr != nil {
			return nil, getErr
		}
		if err := refundable(latest); err != nil {
			if errors.Is(err, errAlreadyRefunded) {
				return latest, nil
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: escrow %d changed while refunding", ErrInvalidEscrowState, current.ID)
	}
	if err != nil {
		return nil, err
	}

	_, err = store.ApplyWalletDelta(ctx, q, escrow.SellerID, store.WalletDelta{
		Escrow: escrow.NetAmount.Neg(),
	})
	if err != nil {
		return nil, fmt.Errorf("remove refunded escrow from balance: %w", err)
	}

	metrics.EscrowEventsTotal.WithLabelValues("refunded").Inc()
	logging.L(ctx, e.logger).Info("escrow refunded",
		"escrow_id", escrow.ID,
		"order_id", orderID,
		"net_amount", escrow.NetAmount.String(),
		"reason", reason,
	)
	return escrow, nil
}

// RefundOrder runs Refund in its own transaction.
func (e *Engine) RefundOrder(ctx context.Context, orderID int64, reason string) (*models.EscrowTransaction, error) {
	var refunded *models.EscrowTransaction
	err := database.WithRetry(ctx, e.db, e.txOpts, func(tx *sql.Tx) error {
		var err error
		refunded, err = e.Refund(ctx, tx, orderID, reason)
		return err
	})
	return refunded, err
}

var errAlreadyRefunded = errors.New("already refunded")

func refundable(escrow *models.EscrowTransaction) error {
	switch escrow.Status {
	case models.EscrowStatusRefunded:
		return errAlreadyRefunded
	case models.EscrowStatusReleased:
		return fmt.Errorf("%w: escrow %d was released", ErrAlreadyFinalized, escrow.ID)
	}
	return nil
}

func (e *Engine) GetByOrder(ctx context.Context, orderID int64) (*models.EscrowTransaction, error) {
	return store.GetEscrowByOrder(ctx, e.db, orderID)
}

func (e *Engine) Get(ctx context.Context, escrowID int64) (*models.EscrowTransaction, error) {
	return store.GetEscrow(ctx, e.db, escrowID)
}
