// Package orders creates orders and moves them through their lifecycle.
//
// Every write runs in one database transaction together with the stock and
// escrow changes it implies, so an order never exists without its reserved
// stock or, once paid, without its escrow. Notifications go out only after
// commit and never affect the outcome.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/notify"
	"github.com/safar/handiehub/internal/stock"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/tracing"
	"github.com/shopspring/decimal"
)

var (
	ErrForbidden          = errors.New("not allowed to modify this order")
	ErrAmountMismatch     = errors.New("charged amount does not match order amount")
	ErrSellerMismatch     = errors.New("product does not belong to seller")
	ErrDuplicatePayment   = errors.New("payment reference already used by another order")
	ErrNotDeletable       = errors.New("only unpaid pending or cancelled orders can be deleted")
	ErrPaymentRequired    = errors.New("order must be paid before it can move to new")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidStatus      = errors.New("unknown order status")
	ErrProductUnavailable = errors.New("product is not available for purchase")
	ErrMissingReference   = errors.New("payment reference is required")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var knownStatuses = map[models.OrderStatus]bool{}

func init() {
	for _, table := range []transitionTable{productTransitions, serviceTransitions} {
		for from, next := range table {
			knownStatuses[from] = true
			for _, to := range next {
				knownStatuses[to] = true
			}
		}
	}
}

type Service struct {
	db         *sql.DB
	reserver   *stock.Reserver
	engine     *escrow.Engine
	dispatcher notify.Dispatcher
	logger     *slog.Logger
	txOpts     database.TxOptions
}

func NewService(db *sql.DB, reserver *stock.Reserver, engine *escrow.Engine, dispatcher notify.Dispatcher, logger *slog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	return &Service{
		db:         db,
		reserver:   reserver,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		txOpts:     database.DefaultTxOptions(),
	}
}

type CreateOrderRequest struct {
	ProductID     int64
	BuyerID       int64
	SellerID      int64
	Quantity      int
	DeliveryDate  *time.Time
	ScheduledDate *time.Time
	// PaymentReference marks the order as paid and creates its escrow.
	PaymentReference string
	// ChargedAmount, when set, must equal price times quantity.
	ChargedAmount *decimal.Decimal
}

// CreateOrder reserves stock and stores the order in one transaction. With a
// payment reference the order starts as new and its escrow is created in the
// same transaction; without one it starts as pending.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "orders.create", tracing.SellerID(req.SellerID))
	defer func() { tracing.End(span, err) }()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var productName string
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		product, err := s.purchasable(ctx, tx, req.ProductID, req.SellerID)
		if err != nil {
			return err
		}
		productName = product.Name

		amount := product.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		if req.ChargedAmount != nil && !req.ChargedAmount.Equal(amount) {
			return fmt.Errorf("%w: charged %s, order costs %s", ErrAmountMismatch, req.ChargedAmount, amount)
		}

		if _, err := s.reserver.Reserve(ctx, tx, product.ID, req.Quantity); err != nil {
			return err
		}

		status, payment := models.OrderStatusPending, models.PaymentStatusPending
		if req.PaymentReference != "" {
			status, payment = models.OrderStatusNew, models.PaymentStatusPaid
		}

		order, err = store.InsertOrder(ctx, tx, &models.Order{
			OrderID:          "HH-" + uuid.NewString(),
			BuyerID:          req.BuyerID,
			SellerID:         req.SellerID,
			ProductID:        product.ID,
			Quantity:         req.Quantity,
			Amount:           amount,
			Status:           status,
			PaymentStatus:    payment,
			PaymentReference: req.PaymentReference,
			DeliveryDate:     req.DeliveryDate,
			ScheduledDate:    req.ScheduledDate,
		})
		if err != nil {
			if database.IsUniqueViolation(err, store.OrderPaymentReferenceKey) {
				return ErrDuplicatePayment
			}
			return err
		}

		if req.PaymentReference == "" {
			return nil
		}
		_, err = s.engine.CreateEscrow(ctx, tx, escrow.CreateEscrowRequest{
			OrderID:          order.ID,
			SellerID:         order.SellerID,
			BuyerID:          order.BuyerID,
			Amount:           order.Amount,
			PaymentReference: order.PaymentReference,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(order.PaymentStatus)).Inc()
	logging.L(ctx, s.logger).Info("order created",
		"order_id", order.OrderID,
		"product_id", order.ProductID,
		"seller_id", order.SellerID,
		"buyer_id", order.BuyerID,
		"quantity", order.Quantity,
		"amount", order.Amount.String(),
		"status", order.Status,
	)

	if order.PaymentStatus == models.PaymentStatusPaid {
		s.notifyCreated(ctx, order, productName)
	}
	return order, nil
}

// purchasable loads a product and checks it can be ordered from seller.
// An inactive product with no stock left is passed through so the
// reservation reports it as out of stock.
func (s *Service) purchasable(ctx context.Context, q database.Querier, productID, sellerID int64) (*models.Product, error) {
	product, err := store.GetProduct(ctx, q, productID)
	if err != nil {
		return nil, err
	}
	if product.SellerID != sellerID {
		return nil, ErrSellerMismatch
	}
	if !product.IsActive && (product.IsService() || product.Stock() > 0) {
		return nil, ErrProductUnavailable
	}
	return product, nil
}

type UpdateStatusRequest struct {
	Status          models.OrderStatus
	TrackingNumber  string
	ShippingCarrier string
	ScheduledDate   *time.Time
	DeliveryDate    *time.Time
	// StatusNote is stored on the order and used as the refund reason.
	StatusNote string
}

// UpdateStatus moves an order to req.Status if its product type's table
// allows it from the stored status, and applies the ledger side effects in
// the same transaction:
//
//   - cancelled, refunded, returned: restore stock once and refund the escrow
//   - completed: start the escrow release countdown
//   - arbitration: freeze the escrow as disputed
//
// Only the order's seller or an admin may change its status.
func (s *Service) UpdateStatus(ctx context.Context, actor models.Actor, orderID int64, req UpdateStatusRequest) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "orders.update_status", tracing.Status(string(req.Status)))
	defer func() { tracing.End(span, err) }()

	if !knownStatuses[req.Status] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	var (
		from        models.OrderStatus
		productName string
	)
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		order, err = store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if actor.UserID != order.SellerID && !actor.IsAdmin() {
			return ErrForbidden
		}

		product, err := store.GetProduct(ctx, tx, order.ProductID)
		if err != nil {
			return err
		}
		productName = product.Name
		from = order.Status

		if !CanTransition(product.Type, from, req.Status) {
			return &TransitionError{ProductType: product.Type, From: from, To: req.Status}
		}
		if req.Status == models.OrderStatusNew {
			return ErrPaymentRequired
		}

		order.Status = req.Status
		applyDetails(order, req)

		if err := s.applySideEffects(ctx, tx, order, reasonFor(req)); err != nil {
			return err
		}

		return store.UpdateOrder(ctx, tx, order)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "rejected").Inc()
		}
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(order.Status), "applied").Inc()
	logging.L(ctx, s.logger).Info("order status updated",
		"order_id", order.OrderID,
		"from", from,
		"to", order.Status,
		"actor_id", actor.UserID,
	)

	s.notifyStatus(ctx, order, productName)
	return order, nil
}

func applyDetails(order *models.Order, req UpdateStatusRequest) {
	if req.TrackingNumber != "" {
		order.TrackingNumber = req.TrackingNumber
	}
	if req.ShippingCarrier != "" {
		order.ShippingCarrier = req.ShippingCarrier
	}
	if req.ScheduledDate != nil {
		order.ScheduledDate = req.ScheduledDate
	}
	if req.DeliveryDate != nil {
		order.DeliveryDate = req.DeliveryDate
	}
	if req.StatusNote != "" {
		order.StatusNote = req.StatusNote
	}
}

func reasonFor(req UpdateStatusRequest) string {
	if note := strings.TrimSpace(req.StatusNote); note != "" {
		return note
	}
	switch req.Status {
	case models.OrderStatusCancelled:
		return "Order cancelled"
	case models.OrderStatusReturned:
		return "Order returned"
	}
	return ""
}

// applySideEffects runs the stock and escrow changes for the status order
// has just entered. Failures abort the transition.
func (s *Service) applySideEffects(ctx context.Context, tx *sql.Tx, order *models.Order, reason string) error {
	switch {
	case restoresStock(order.Status):
		if _, err := s.reserver.Restore(ctx, tx, order); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}

		refunded, err := s.engine.Refund(ctx, tx, order.ID, reason)
		switch {
		case errors.Is(err, database.ErrEscrowNotFound):
			// Unpaid orders have nothing in escrow.
			return nil
		case err != nil:
			return err
		}
		if refunded.Status == models.EscrowStatusRefunded && order.PaymentStatus == models.PaymentStatusPaid {
			order.PaymentStatus = models.PaymentStatusRefunded
		}

	case order.Status == models.OrderStatusCompleted:
		if _, err := s.engine.MarkCompleted(ctx, tx, order.ID); err != nil {
			return fmt.Errorf("start escrow release: %w", err)
		}

	case order.Status == models.OrderStatusArbitration:
		if _, err := s.engine.Dispute(ctx, tx, order.ID, reason); err != nil {
			return fmt.Errorf("dispute escrow: %w", err)
		}
	}
	return nil
}

// ConfirmPayment pays for a pending order: it moves to new, records the
// reference and gets its escrow, all in one transaction. Confirming the same
// reference again returns the order unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, reference string, charged *decimal.Decimal) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "orders.confirm_payment", tracing.Reference(reference))
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(reference) == "" {
		return nil, ErrMissingReference
	}

	var (
		productName string
		replay      bool
	)
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		replay = false

		order, err = store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if order.Status != models.OrderStatusPending {
			if order.PaymentStatus == models.PaymentStatusPaid && order.PaymentReference == reference {
				replay = true
				return nil
			}
			product, err := store.GetProduct(ctx, tx, order.ProductID)
			if err != nil {
				return err
			}
			return &TransitionError{ProductType: product.Type, From: order.Status, To: models.OrderStatusNew}
		}

		if charged != nil && !charged.Equal(order.Amount) {
			return fmt.Errorf("%w: charged %s, order costs %s", ErrAmountMismatch, charged, order.Amount)
		}

		product, err := store.GetProduct(ctx, tx, order.ProductID)
		if err != nil {
			return err
		}
		productName = product.Name

		order.Status = models.OrderStatusNew
		order.PaymentStatus = models.PaymentStatusPaid
		order.PaymentReference = reference
		if err := store.UpdateOrder(ctx, tx, order); err != nil {
			if database.IsUniqueViolation(err, store.OrderPaymentReferenceKey) {
				return ErrDuplicatePayment
			}
			return err
		}

		_, err = s.engine.CreateEscrow(ctx, tx, escrow.CreateEscrowRequest{
			OrderID:          order.ID,
			SellerID:         order.SellerID,
			BuyerID:          order.BuyerID,
			Amount:           order.Amount,
			PaymentReference: reference,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := logging.L(ctx, s.logger).With("order_id", order.OrderID, "reference", reference)
	if replay {
		logger.Info("payment already confirmed, ignoring")
		return order, nil
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(models.OrderStatusNew), "applied").Inc()
	logger.Info("order payment confirmed", "amount", order.Amount.String())
	s.notifyCreated(ctx, order, productName)
	return order, nil
}

type FailedPaymentRequest struct {
	ProductID        int64
	BuyerID          int64
	SellerID         int64
	Quantity         int
	PaymentReference string
	// Amount is what the gateway tried to charge. Zero means price times
	// quantity.
	Amount decimal.Decimal
	Reason string
}

// RecordFailedPayment stores a payment_failed order so the buyer can see
// the attempt. No stock is reserved and no escrow is created. A reference
// that already has a record, failed or paid, is not recorded again.
func (s *Service) RecordFailedPayment(ctx context.Context, req FailedPaymentRequest) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "orders.record_failed_payment", tracing.Reference(req.PaymentReference))
	defer func() { tracing.End(span, err) }()

	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Payment failed"
	}

	var (
		productName string
		existing    bool
	)
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		existing = false

		if req.PaymentReference != "" {
			prior, err := store.GetOrderByPaymentReference(ctx, tx, req.PaymentReference)
			if err == nil {
				order, existing = prior, true
				return nil
			}
			if !errors.Is(err, database.ErrOrderNotFound) {
				return err
			}
			prior, err = store.GetFailedOrderByPaymentReference(ctx, tx, req.PaymentReference)
			if err == nil {
				order, existing = prior, true
				return nil
			}
			if !errors.Is(err, database.ErrOrderNotFound) {
				return err
			}
		}

		product, err := store.GetProduct(ctx, tx, req.ProductID)
		if err != nil {
			return err
		}
		if product.SellerID != req.SellerID {
			return ErrSellerMismatch
		}
		productName = product.Name

		amount := req.Amount
		if amount.IsZero() {
			amount = product.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		}

		order, err = store.InsertOrder(ctx, tx, &models.Order{
			OrderID:          "HH-" + uuid.NewString(),
			BuyerID:          req.BuyerID,
			SellerID:         req.SellerID,
			ProductID:        product.ID,
			Quantity:         req.Quantity,
			Amount:           amount,
			Status:           models.OrderStatusPaymentFailed,
			PaymentStatus:    models.PaymentStatusFailed,
			PaymentReference: req.PaymentReference,
			FailureReason:    reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := logging.L(ctx, s.logger).With("order_id", order.OrderID, "reference", req.PaymentReference)
	if existing {
		logger.Info("payment reference already recorded, ignoring failure", "status", order.Status)
		return order, nil
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(models.PaymentStatusFailed)).Inc()
	logger.Warn("failed payment recorded", "reason", reason)
	s.notifyPaymentFailed(ctx, order, productName)
	return order, nil
}

// Delete removes an unpaid pending or cancelled order. Only its buyer or an
// admin may delete it. Stock still reserved by the order is returned first.
func (s *Service) Delete(ctx context.Context, actor models.Actor, orderID int64) error {
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		order, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if actor.UserID != order.BuyerID && !actor.IsAdmin() {
			return ErrForbidden
		}
		if !deletable(order) {
			return ErrNotDeletable
		}

		if order.Status == models.OrderStatusPending {
			if _, err := s.reserver.Restore(ctx, tx, order); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
		}

		deleted, err := store.DeleteOrder(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotDeletable
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.L(ctx, s.logger).Info("order deleted", "id", orderID, "actor_id", actor.UserID)
	return nil
}

func deletable(order *models.Order) bool {
	statusOK := order.Status == models.OrderStatusPending || order.Status == models.OrderStatusCancelled
	paymentOK := order.PaymentStatus == models.PaymentStatusPending || order.PaymentStatus == models.PaymentStatusFailed
	return statusOK && paymentOK
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Order, error) {
	return store.GetOrder(ctx, s.db, id)
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	return store.GetOrderByOrderID(ctx, s.db, orderID)
}

func (s *Service) GetByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	return store.GetOrderByPaymentReference(ctx, s.db, reference)
}

// List pages through orders newest first.
func (s *Service) List(ctx context.Context, filter store.OrderFilter, cursor string, limit int) (*store.CursorPage[models.Order], error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return store.ListOrdersCursor(ctx, s.db, filter, cursor, limit)
}

type Overview struct {
	Period escrow.Period          `json:"period"`
	Orders store.SellerOrderStats `json:"orders"`
	Wallet *escrow.Summary        `json:"wallet"`
}

// SellerOverview combines a seller's order counts for period with their
// wallet summary.
func (s *Service) SellerOverview(ctx context.Context, sellerID int64, period escrow.Period) (*Overview, error) {
	stats, err := store.GetSellerOrderStats(ctx, s.db, sellerID, period.Since(s.engine.Now()))
	if err != nil {
		return nil, err
	}

	summary, err := s.engine.Summary(ctx, sellerID, period)
	if err != nil {
		return nil, err
	}

	return &Overview{Period: period, Orders: *stats, Wallet: summary}, nil
}
