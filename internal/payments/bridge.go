// Package payments turns payment gateway events into ledger operations.
//
// The gateway reports charges and payouts after it has settled them; the
// bridge maps a successful charge to a new paid order (or pays an existing
// pending one), a failed charge to a payment_failed record, and payout
// results to withdrawal settlement. Every handler is safe to call again with
// the same event. Authenticating the sender is done before events reach this
// package.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/tracing"
	"github.com/shopspring/decimal"
)

const (
	EventChargeSuccess   = "charge.success"
	EventChargeFailed    = "charge.failed"
	EventTransferSuccess = "transfer.success"
	EventTransferFailed  = "transfer.failed"
)

var (
	ErrInvalidEvent    = errors.New("invalid gateway event")
	ErrUnknownCustomer = errors.New("no user with the charged email")
)

// Orders is the part of the order service the bridge drives.
type Orders interface {
	CreateOrder(ctx context.Context, req orders.CreateOrderRequest) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID int64, reference string, charged *decimal.Decimal) (*models.Order, error)
	RecordFailedPayment(ctx context.Context, req orders.FailedPaymentRequest) (*models.Order, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	GetByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
}

// Payouts settles withdrawals once the gateway reports the transfer result.
type Payouts interface {
	CompleteWithdrawal(ctx context.Context, reference string) (*models.Withdrawal, error)
	FailWithdrawal(ctx context.Context, reference, reason string) (*models.Withdrawal, error)
}

var (
	_ Orders  = (*orders.Service)(nil)
	_ Payouts = (*escrow.Engine)(nil)
)

type Bridge struct {
	users   database.Querier
	orders  Orders
	payouts Payouts
	logger  *slog.Logger
}

func NewBridge(users database.Querier, orders Orders, payouts Payouts, logger *slog.Logger) *Bridge {
	return &Bridge{users: users, orders: orders, payouts: payouts, logger: logger}
}

// Event is the gateway's webhook envelope.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChargeEvent is a settled or declined card charge. Amount is in minor
// currency units.
type ChargeEvent struct {
	Reference       string         `json:"reference"`
	Amount          int64          `json:"amount"`
	GatewayResponse string         `json:"gateway_response"`
	Customer        Customer       `json:"customer"`
	Metadata        ChargeMetadata `json:"metadata"`
}

type Customer struct {
	Email string `json:"email"`
}

// ChargeMetadata is what checkout attached to the charge. OrderID names an
// existing pending order to pay; without it a new order is created.
type ChargeMetadata struct {
	ProductID    MetadataID    `json:"product_id"`
	SellerID     MetadataID    `json:"seller_id"`
	Quantity     MetadataID    `json:"quantity"`
	OrderID      string     `json:"order_id"`
	DeliveryDate *time.Time `json:"delivery_date"`
}

type TransferEvent struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// HandleEvent decodes an envelope and routes it. Event types the ledger does
// not act on are acknowledged and ignored.
func (b *Bridge) HandleEvent(ctx context.Context, ev Event) error {
	logger := logging.L(ctx, b.logger)

	switch ev.Event {
	case EventChargeSuccess, EventChargeFailed:
		var charge ChargeEvent
		if err := json.Unmarshal(ev.Data, &charge); err != nil {
			return fmt.Errorf("%w: decode charge: %v", ErrInvalidEvent, err)
		}
		if ev.Event == EventChargeSuccess {
			_, err := b.OnChargeConfirmed(ctx, charge)
			return err
		}
		_, err := b.OnChargeFailed(ctx, charge)
		return err

	case EventTransferSuccess, EventTransferFailed:
		var transfer TransferEvent
		if err := json.Unmarshal(ev.Data, &transfer); err != nil {
			return fmt.Errorf("%w: decode transfer: %v", ErrInvalidEvent, err)
		}
		if ev.Event == EventTransferSuccess {
			return b.OnTransferConfirmed(ctx, transfer.Reference)
		}
		return b.OnTransferFailed(ctx, transfer.Reference, transfer.Reason)
	}

	metrics.GatewayEventsTotal.WithLabelValues(ev.Event, "ignored").Inc()
	logger.Info("unhandled gateway event", "event", ev.Event)
	return nil
}

// OnChargeConfirmed records a successful charge. A reference that already
// paid for an order returns that order.
func (b *Bridge) OnChargeConfirmed(ctx context.Context, charge ChargeEvent) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "payments.charge_confirmed", tracing.Reference(charge.Reference))
	defer func() { tracing.End(span, err) }()
	defer func() { countEvent(EventChargeSuccess, err) }()

	if err := charge.validate(); err != nil {
		return nil, err
	}
	logger := logging.L(ctx, b.logger).With("reference", charge.Reference)

	if prior, err := b.orders.GetByPaymentReference(ctx, charge.Reference); err == nil {
		logger.Info("charge already applied", "order_id", prior.OrderID)
		return prior, nil
	} else if !errors.Is(err, database.ErrOrderNotFound) {
		return nil, err
	}

	charged := minorToMajor(charge.Amount)

	if charge.Metadata.OrderID != "" {
		pending, err := b.orders.GetByOrderID(ctx, charge.Metadata.OrderID)
		if err != nil {
			return nil, err
		}
		order, err = b.orders.ConfirmPayment(ctx, pending.ID, charge.Reference, &charged)
		return b.settleReplay(ctx, order, charge.Reference, err)
	}

	buyer, err := b.buyer(ctx, charge.Customer.Email)
	if err != nil {
		return nil, err
	}

	order, err = b.orders.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID:        int64(charge.Metadata.ProductID),
		BuyerID:          buyer.ID,
		SellerID:         int64(charge.Metadata.SellerID),
		Quantity:         charge.Metadata.quantity(),
		DeliveryDate:     charge.Metadata.DeliveryDate,
		PaymentReference: charge.Reference,
		ChargedAmount:    &charged,
	})
	order, err = b.settleReplay(ctx, order, charge.Reference, err)
	if err != nil {
		logger.Error("charge could not be applied",
			"error", err,
			"product_id", int64(charge.Metadata.ProductID),
			"amount", charged.String(),
		)
		return nil, err
	}
	return order, nil
}

// settleReplay turns losing a race against a concurrent delivery of the same
// charge into the order that won.
func (b *Bridge) settleReplay(ctx context.Context, order *models.Order, reference string, err error) (*models.Order, error) {
	if !errors.Is(err, orders.ErrDuplicatePayment) {
		return order, err
	}
	return b.orders.GetByPaymentReference(ctx, reference)
}

// OnChargeFailed stores a payment_failed order for the buyer's history.
func (b *Bridge) OnChargeFailed(ctx context.Context, charge ChargeEvent) (order *models.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "payments.charge_failed", tracing.Reference(charge.Reference))
	defer func() { tracing.End(span, err) }()
	defer func() { countEvent(EventChargeFailed, err) }()

	if err := charge.validate(); err != nil {
		return nil, err
	}

	req := orders.FailedPaymentRequest{
		ProductID:        int64(charge.Metadata.ProductID),
		SellerID:         int64(charge.Metadata.SellerID),
		Quantity:         charge.Metadata.quantity(),
		PaymentReference: charge.Reference,
		Amount:           minorToMajor(charge.Amount),
		Reason:           charge.GatewayResponse,
	}

	if charge.Metadata.OrderID != "" {
		// A declined attempt at paying a pending order leaves that order
		// pending; the record copies its line.
		pending, err := b.orders.GetByOrderID(ctx, charge.Metadata.OrderID)
		if err != nil {
			return nil, err
		}
		req.ProductID, req.SellerID, req.Quantity = pending.ProductID, pending.SellerID, pending.Quantity
		req.BuyerID = pending.BuyerID
	} else {
		buyer, err := b.buyer(ctx, charge.Customer.Email)
		if err != nil {
			return nil, err
		}
		req.BuyerID = buyer.ID
	}

	return b.orders.RecordFailedPayment(ctx, req)
}

// OnTransferConfirmed completes the withdrawal paid out under reference.
func (b *Bridge) OnTransferConfirmed(ctx context.Context, reference string) (err error) {
	defer func() { countEvent(EventTransferSuccess, err) }()
	if strings.TrimSpace(reference) == "" {
		return fmt.Errorf("%w: missing transfer reference", ErrInvalidEvent)
	}
	_, err = b.payouts.CompleteWithdrawal(ctx, reference)
	return err
}

// OnTransferFailed fails the withdrawal and returns its amount to the
// seller's available balance.
func (b *Bridge) OnTransferFailed(ctx context.Context, reference, reason string) (err error) {
	defer func() { countEvent(EventTransferFailed, err) }()
	if strings.TrimSpace(reference) == "" {
		return fmt.Errorf("%w: missing transfer reference", ErrInvalidEvent)
	}
	if reason == "" {
		reason = "Transfer failed"
	}
	_, err = b.payouts.FailWithdrawal(ctx, reference, reason)
	return err
}

func (b *Bridge) buyer(ctx context.Context, email string) (*models.User, error) {
	user, err := store.GetUserByEmail(ctx, b.users, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, email)
	}
	return user, err
}

func (c ChargeEvent) validate() error {
	switch {
	case strings.TrimSpace(c.Reference) == "":
		return fmt.Errorf("%w: missing charge reference", ErrInvalidEvent)
	case c.Amount < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	case c.Metadata.OrderID != "":
		return nil
	case c.Metadata.ProductID <= 0 || c.Metadata.SellerID <= 0:
		return fmt.Errorf("%w: charge metadata needs product_id and seller_id", ErrInvalidEvent)
	case c.Customer.Email == "":
		return fmt.Errorf("%w: missing customer email", ErrInvalidEvent)
	}
	return nil
}

func (m ChargeMetadata) quantity() int {
	if m.Quantity <= 0 {
		return 1
	}
	return int(m.Quantity)
}

// minorToMajor converts kobo-style minor units to the ledger's currency
// units.
func minorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func countEvent(event string, err error) {
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	metrics.GatewayEventsTotal.WithLabelValues(event, outcome).Inc()
}

// MetadataID accepts metadata ids sent either as JSON numbers or strings.
type MetadataID int64

func (f *MetadataID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("metadata id %s: %w", data, err)
	}
	*f = MetadataID(n)
	return nil
}
