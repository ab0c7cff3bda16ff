package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Role string

const (
	RoleClient    Role = "client"
	RoleHandieman Role = "handieman"
	RoleAdmin     Role = "admin"
)

// Actor is the already-authenticated caller of a mutating operation.
type Actor struct {
	UserID int64
	Roles  []Role
}

func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

type ProductType string

const (
	ProductTypeProduct ProductType = "product"
	ProductTypeService ProductType = "service"
)

type Product struct {
	ID          int64           `json:"id"`
	SellerID    int64           `json:"seller_id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        ProductType     `json:"type"`
	Price       decimal.Decimal `json:"price"`
	// Quantity is nil for services, which carry no stock.
	Quantity  *int      `json:"quantity,omitempty"`
	IsActive  bool      `json:"is_active"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

func (p *Product) IsService() bool {
	return p.Type == ProductTypeService
}

// Stock returns the current quantity, or 0 for services.
func (p *Product) Stock() int {
	if p.Quantity == nil {
		return 0
	}
	return *p.Quantity
}

type Order struct {
	ID               int64           `json:"id"`
	OrderID          string          `json:"order_id"`
	BuyerID          int64           `json:"buyer_id"`
	SellerID         int64           `json:"seller_id"`
	ProductID        int64           `json:"product_id"`
	Quantity         int             `json:"quantity"`
	Amount           decimal.Decimal `json:"amount"`
	Status           OrderStatus     `json:"status"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	DeliveryDate     *time.Time      `json:"delivery_date,omitempty"`
	ScheduledDate    *time.Time      `json:"scheduled_date,omitempty"`
	TrackingNumber   string          `json:"tracking_number,omitempty"`
	ShippingCarrier  string          `json:"shipping_carrier,omitempty"`
	StatusNote       string          `json:"status_note,omitempty"`
	StockRestored    bool            `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int             `json:"version"`
}

// ShortNumber is the customer-facing order number used in messages.
func (o *Order) ShortNumber() string {
	id := o.OrderID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return strings.ToUpper(id)
}

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusNew           OrderStatus = "new"
	OrderStatusConfirmed     OrderStatus = "confirmed"
	OrderStatusAccepted      OrderStatus = "accepted"
	OrderStatusScheduled     OrderStatus = "scheduled"
	OrderStatusShipped       OrderStatus = "shipped"
	OrderStatusInProgress    OrderStatus = "in_progress"
	OrderStatusDelivered     OrderStatus = "delivered"
	OrderStatusCompleted     OrderStatus = "completed"
	OrderStatusReturned      OrderStatus = "returned"
	OrderStatusArbitration   OrderStatus = "arbitration"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRefunded      OrderStatus = "refunded"
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type EscrowStatus string

const (
	EscrowStatusHeld           EscrowStatus = "held"
	EscrowStatusPendingRelease EscrowStatus = "pending_release"
	EscrowStatusReleased       EscrowStatus = "released"
	EscrowStatusRefunded       EscrowStatus = "refunded"
	EscrowStatusDisputed       EscrowStatus = "disputed"
)

// IsTerminal reports whether no further transition is possible.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded
}

type EscrowTransaction struct {
	ID               int64           `json:"id"`
	TransactionID    string          `json:"transaction_id"`
	OrderID          int64           `json:"order_id"`
	SellerID         int64           `json:"seller_id"`
	BuyerID          int64           `json:"buyer_id"`
	Amount           decimal.Decimal `json:"amount"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Status           EscrowStatus    `json:"status"`
	OrderCompletedAt *time.Time      `json:"order_completed_at,omitempty"`
	ReleaseDate      *time.Time      `json:"release_date,omitempty"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type Wallet struct {
	ID               int64           `json:"id"`
	SellerID         int64           `json:"seller_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	EscrowBalance    decimal.Decimal `json:"escrow_balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	Status           string          `json:"status"`
	LastActivityAt   *time.Time      `json:"last_activity_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusCompleted WithdrawalStatus = "completed"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

type Withdrawal struct {
	ID            int64            `json:"id"`
	Reference     string           `json:"reference"`
	SellerID      int64            `json:"seller_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Status        WithdrawalStatus `json:"status"`
	BankCode      string           `json:"bank_code"`
	AccountNumber string           `json:"account_number"`
	AccountName   string           `json:"account_name"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
