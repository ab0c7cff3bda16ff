package orders

import (
	"errors"
	"testing"

	"github.com/safar/handiehub/internal/models"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusNew,
	models.OrderStatusConfirmed,
	models.OrderStatusAccepted,
	models.OrderStatusScheduled,
	models.OrderStatusShipped,
	models.OrderStatusInProgress,
	models.OrderStatusDelivered,
	models.OrderStatusCompleted,
	models.OrderStatusReturned,
	models.OrderStatusArbitration,
	models.OrderStatusCancelled,
	models.OrderStatusRefunded,
	models.OrderStatusPaymentFailed,
}

func edges(pairs ...models.OrderStatus) map[[2]models.OrderStatus]bool {
	m := make(map[[2]models.OrderStatus]bool)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[[2]models.OrderStatus{pairs[i], pairs[i+1]}] = true
	}
	return m
}

func TestCanTransitionProduct(t *testing.T) {
	s := models.OrderStatusPending
	allowed := edges(
		s, "new", s, "cancelled",
		"new", "confirmed", "new", "cancelled", "new", "arbitration",
		"confirmed", "shipped", "confirmed", "cancelled", "confirmed", "arbitration",
		"shipped", "delivered", "shipped", "returned", "shipped", "arbitration",
		"delivered", "returned", "delivered", "completed", "delivered", "arbitration",
		"completed", "arbitration",
		"returned", "refunded", "returned", "arbitration",
		"arbitration", "refunded", "arbitration", "completed", "arbitration", "cancelled",
		"cancelled", "refunded",
	)

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]models.OrderStatus{from, to}]
			assert.Equal(t, want, CanTransition(models.ProductTypeProduct, from, to), "product %s -> %s", from, to)
		}
	}
}

func TestCanTransitionService(t *testing.T) {
	s := models.OrderStatusPending
	allowed := edges(
		s, "new", s, "cancelled",
		"new", "accepted", "new", "cancelled", "new", "arbitration",
		"accepted", "scheduled", "accepted", "in_progress", "accepted", "cancelled", "accepted", "arbitration",
		"scheduled", "in_progress", "scheduled", "cancelled", "scheduled", "arbitration",
		"in_progress", "completed", "in_progress", "arbitration",
		"completed", "arbitration",
		"arbitration", "refunded", "arbitration", "completed", "arbitration", "cancelled",
		"cancelled", "refunded",
	)

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]models.OrderStatus{from, to}]
			assert.Equal(t, want, CanTransition(models.ProductTypeService, from, to), "service %s -> %s", from, to)
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := error(&TransitionError{ProductType: models.ProductTypeService, From: "new", To: "shipped"})

	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, "cannot change service order from new to shipped", err.Error())
}

func TestAllowedTransitionsReturnsCopy(t *testing.T) {
	next := AllowedTransitions(models.ProductTypeProduct, models.OrderStatusNew)
	next[0] = models.OrderStatusRefunded

	assert.True(t, CanTransition(models.ProductTypeProduct, models.OrderStatusNew, models.OrderStatusConfirmed))
	assert.Empty(t, AllowedTransitions(models.ProductTypeProduct, models.OrderStatusRefunded))
}
