package orders

import (
	"errors"
	"fmt"

	"github.com/safar/handiehub/internal/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type transitionTable map[models.OrderStatus][]models.OrderStatus

var productTransitions = transitionTable{
	models.OrderStatusPending:     {models.OrderStatusNew, models.OrderStatusCancelled},
	models.OrderStatusNew:         {models.OrderStatusConfirmed, models.OrderStatusCancelled, models.OrderStatusArbitration},
	models.OrderStatusConfirmed:   {models.OrderStatusShipped, models.OrderStatusCancelled, models.OrderStatusArbitration},
	models.OrderStatusShipped:     {models.OrderStatusDelivered, models.OrderStatusReturned, models.OrderStatusArbitration},
	models.OrderStatusDelivered:   {models.OrderStatusReturned, models.OrderStatusCompleted, models.OrderStatusArbitration},
	models.OrderStatusCompleted:   {models.OrderStatusArbitration},
	models.OrderStatusReturned:    {models.OrderStatusRefunded, models.OrderStatusArbitration},
	models.OrderStatusArbitration: {models.OrderStatusRefunded, models.OrderStatusCompleted, models.OrderStatusCancelled},
	models.OrderStatusCancelled:   {models.OrderStatusRefunded},
	models.OrderStatusRefunded:    {},
}

var serviceTransitions = transitionTable{
	models.OrderStatusPending:     {models.OrderStatusNew, models.OrderStatusCancelled},
	models.OrderStatusNew:         {models.OrderStatusAccepted, models.OrderStatusCancelled, models.OrderStatusArbitration},
	models.OrderStatusAccepted:    {models.OrderStatusScheduled, models.OrderStatusInProgress, models.OrderStatusCancelled, models.OrderStatusArbitration},
	models.OrderStatusScheduled:   {models.OrderStatusInProgress, models.OrderStatusCancelled, models.OrderStatusArbitration},
	models.OrderStatusInProgress:  {models.OrderStatusCompleted, models.OrderStatusArbitration},
	models.OrderStatusCompleted:   {models.OrderStatusArbitration},
	models.OrderStatusArbitration: {models.OrderStatusRefunded, models.OrderStatusCompleted, models.OrderStatusCancelled},
	models.OrderStatusCancelled:   {models.OrderStatusRefunded},
	models.OrderStatusRefunded:    {},
}

func tableFor(productType models.ProductType) transitionTable {
	if productType == models.ProductTypeService {
		return serviceTransitions
	}
	return productTransitions
}

// CanTransition reports whether an order of the given product type may move
// from one status to another. Statuses missing from the table, such as
// payment_failed, allow nothing.
func CanTransition(productType models.ProductType, from, to models.OrderStatus) bool {
	for _, allowed := range tableFor(productType)[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the statuses reachable from from.
func AllowedTransitions(productType models.ProductType, from models.OrderStatus) []models.OrderStatus {
	next := tableFor(productType)[from]
	out := make([]models.OrderStatus, len(next))
	copy(out, next)
	return out
}

// TransitionError is returned for a status change the table does not allow.
// It matches ErrInvalidTransition.
type TransitionError struct {
	ProductType models.ProductType
	From        models.OrderStatus
	To          models.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change %s order from %s to %s", e.ProductType, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// restoresStock reports whether entering status gives back reserved stock
// and refunds the escrow.
func restoresStock(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusCancelled, models.OrderStatusRefunded, models.OrderStatusReturned:
		return true
	}
	return false
}
