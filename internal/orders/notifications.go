package orders

import (
	"context"
	"fmt"

	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/notify"
)

type statusMessage struct {
	buyerKind    string
	buyerTitle   string
	buyerBody    string
	sellerKind   string
	sellerTitle  string
	sellerBody   string
	notifySeller bool
}

// statusMessages is keyed by the status the order entered. Bodies take the
// short order number.
var statusMessages = map[models.OrderStatus]statusMessage{
	models.OrderStatusConfirmed: {
		buyerKind:  "order_confirmed",
		buyerTitle: "Order Confirmed",
		buyerBody:  "Your order #%s has been confirmed by the seller and will be prepared soon.",
	},
	models.OrderStatusShipped: {
		buyerKind:  "order_shipped",
		buyerTitle: "Order Shipped",
		buyerBody:  "Your order #%s has been shipped! Track your package for delivery updates.",
	},
	models.OrderStatusDelivered: {
		buyerKind:  "order_delivered",
		buyerTitle: "Order Delivered",
		buyerBody:  "Your order #%s has been delivered. Please confirm receipt and leave a review!",
	},
	models.OrderStatusCompleted: {
		buyerKind:    "order_completed",
		buyerTitle:   "Order Completed",
		buyerBody:    "Your order #%s is now complete. Thank you for shopping with us!",
		sellerKind:   "payment_pending_release",
		sellerTitle:  "Payment Pending Release",
		sellerBody:   "Payment for order #%s will be released to your wallet in 5 days.",
		notifySeller: true,
	},
	models.OrderStatusCancelled: {
		buyerKind:    "order_cancelled",
		buyerTitle:   "Order Cancelled",
		buyerBody:    "Your order #%s has been cancelled. A refund will be processed if applicable.",
		sellerKind:   "order_cancelled",
		sellerTitle:  "Order Cancelled",
		sellerBody:   "Order #%s has been cancelled.",
		notifySeller: true,
	},
	models.OrderStatusAccepted: {
		buyerKind:  "order_confirmed",
		buyerTitle: "Service Accepted",
		buyerBody:  "Your service request #%s has been accepted by the provider.",
	},
	models.OrderStatusScheduled: {
		buyerKind:  "order_confirmed",
		buyerTitle: "Service Scheduled",
		buyerBody:  "Your service #%s has been scheduled. Check the details in your orders.",
	},
	models.OrderStatusInProgress: {
		buyerKind:  "order_shipped",
		buyerTitle: "Service In Progress",
		buyerBody:  "The provider has started working on your service #%s.",
	},
}

func orderData(order *models.Order, productName string) map[string]any {
	return map[string]any{
		"order_id":     order.OrderID,
		"order_number": order.ShortNumber(),
		"product_name": productName,
		"status":       string(order.Status),
		"amount":       order.Amount.String(),
	}
}

func (s *Service) notifyCreated(ctx context.Context, order *models.Order, productName string) {
	number := order.ShortNumber()
	data := orderData(order, productName)

	s.dispatcher.Notify(ctx, order.SellerID, notify.EventOrderCreated, notify.Payload{
		Title:   "New Order Received",
		Message: fmt.Sprintf("You have a new order #%s for %q.", number, productName),
		Data:    data,
	})
	s.dispatcher.Notify(ctx, order.BuyerID, notify.EventOrderCreated, notify.Payload{
		Title:   "Order Placed Successfully",
		Message: fmt.Sprintf("Your order #%s for %q has been placed. The seller will process it soon.", number, productName),
		Data:    data,
	})
}

func (s *Service) notifyStatus(ctx context.Context, order *models.Order, productName string) {
	msg, ok := statusMessages[order.Status]
	if !ok {
		return
	}

	number := order.ShortNumber()

	data := orderData(order, productName)
	data["kind"] = msg.buyerKind
	s.dispatcher.Notify(ctx, order.BuyerID, notify.EventOrderStatusChanged, notify.Payload{
		Title:   msg.buyerTitle,
		Message: fmt.Sprintf(msg.buyerBody, number),
		Data:    data,
	})

	if !msg.notifySeller {
		return
	}
	sellerData := orderData(order, productName)
	sellerData["kind"] = msg.sellerKind
	s.dispatcher.Notify(ctx, order.SellerID, notify.EventOrderStatusChanged, notify.Payload{
		Title:   msg.sellerTitle,
		Message: fmt.Sprintf(msg.sellerBody, number),
		Data:    sellerData,
	})
}

func (s *Service) notifyPaymentFailed(ctx context.Context, order *models.Order, productName string) {
	s.dispatcher.Notify(ctx, order.BuyerID, notify.EventPaymentFailed, notify.Payload{
		Title:   "Payment Failed",
		Message: fmt.Sprintf("Payment for %q could not be completed: %s", productName, order.FailureReason),
		Data:    orderData(order, productName),
	})
}
