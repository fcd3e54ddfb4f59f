package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
	OrderStatusDisputed       OrderStatus = "disputed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPaymentPending, OrderStatusCancelled},
	OrderStatusPaymentPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing:     {OrderStatusShipped},
	OrderStatusShipped:        {OrderStatusDelivered},
}

// mainPath is the happy-path order used to walk an order forward to a target.
var mainPath = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaymentPending,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPaymentPending,
		OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded,
		OrderStatusDisputed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the order status graph.
// Every state except disputed itself may move to disputed.
func CanTransition(from, to OrderStatus) bool {
	if to == OrderStatusDisputed {
		return from.Valid() && from != OrderStatusDisputed
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether an order in this status may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return CanTransition(s, OrderStatusCancelled)
}

// PathTo returns the main-path hops from s up to and including target, or nil
// when target is not ahead of s on the main path.
func (s OrderStatus) PathTo(target OrderStatus) []OrderStatus {
	from, to := -1, -1
	for i, st := range mainPath {
		if st == s {
			from = i
		}
		if st == target {
			to = i
		}
	}
	if from < 0 || to <= from {
		return nil
	}
	hops := make([]OrderStatus, to-from)
	copy(hops, mainPath[from+1:to+1])
	return hops
}

// TemplateKey maps a status to the notification template sent on entering it.
func (s OrderStatus) TemplateKey() string {
	switch s {
	case OrderStatusConfirmed:
		return "order_confirmed"
	case OrderStatusPaymentPending:
		return "payment_pending"
	case OrderStatusPaid:
		return "payment_received"
	case OrderStatusProcessing:
		return "order_processing"
	case OrderStatusShipped:
		return "order_shipped"
	case OrderStatusDelivered:
		return "order_delivered"
	case OrderStatusCancelled:
		return "order_cancelled"
	case OrderStatusRefunded:
		return "payment_refunded"
	case OrderStatusDisputed:
		return "order_disputed"
	default:
		return "order_created"
	}
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal // snapshot at checkout
}

type OrderAmounts struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

type TrackingEntry struct {
	Status    OrderStatus
	Timestamp time.Time
	Actor     string
	Note      string
}

type PaymentInfo struct {
	Method         string
	Status         PaymentStatus
	Amount         decimal.Decimal
	TransactionRef string
}

type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

type Order struct {
	ID              string
	CustomerID      string
	SellerID        string
	Items           []OrderItem
	Amounts         OrderAmounts
	Status          OrderStatus
	TrackingHistory []TrackingEntry
	Payment         PaymentInfo
	ShippingAddress Address
	Version         int // optimistic locking
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Lines returns the order's items as ledger stock lines.
func (o Order) Lines() []StockLine {
	lines := make([]StockLine, len(o.Items))
	for i, item := range o.Items {
		lines[i] = StockLine{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}

// Transition moves the order to next and appends one tracking entry. The
// status graph is checked first; on rejection the order is left untouched.
func (o *Order) Transition(next OrderStatus, actor, note string, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: next}
	}
	o.Status = next
	o.TrackingHistory = append(o.TrackingHistory, TrackingEntry{
		Status:    next,
		Timestamp: at,
		Actor:     actor,
		Note:      note,
	})
	o.UpdatedAt = at
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.TrackingHistory = append([]TrackingEntry(nil), o.TrackingHistory...)
	return c
}
