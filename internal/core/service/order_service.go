package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

const paymentActor = "system:payment"

type CreateOrderRequest struct {
	RequestID       string // optional idempotency key
	CustomerID      string
	Items           []domain.StockLine
	ShippingAddress domain.Address
	PaymentMethod   string
}

type OrderService struct {
	store       port.Store
	ledger      *LedgerService
	idempotency port.IdempotencyStore
	dispatcher  *Dispatcher
	pricing     PricingPolicy
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	attempts    int
}

func NewOrderService(store port.Store, ledger *LedgerService, idempotency port.IdempotencyStore, dispatcher *Dispatcher, pricing PricingPolicy, logger *zap.Logger) *OrderService {
	return &OrderService{
		store:       store,
		ledger:      ledger,
		idempotency: idempotency,
		dispatcher:  dispatcher,
		pricing:     pricing,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		attempts:    DefaultMaxAttempts,
	}
}

func (s *OrderService) SetMaxAttempts(n int) {
	if n > 0 {
		s.attempts = n
	}
}

func validateCreateOrder(req CreateOrderRequest) error {
	if req.CustomerID == "" {
		return domain.NewValidationError("customer_id", "is required")
	}
	if err := validateLines(req.Items); err != nil {
		return err
	}
	if req.PaymentMethod == "" {
		return domain.NewValidationError("payment_method", "is required")
	}
	addr := req.ShippingAddress
	switch {
	case addr.Name == "":
		return domain.NewValidationError("shipping_address.name", "is required")
	case addr.Line1 == "":
		return domain.NewValidationError("shipping_address.line1", "is required")
	case addr.City == "":
		return domain.NewValidationError("shipping_address.city", "is required")
	case addr.Country == "":
		return domain.NewValidationError("shipping_address.country", "is required")
	}
	return nil
}

// CreateOrder decrements stock for every line and persists the order in one
// unit of work. Either both happen or neither does.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "order.create")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("order.customer_id", req.CustomerID),
		attribute.Int("order.lines", len(req.Items)),
	)

	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		idempotencyKey := fmt.Sprintf("order:%s:%s", req.CustomerID, req.RequestID)

		ok, setErr := s.idempotency.SetIdempotency(ctx, idempotencyKey)
		if setErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", setErr)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if releaseErr := s.idempotency.ReleaseIdempotency(context.WithoutCancel(ctx), idempotencyKey); releaseErr != nil {
				s.logger.Warn("release idempotency key failed", zap.String("key", idempotencyKey), zap.Error(releaseErr))
			}
		}()
	}

	orderID := uuid.NewString()
	var created domain.Order
	err = retryOnConflict(ctx, s.logger, "create_order", s.attempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			created, err = s.buildOrder(ctx, tx, orderID, req)
			if err != nil {
				return err
			}
			return tx.CreateOrder(ctx, created)
		})
	})
	if err != nil {
		s.logger.Info("order rejected", zap.String("customer_id", req.CustomerID), zap.Error(err))
		return nil, err
	}

	created.Version = 1
	span.SetAttributes(attribute.String("order.id", created.ID))
	s.logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("customer_id", created.CustomerID),
		zap.String("seller_id", created.SellerID),
		zap.String("total", created.Amounts.Total.String()))

	s.ledger.scheduleAlertCheck(created.SellerID, lineProductIDs(created.Lines())...)
	s.notifyStatus(created, created.Status)
	return &created, nil
}

// buildOrder resolves the catalog snapshot and takes the stock inside tx.
func (s *OrderService) buildOrder(ctx context.Context, tx port.Tx, orderID string, req CreateOrderRequest) (domain.Order, error) {
	lines := domain.MergeLines(req.Items)
	items := make([]domain.OrderItem, 0, len(lines))
	sellers := make(map[string]struct{})

	for _, line := range lines {
		product, err := tx.GetProduct(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, err
		}
		if !product.Active {
			return domain.Order{}, domain.NewValidationError("product_id", "product %s is not for sale", product.ID)
		}
		sellers[product.SellerID] = struct{}{}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		})
	}
	if len(sellers) > 1 {
		ids := make([]string, 0, len(sellers))
		for id := range sellers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return domain.Order{}, &domain.MultiSellerCartError{Sellers: ids}
	}

	var sellerID string
	for id := range sellers {
		sellerID = id
	}

	actor := "customer:" + req.CustomerID
	if _, err := s.ledger.decrementLines(ctx, tx, sellerID, lines, orderID, actor); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	amounts := s.pricing.Amounts(items)
	return domain.Order{
		ID:         orderID,
		CustomerID: req.CustomerID,
		SellerID:   sellerID,
		Items:      items,
		Amounts:    amounts,
		Status:     domain.OrderStatusPending,
		TrackingHistory: []domain.TrackingEntry{{
			Status:    domain.OrderStatusPending,
			Timestamp: now,
			Actor:     actor,
			Note:      "order placed",
		}},
		Payment: domain.PaymentInfo{
			Method: req.PaymentMethod,
			Status: domain.PaymentStatusPending,
			Amount: amounts.Total,
		},
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// UpdateStatus moves an order along the status graph. Moving to cancelled
// goes through CancelOrder so stock is restored.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, next domain.OrderStatus, actor, note string) (order *domain.Order, err error) {
	if !next.Valid() {
		return nil, domain.NewValidationError("status", "unknown order status %q", next)
	}
	if next == domain.OrderStatusCancelled {
		order, err := s.CancelOrder(ctx, orderID, actor, note)
		var notCancellable *domain.NotCancellableError
		if errors.As(err, &notCancellable) {
			return nil, &domain.InvalidTransitionError{OrderID: notCancellable.OrderID, From: notCancellable.Status, To: next}
		}
		return order, err
	}

	ctx, span := s.tracer.Start(ctx, "order.update_status")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(next)),
	)

	var updated domain.Order
	err = retryOnConflict(ctx, s.logger, "update_order_status", s.attempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if err := o.Transition(next, actor, note, s.now()); err != nil {
				return err
			}
			updated = *o
			return tx.UpdateOrder(ctx, *o)
		})
	})
	if err != nil {
		return nil, err
	}

	updated.Version++
	s.logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("status", string(next)),
		zap.String("actor", actor))
	s.notifyStatus(updated, next)
	return &updated, nil
}

// CancelOrder restores every line to stock and moves the order to cancelled.
// If any line cannot be restored nothing changes.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actor, reason string) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "order.cancel")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	var updated domain.Order
	err = retryOnConflict(ctx, s.logger, "cancel_order", s.attempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if !o.Status.Cancellable() {
				return &domain.NotCancellableError{OrderID: o.ID, Status: o.Status}
			}

			for _, item := range o.Items {
				_, err := s.ledger.restoreLine(ctx, tx, RestoreRequest{
					OwnerID:     o.SellerID,
					ProductID:   item.ProductID,
					Quantity:    item.Quantity,
					Type:        domain.TransactionReturn,
					Reason:      "order cancelled",
					Reference:   o.ID,
					PerformedBy: actor,
				})
				if err != nil {
					return fmt.Errorf("cancel order %s: restore %s: %w", o.ID, item.ProductID, err)
				}
			}

			if err := o.Transition(domain.OrderStatusCancelled, actor, reason, s.now()); err != nil {
				return err
			}
			updated = *o
			return tx.UpdateOrder(ctx, *o)
		})
	})
	if err != nil {
		return nil, err
	}

	updated.Version++
	s.logger.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	s.ledger.scheduleAlertCheck(updated.SellerID, lineProductIDs(updated.Lines())...)
	s.notifyStatus(updated, domain.OrderStatusCancelled)
	return &updated, nil
}

// UpdatePaymentStatus records the payment outcome. A completed payment walks
// the order forward to paid, one tracking entry per hop; a refund on a paid
// order moves it to refunded.
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, transactionRef string) (order *domain.Order, err error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("payment_status", "unknown payment status %q", status)
	}

	ctx, span := s.tracer.Start(ctx, "order.update_payment")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.status", string(status)),
	)

	var (
		updated domain.Order
		entered []domain.OrderStatus
	)
	err = retryOnConflict(ctx, s.logger, "update_payment_status", s.attempts, func() error {
		entered = nil
		return s.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			now := s.now()

			switch status {
			case domain.PaymentStatusCompleted:
				if !paidOrBeyond(o.Status) {
					hops := o.Status.PathTo(domain.OrderStatusPaid)
					if hops == nil {
						return &domain.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: domain.OrderStatusPaid}
					}
					for _, hop := range hops {
						if err := o.Transition(hop, paymentActor, "payment completed", now); err != nil {
							return err
						}
						entered = append(entered, hop)
					}
				}
			case domain.PaymentStatusRefunded:
				if o.Status == domain.OrderStatusPaid {
					if err := o.Transition(domain.OrderStatusRefunded, paymentActor, "payment refunded", now); err != nil {
						return err
					}
					entered = append(entered, domain.OrderStatusRefunded)
				}
			}

			o.Payment.Status = status
			if transactionRef != "" {
				o.Payment.TransactionRef = transactionRef
			}
			o.UpdatedAt = now
			updated = *o
			return tx.UpdateOrder(ctx, *o)
		})
	})
	if err != nil {
		return nil, err
	}

	updated.Version++
	s.logger.Info("payment status updated",
		zap.String("order_id", orderID),
		zap.String("payment_status", string(status)),
		zap.String("order_status", string(updated.Status)))
	for _, st := range entered {
		s.notifyStatus(updated, st)
	}
	return &updated, nil
}

func paidOrBeyond(st domain.OrderStatus) bool {
	return st == domain.OrderStatusPaid || domain.OrderStatusPaid.PathTo(st) != nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) ListCustomerOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	if customerID == "" {
		return nil, domain.NewValidationError("customer_id", "is required")
	}
	return s.store.ListOrdersByCustomer(ctx, customerID)
}

// notifyStatus is fire-and-forget: a failed notification never undoes the
// committed change.
func (s *OrderService) notifyStatus(order domain.Order, status domain.OrderStatus) {
	s.dispatcher.Notify(port.Notification{
		RecipientID: order.CustomerID,
		TemplateKey: status.TemplateKey(),
		Payload: map[string]any{
			"order_id": order.ID,
			"status":   string(status),
			"total":    order.Amounts.Total.String(),
		},
	})
}

func lineProductIDs(lines []domain.StockLine) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	return ids
}
