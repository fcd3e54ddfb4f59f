package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

func TestCreateOrder_Success(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "19.99")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 2}))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "seller-1", order.SellerID)
	assert.Equal(t, 1, order.Version)
	require.Len(t, order.TrackingHistory, 1)
	assert.Equal(t, domain.OrderStatusPending, order.TrackingHistory[0].Status)
	assert.Equal(t, "19.99", order.Items[0].UnitPrice.StringFixed(2))

	assert.Equal(t, "39.98", order.Amounts.Subtotal.StringFixed(2))
	assert.Equal(t, "5.00", order.Amounts.Shipping.StringFixed(2))
	assert.Equal(t, "4.00", order.Amounts.Tax.StringFixed(2))
	assert.Equal(t, "48.98", order.Amounts.Total.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusPending, order.Payment.Status)
	assert.True(t, order.Payment.Amount.Equal(order.Amounts.Total))

	assert.Equal(t, 8, env.onHand(t, "seller-1", "mug"))
	txns, err := env.ledger.Transactions(ctx, "seller-1", "mug")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, order.ID, txns[0].Reference)
	assert.Equal(t, "customer:cust-1", txns[0].PerformedBy)

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Amounts.Total.String(), stored.Amounts.Total.String())

	env.dispatcher.Wait()
	assert.Equal(t, []string{"order_created"}, env.notifier.templatesFor("cust-1"))
}

// Two customers race for the last units: five on hand, reorder point two,
// each orders three.
func TestCreateOrder_ConcurrentLastUnits(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "lamp", 5, 2, "40.00")
	ctx := context.Background()

	var successCount atomic.Int32
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, customer := range []string{"cust-a", "cust-b"} {
		wg.Add(1)
		go func(i int, customer string) {
			defer wg.Done()
			results[i] = untilSettled(func() error {
				_, err := env.orders.CreateOrder(ctx, orderRequest(customer, domain.StockLine{ProductID: "lamp", Quantity: 3}))
				return err
			})
			if results[i] == nil {
				successCount.Add(1)
			}
		}(i, customer)
	}
	wg.Wait()
	env.dispatcher.Wait()

	assert.Equal(t, int32(1), successCount.Load())
	for _, err := range results {
		if err != nil {
			var stockErr *domain.InsufficientStockError
			require.True(t, errors.As(err, &stockErr), "unexpected error: %v", err)
			assert.Equal(t, domain.Shortage{ProductID: "lamp", Requested: 3, Available: 2}, stockErr.Shortages[0])
		}
	}

	assert.Equal(t, 2, env.onHand(t, "seller-1", "lamp"))

	txns, err := env.ledger.Transactions(ctx, "seller-1", "lamp")
	require.NoError(t, err)
	assert.Len(t, txns, 1, "the failed attempt leaves no ledger entry")

	var orders int
	for _, customer := range []string{"cust-a", "cust-b"} {
		list, err := env.orders.ListCustomerOrders(ctx, customer)
		require.NoError(t, err)
		orders += len(list)
	}
	assert.Equal(t, 1, orders)

	alerts, err := env.ledger.Alerts(ctx, "seller-1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLowStock, alerts[0].Type)
	assert.Equal(t, 2, alerts[0].Quantity)
}

func TestCreateOrder_AtomicCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	env.stock(t, "seller-1", "plate", 1, 0, "7.00")
	ctx := context.Background()

	_, err := env.orders.CreateOrder(ctx, orderRequest("cust-1",
		domain.StockLine{ProductID: "mug", Quantity: 2},
		domain.StockLine{ProductID: "plate", Quantity: 2},
	))
	assert.True(t, isInsufficientStock(err))

	assert.Equal(t, 10, env.onHand(t, "seller-1", "mug"))
	assert.Equal(t, 1, env.onHand(t, "seller-1", "plate"))
	orders, err := env.orders.ListCustomerOrders(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	env.stock(t, "seller-2", "vase", 10, 0, "30.00")
	ctx := context.Background()

	_, err := env.orders.CreateOrder(ctx, orderRequest("cust-1",
		domain.StockLine{ProductID: "mug", Quantity: 1},
		domain.StockLine{ProductID: "vase", Quantity: 1},
	))
	var multi *domain.MultiSellerCartError
	require.True(t, errors.As(err, &multi))
	assert.Equal(t, []string{"seller-1", "seller-2"}, multi.Sellers)

	_, err = env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "ghost", Quantity: 1}))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, 10, env.onHand(t, "seller-1", "mug"))
	assert.Equal(t, 10, env.onHand(t, "seller-2", "vase"))
}

func TestCreateOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	line := domain.StockLine{ProductID: "mug", Quantity: 1}

	tests := []struct {
		name   string
		mutate func(*CreateOrderRequest)
		field  string
	}{
		{"missing customer", func(r *CreateOrderRequest) { r.CustomerID = "" }, "customer_id"},
		{"no items", func(r *CreateOrderRequest) { r.Items = nil }, "items"},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items = []domain.StockLine{{ProductID: "mug"}} }, "quantity"},
		{"missing payment method", func(r *CreateOrderRequest) { r.PaymentMethod = "" }, "payment_method"},
		{"missing city", func(r *CreateOrderRequest) { r.ShippingAddress.City = "" }, "shipping_address.city"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := orderRequest("cust-1", line)
			tt.mutate(&req)
			_, err := env.orders.CreateOrder(context.Background(), req)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateOrder_Idempotency(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 1, 0, "5.00")
	ctx := context.Background()

	req := orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 2})
	req.RequestID = "req-1"

	_, err := env.orders.CreateOrder(ctx, req)
	assert.True(t, isInsufficientStock(err))

	_, err = env.ledger.Adjust(ctx, AdjustRequest{OwnerID: "seller-1", ProductID: "mug", Delta: 5, Type: domain.TransactionStockIn})
	require.NoError(t, err)

	_, err = env.orders.CreateOrder(ctx, req)
	require.NoError(t, err, "a failed attempt releases its key")

	_, err = env.orders.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
	assert.Equal(t, 4, env.onHand(t, "seller-1", "mug"))
}

func TestUpdateStatus_FollowsGraph(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)

	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusShipped, "ops", "")
	var transition *domain.InvalidTransitionError
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, domain.OrderStatusPending, transition.From)
	assert.Equal(t, domain.OrderStatusShipped, transition.To)

	for _, next := range []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusPaymentPending,
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		order, err = env.orders.UpdateStatus(ctx, order.ID, next, "ops", "")
		require.NoError(t, err)
		assert.Equal(t, next, order.Status)
	}
	assert.Len(t, order.TrackingHistory, 7)

	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusProcessing, "ops", "")
	assert.True(t, errors.As(err, &transition), "no going back")

	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled, "ops", "")
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, domain.OrderStatusDelivered, transition.From)
	assert.Equal(t, domain.OrderStatusCancelled, transition.To)
	assert.Equal(t, 9, env.onHand(t, "seller-1", "mug"))

	order, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusDisputed, "cust-1", "item arrived broken")
	require.NoError(t, err)
	assert.Len(t, order.TrackingHistory, 8)

	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusDisputed, "cust-1", "")
	assert.True(t, errors.As(err, &transition))

	_, err = env.orders.UpdateStatus(ctx, order.ID, "lost", "ops", "")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	env.dispatcher.Wait()
	assert.ElementsMatch(t, []string{
		"order_created", "order_confirmed", "payment_pending", "payment_received",
		"order_processing", "order_shipped", "order_delivered", "order_disputed",
	}, env.notifier.templatesFor("cust-1"))
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	env.stock(t, "seller-1", "plate", 5, 0, "7.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1",
		domain.StockLine{ProductID: "mug", Quantity: 3},
		domain.StockLine{ProductID: "plate", Quantity: 2},
	))
	require.NoError(t, err)
	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed, "ops", "")
	require.NoError(t, err)

	cancelled, err := env.orders.CancelOrder(ctx, order.ID, "cust-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	last := cancelled.TrackingHistory[len(cancelled.TrackingHistory)-1]
	assert.Equal(t, "changed my mind", last.Note)

	assert.Equal(t, 10, env.onHand(t, "seller-1", "mug"))
	assert.Equal(t, 5, env.onHand(t, "seller-1", "plate"))

	txns, err := env.ledger.Transactions(ctx, "seller-1", "mug")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.TransactionReturn, txns[1].Type)
	assert.Equal(t, order.ID, txns[1].Reference)

	_, err = env.ledger.Reconcile(ctx, "seller-1", "plate")
	assert.NoError(t, err)

	_, err = env.orders.CancelOrder(ctx, order.ID, "cust-1", "again")
	var notCancellable *domain.NotCancellableError
	assert.True(t, errors.As(err, &notCancellable))
	assert.Equal(t, 10, env.onHand(t, "seller-1", "mug"), "a rejected cancel restores nothing")
}

func TestCancelOrder_AfterPaymentIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)
	_, err = env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted, "pay_1")
	require.NoError(t, err)

	_, err = env.orders.CancelOrder(ctx, order.ID, "cust-1", "")
	var notCancellable *domain.NotCancellableError
	require.True(t, errors.As(err, &notCancellable))
	assert.Equal(t, domain.OrderStatusPaid, notCancellable.Status)

	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled, "cust-1", "")
	var transition *domain.InvalidTransitionError
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, domain.OrderStatusPaid, transition.From)
	assert.Equal(t, domain.OrderStatusCancelled, transition.To)
	assert.Equal(t, 9, env.onHand(t, "seller-1", "mug"))
}

func TestCancelOrder_RestoreFailureAbortsCancel(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	env.stock(t, "seller-1", "plate", 10, 0, "7.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1",
		domain.StockLine{ProductID: "mug", Quantity: 3},
		domain.StockLine{ProductID: "plate", Quantity: 3},
	))
	require.NoError(t, err)

	store := &missingInventoryStore{Store: env.store, productID: "plate"}
	ledger := NewLedgerService(store, env.store, env.cache, env.dispatcher, zap.NewNop())
	orders := NewOrderService(store, ledger, env.cache, env.dispatcher, testPricing, zap.NewNop())

	_, err = orders.CancelOrder(ctx, order.ID, "cust-1", "changed my mind")
	require.ErrorIs(t, err, domain.ErrNotFound)

	current, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, current.Status)
	assert.Len(t, current.TrackingHistory, 1)
	assert.Equal(t, 7, env.onHand(t, "seller-1", "mug"))
	assert.Equal(t, 7, env.onHand(t, "seller-1", "plate"))

	txns, err := env.ledger.Transactions(ctx, "seller-1", "mug")
	require.NoError(t, err)
	assert.Len(t, txns, 1, "no return entry for the aborted cancel")
}

func TestUpdatePaymentStatus(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)

	paid, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	assert.Equal(t, domain.PaymentStatusCompleted, paid.Payment.Status)
	assert.Equal(t, "pay_123", paid.Payment.TransactionRef)
	require.Len(t, paid.TrackingHistory, 4)
	for _, entry := range paid.TrackingHistory[1:] {
		assert.Equal(t, "system:payment", entry.Actor)
	}

	again, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted, "")
	require.NoError(t, err)
	assert.Len(t, again.TrackingHistory, 4, "already paid")

	refunded, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusRefunded, "re_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, "re_1", refunded.Payment.TransactionRef)

	_, err = env.orders.UpdatePaymentStatus(ctx, order.ID, "bounced", "")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestUpdatePaymentStatus_CancelledOrder(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)
	_, err = env.orders.CancelOrder(ctx, order.ID, "cust-1", "")
	require.NoError(t, err)

	_, err = env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted, "pay_1")
	var transition *domain.InvalidTransitionError
	assert.True(t, errors.As(err, &transition))

	failed, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusFailed, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, failed.Status)
	assert.Equal(t, domain.PaymentStatusFailed, failed.Payment.Status)
}

func TestNotificationFailureDoesNotUndoChange(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("smtp down")
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")

	order, err := env.orders.CreateOrder(context.Background(), orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)
	env.dispatcher.Wait()

	stored, err := env.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
}
