package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/core/service"
	"github.com/rl1809/commerce-core/internal/core/workflow"
	"github.com/rl1809/commerce-core/internal/port"
)

type nopNotifier struct {
	mu   sync.Mutex
	sent []port.Notification
}

func (n *nopNotifier) Notify(ctx context.Context, notification port.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

type testServices struct {
	orders *service.OrderService
	ledger *service.LedgerService
	engine *workflow.Engine
}

func newTestServices(t *testing.T) testServices {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()
	dispatcher := service.NewDispatcher(&nopNotifier{}, 2, 100, logger)
	t.Cleanup(dispatcher.Close)

	ledger := service.NewLedgerService(store, store, cache, dispatcher, logger)
	orders := service.NewOrderService(store, ledger, cache, dispatcher, service.PricingPolicy{
		TaxRate:      decimal.RequireFromString("0.10"),
		FlatShipping: decimal.RequireFromString("5.00"),
	}, logger)

	defs, err := workflow.BuiltinDefinitions()
	require.NoError(t, err)
	engine, err := workflow.New(store, dispatcher, logger, workflow.WithDefinitions(defs...))
	require.NoError(t, err)
	service.RegisterOrderWorkflowActions(engine, orders)

	_, err = ledger.RegisterItem(context.Background(), service.RegisterItemRequest{
		OwnerID:   "seller-1",
		ProductID: "mug",
		SKU:       "SKU-MUG",
		Name:      "Mug",
		Price:     decimal.RequireFromString("19.99"),
		Quantity:  5,
	})
	require.NoError(t, err)

	return testServices{orders: orders, ledger: ledger, engine: engine}
}

func testOrderRequest(qty int) CreateOrderRequest {
	return CreateOrderRequest{
		CustomerID: "cust-1",
		Items:      []lineJSON{{ProductID: "mug", Quantity: qty}},
		ShippingAddress: addressJSON{
			Name:    "Grace Hopper",
			Line1:   "1 Navy Way",
			City:    "Arlington",
			Country: "US",
		},
		PaymentMethod: "card",
	}
}
