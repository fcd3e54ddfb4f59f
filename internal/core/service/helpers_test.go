package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

// Mock Notifier
type recordingNotifier struct {
	mu   sync.Mutex
	sent []port.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification port.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) templatesFor(recipient string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.RecipientID == recipient {
			out = append(out, s.TemplateKey)
		}
	}
	return out
}

type testEnv struct {
	store      *storage.MemoryStore
	cache      *storage.MemoryCache
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	ledger     *LedgerService
	orders     *OrderService
}

var testPricing = PricingPolicy{
	TaxRate:               decimal.RequireFromString("0.10"),
	FlatShipping:          decimal.RequireFromString("5.00"),
	FreeShippingThreshold: decimal.RequireFromString("100.00"),
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(notifier, 4, 1000, logger)
	t.Cleanup(dispatcher.Close)

	ledger := NewLedgerService(store, store, cache, dispatcher, logger)
	return &testEnv{
		store:      store,
		cache:      cache,
		notifier:   notifier,
		dispatcher: dispatcher,
		ledger:     ledger,
		orders:     NewOrderService(store, ledger, cache, dispatcher, testPricing, logger),
	}
}

func (env *testEnv) stock(t *testing.T, seller, product string, quantity, reorderPoint int, price string) {
	t.Helper()
	_, err := env.ledger.RegisterItem(context.Background(), RegisterItemRequest{
		OwnerID:      seller,
		ProductID:    product,
		SKU:          "SKU-" + product,
		Name:         product,
		Price:        decimal.RequireFromString(price),
		Quantity:     quantity,
		ReorderPoint: reorderPoint,
	})
	require.NoError(t, err)
	env.dispatcher.Wait()
}

func (env *testEnv) onHand(t *testing.T, seller, product string) int {
	t.Helper()
	item, err := env.ledger.GetItem(context.Background(), seller, product)
	require.NoError(t, err)
	return item.QuantityOnHand
}

// untilSettled retries fn while it fails with a transient conflict, the way a
// well-behaved client would.
func untilSettled(fn func() error) error {
	for {
		err := fn()
		if !domain.IsRetryable(err) {
			return err
		}
	}
}

var testAddress = domain.Address{
	Name:       "Grace Hopper",
	Line1:      "1 Navy Way",
	City:       "Arlington",
	State:      "VA",
	PostalCode: "22201",
	Country:    "US",
}

func orderRequest(customer string, lines ...domain.StockLine) CreateOrderRequest {
	return CreateOrderRequest{
		CustomerID:      customer,
		Items:           lines,
		ShippingAddress: testAddress,
		PaymentMethod:   "card",
	}
}

// missingInventoryStore hides one product's inventory row from every unit of
// work, as if it had been deleted.
type missingInventoryStore struct {
	port.Store
	productID string
}

func (s *missingInventoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.Store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
		return fn(ctx, missingInventoryTx{Tx: tx, productID: s.productID})
	})
}

type missingInventoryTx struct {
	port.Tx
	productID string
}

func (tx missingInventoryTx) GetInventory(ctx context.Context, ownerID, productID string) (*domain.InventoryItem, error) {
	if productID == tx.productID {
		return nil, fmt.Errorf("inventory %s/%s: %w", ownerID, productID, domain.ErrNotFound)
	}
	return tx.Tx.GetInventory(ctx, ownerID, productID)
}

func isInsufficientStock(err error) bool {
	var stock *domain.InsufficientStockError
	return errors.As(err, &stock)
}
