package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/adapter/notify"
	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/service"
	"github.com/rl1809/commerce-core/internal/port"
)

const (
	sellerID      = "stress-seller"
	productID     = "stress-item"
	initialStock  = 20
	totalRequests = 50
	queueSize     = 1000
	workers       = 8
	maxAttempts   = 10
)

func main() {
	redisAddr := flag.String("redis", "", "redis address for idempotency and alert dedup (in-memory when empty)")
	flag.Parse()

	ctx := context.Background()
	logger := zap.NewNop()

	store := storage.NewMemoryStore()
	var idempotency port.IdempotencyStore
	var dedup port.AlertDeduper
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		adapter := storage.NewRedisAdapter(rdb)
		idempotency, dedup = adapter, adapter
	} else {
		cache := storage.NewMemoryCache()
		idempotency, dedup = cache, cache
	}

	dispatcher := service.NewDispatcher(notify.NewLogNotifier(logger), workers, queueSize, logger)
	defer dispatcher.Close()

	ledger := service.NewLedgerService(store, store, dedup, dispatcher, logger)
	ledger.SetMaxAttempts(maxAttempts)
	orders := service.NewOrderService(store, ledger, idempotency, dispatcher, service.PricingPolicy{
		TaxRate:      decimal.RequireFromString("0.10"),
		FlatShipping: decimal.RequireFromString("5.00"),
	}, logger)
	orders.SetMaxAttempts(maxAttempts)

	if _, err := ledger.RegisterItem(ctx, service.RegisterItemRequest{
		OwnerID:      sellerID,
		ProductID:    productID,
		SKU:          "SKU-STRESS",
		Name:         "Stress item",
		Price:        decimal.RequireFromString("9.99"),
		Quantity:     initialStock,
		ReorderPoint: 5,
	}); err != nil {
		log.Fatalf("failed to register item: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var shortCount atomic.Int32
	var otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			req := service.CreateOrderRequest{
				RequestID:  fmt.Sprintf("stress-%d", userID),
				CustomerID: fmt.Sprintf("user-%d", userID),
				Items:      []domain.StockLine{{ProductID: productID, Quantity: 1}},
				ShippingAddress: domain.Address{
					Name:    "Load Tester",
					Line1:   "1 Test Street",
					City:    "Testville",
					Country: "US",
				},
				PaymentMethod: "card",
			}

			var err error
			for {
				_, err = orders.CreateOrder(ctx, req)
				if !domain.IsRetryable(err) {
					break
				}
			}

			var short *domain.InsufficientStockError
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.As(err, &short):
				shortCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("user-%d: unexpected error: %v", userID, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	dispatcher.Wait()

	// Results
	success := successCount.Load()
	short := shortCount.Load()
	other := otherCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", short)
	fmt.Printf("Other errors:     %d\n", other)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == int32(initialStock) && short == int32(totalRequests-initialStock) && other == 0 {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d rejected, got %d/%d (%d other)\n",
			initialStock, totalRequests-initialStock, success, short, other)
	}

	report, err := ledger.Reconcile(ctx, sellerID, productID)
	if err != nil {
		log.Fatalf("failed to reconcile: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", report.QuantityOnHand)
	fmt.Printf("Ledger Entries:   %d\n", report.Entries)

	if report.QuantityOnHand == 0 && report.InitialQuantity+report.DeltaSum == report.QuantityOnHand {
		fmt.Println("PASS: Stock depleted to 0 and ledger reconciles")
	} else {
		fmt.Printf("FAIL: Expected stock 0 with a balanced ledger, got %+v\n", *report)
	}

	alerts, err := ledger.Alerts(ctx, sellerID, true)
	if err != nil {
		log.Fatalf("failed to list alerts: %v", err)
	}
	outOfStock := 0
	for _, a := range alerts {
		if a.Type == domain.AlertOutOfStock {
			outOfStock++
		}
	}
	if outOfStock == 1 {
		fmt.Println("PASS: One out_of_stock alert open")
	} else {
		fmt.Printf("FAIL: Expected 1 open out_of_stock alert, got %d\n", outOfStock)
	}
}
