package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// ErrOptimisticLock is returned when a versioned write lost a race. The whole
// unit of work is discarded and may be retried from the read.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// Store is the persistence boundary. Atomic runs fn inside one unit of work:
// either every write made through tx is committed or none is.
type Store interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListTransactions returns the ledger for one product, oldest first
	ListTransactions(ctx context.Context, ownerID, productID string) ([]domain.InventoryTransaction, error)

	// ListOrdersByCustomer returns a customer's orders, newest first
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)

	// ListExpiredWorkflows returns ids of suspended instances whose step deadline is before now
	ListExpiredWorkflows(ctx context.Context, now time.Time) ([]string, error)
}

// Tx is the view of the store inside one atomic unit. Update methods compare
// the entity's Version with the stored one and fail with ErrOptimisticLock when
// they differ; on success the stored version is incremented.
type Tx interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error

	GetInventory(ctx context.Context, ownerID, productID string) (*domain.InventoryItem, error)
	CreateInventory(ctx context.Context, item domain.InventoryItem) error
	UpdateInventory(ctx context.Context, item domain.InventoryItem) error

	// AppendTransaction writes one immutable ledger entry
	AppendTransaction(ctx context.Context, txn domain.InventoryTransaction) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	// UpdateOrder persists status, payment and updatedAt, and appends tracking
	// entries beyond those already stored. Items and amounts are never rewritten.
	UpdateOrder(ctx context.Context, order domain.Order) error

	GetWorkflow(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error)
	CreateWorkflow(ctx context.Context, instance domain.WorkflowInstance) error
	UpdateWorkflow(ctx context.Context, instance domain.WorkflowInstance) error
}

// AlertRepository stores alerts raised by the ledger. Alerts are written
// outside the stock unit of work.
type AlertRepository interface {
	SaveAlert(ctx context.Context, alert domain.InventoryAlert) error
	ListAlerts(ctx context.Context, ownerID string, unresolvedOnly bool) ([]domain.InventoryAlert, error)
	MarkAlertRead(ctx context.Context, alertID string) error
	// ResolveAlerts closes every unresolved alert of the given type for a product
	ResolveAlerts(ctx context.Context, ownerID, productID string, alertType domain.AlertType, at time.Time) (int, error)
}
