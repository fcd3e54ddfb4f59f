package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

// LedgerService owns per-product stock. Every change to QuantityOnHand is
// written together with exactly one ledger entry in the same unit of work.
type LedgerService struct {
	store      port.Store
	alerts     port.AlertRepository
	dedup      port.AlertDeduper
	dispatcher *Dispatcher
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	attempts   int

	// one alert evaluation at a time per item
	alertLocks sync.Map
}

func NewLedgerService(store port.Store, alerts port.AlertRepository, dedup port.AlertDeduper, dispatcher *Dispatcher, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:      store,
		alerts:     alerts,
		dedup:      dedup,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		attempts:   DefaultMaxAttempts,
	}
}

// SetMaxAttempts overrides the optimistic retry budget.
func (l *LedgerService) SetMaxAttempts(n int) {
	if n > 0 {
		l.attempts = n
	}
}

type RegisterItemRequest struct {
	OwnerID      string
	ProductID    string
	SKU          string
	Name         string
	Price        decimal.Decimal
	Quantity     int
	ReorderPoint int
	MaximumStock int
	Status       domain.InventoryStatus
}

type AdjustRequest struct {
	OwnerID     string
	ProductID   string
	Delta       int
	Type        domain.TransactionType
	Reason      string
	Reference   string
	PerformedBy string
}

type RestoreRequest struct {
	OwnerID     string
	ProductID   string
	Quantity    int
	Type        domain.TransactionType
	Reason      string
	Reference   string
	PerformedBy string
}

type ReconcileReport struct {
	InitialQuantity int
	DeltaSum        int
	QuantityOnHand  int
	Entries         int
}

// RegisterItem creates the stock record for a seller's product. The catalog
// record is created alongside it when it does not exist yet.
func (l *LedgerService) RegisterItem(ctx context.Context, req RegisterItemRequest) (item *domain.InventoryItem, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.register_item")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("inventory.owner_id", req.OwnerID),
		attribute.String("inventory.product_id", req.ProductID),
	)

	if req.Status == "" {
		req.Status = domain.InventoryStatusActive
	}
	if err := validateRegister(req); err != nil {
		return nil, err
	}

	now := l.now()
	created := domain.InventoryItem{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		ProductID:       req.ProductID,
		SKU:             req.SKU,
		QuantityOnHand:  req.Quantity,
		InitialQuantity: req.Quantity,
		ReorderPoint:    req.ReorderPoint,
		MaximumStock:    req.MaximumStock,
		Status:          req.Status,
		ApprovalStatus:  domain.ApprovalStatusApproved,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Status == domain.InventoryStatusPendingApproval {
		created.ApprovalStatus = domain.ApprovalStatusPending
	}

	err = l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := tx.SaveProduct(ctx, domain.Product{
				ID:       req.ProductID,
				SellerID: req.OwnerID,
				Name:     req.Name,
				Price:    req.Price,
				Active:   true,
			}); err != nil {
				return err
			}
		case err != nil:
			return err
		case product.SellerID != req.OwnerID:
			return domain.NewValidationError("owner_id", "product %s belongs to seller %s", req.ProductID, product.SellerID)
		}
		return tx.CreateInventory(ctx, created)
	})
	if err != nil {
		return nil, fmt.Errorf("register item: %w", err)
	}

	l.logger.Info("inventory item registered",
		zap.String("owner_id", req.OwnerID),
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity))
	l.scheduleAlertCheck(req.OwnerID, req.ProductID)

	created.Version = 1
	return &created, nil
}

func validateRegister(req RegisterItemRequest) error {
	switch {
	case req.OwnerID == "":
		return domain.NewValidationError("owner_id", "is required")
	case req.ProductID == "":
		return domain.NewValidationError("product_id", "is required")
	case req.Quantity < 0:
		return domain.NewValidationError("quantity", "must not be negative")
	case req.ReorderPoint < 0:
		return domain.NewValidationError("reorder_point", "must not be negative")
	case req.MaximumStock < 0:
		return domain.NewValidationError("maximum_stock", "must not be negative")
	case req.Price.IsNegative():
		return domain.NewValidationError("price", "must not be negative")
	}
	switch req.Status {
	case domain.InventoryStatusActive, domain.InventoryStatusInactive,
		domain.InventoryStatusDiscontinued, domain.InventoryStatusPendingApproval:
		return nil
	}
	return domain.NewValidationError("status", "unknown status %q", req.Status)
}

func validateLines(lines []domain.StockLine) error {
	if len(lines) == 0 {
		return domain.NewValidationError("items", "at least one item is required")
	}
	for _, line := range lines {
		if line.ProductID == "" {
			return domain.NewValidationError("product_id", "is required")
		}
		if line.Quantity <= 0 {
			return domain.NewValidationError("quantity", "must be positive for product %s", line.ProductID)
		}
	}
	return nil
}

// ReserveAndDecrement removes stock for every line or for none. When any line
// cannot be covered the returned *domain.InsufficientStockError lists every
// short product.
func (l *LedgerService) ReserveAndDecrement(ctx context.Context, ownerID string, lines []domain.StockLine, reference, actor string) (txns []domain.InventoryTransaction, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.reserve_and_decrement")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("inventory.owner_id", ownerID),
		attribute.Int("inventory.lines", len(lines)),
	)

	if err := validateLines(lines); err != nil {
		return nil, err
	}

	err = retryOnConflict(ctx, l.logger, "reserve_and_decrement", l.attempts, func() error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			txns, err = l.decrementLines(ctx, tx, ownerID, lines, reference, actor)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	l.scheduleAlertCheck(ownerID, productIDs(txns)...)
	return txns, nil
}

// decrementLines runs inside the caller's unit of work.
func (l *LedgerService) decrementLines(ctx context.Context, tx port.Tx, ownerID string, lines []domain.StockLine, reference, actor string) ([]domain.InventoryTransaction, error) {
	merged := domain.MergeLines(lines)
	items := make([]*domain.InventoryItem, len(merged))

	var shortages []domain.Shortage
	for i, line := range merged {
		item, err := tx.GetInventory(ctx, ownerID, line.ProductID)
		if err != nil {
			return nil, err
		}
		available := item.Available()
		if !item.Sellable() {
			available = 0
		}
		if available < line.Quantity {
			shortages = append(shortages, domain.Shortage{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: available,
			})
			continue
		}
		items[i] = item
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	now := l.now()
	txns := make([]domain.InventoryTransaction, 0, len(merged))
	for i, line := range merged {
		txn, err := l.applyDelta(ctx, tx, items[i], -line.Quantity, domain.TransactionStockOut, "checkout", reference, actor, now)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// applyDelta writes the new on-hand quantity and its ledger entry.
func (l *LedgerService) applyDelta(ctx context.Context, tx port.Tx, item *domain.InventoryItem, delta int, txnType domain.TransactionType, reason, reference, actor string, at time.Time) (domain.InventoryTransaction, error) {
	before := item.QuantityOnHand
	item.QuantityOnHand += delta
	item.UpdatedAt = at
	if err := tx.UpdateInventory(ctx, *item); err != nil {
		return domain.InventoryTransaction{}, err
	}

	txn := domain.InventoryTransaction{
		ID:             uuid.NewString(),
		OwnerID:        item.OwnerID,
		ProductID:      item.ProductID,
		Type:           txnType,
		QuantityDelta:  delta,
		QuantityBefore: before,
		QuantityAfter:  item.QuantityOnHand,
		Reason:         reason,
		Reference:      reference,
		PerformedBy:    actor,
		PerformedAt:    at,
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return domain.InventoryTransaction{}, err
	}
	return txn, nil
}

// Restore puts stock back. It only fails when the product no longer exists.
func (l *LedgerService) Restore(ctx context.Context, req RestoreRequest) (txn *domain.InventoryTransaction, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.restore")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("inventory.owner_id", req.OwnerID),
		attribute.String("inventory.product_id", req.ProductID),
		attribute.Int("inventory.quantity", req.Quantity),
	)

	if req.Quantity <= 0 {
		return nil, domain.NewValidationError("quantity", "must be positive")
	}

	var result domain.InventoryTransaction
	err = retryOnConflict(ctx, l.logger, "restore", l.attempts, func() error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			result, err = l.restoreLine(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	l.scheduleAlertCheck(req.OwnerID, req.ProductID)
	return &result, nil
}

func (l *LedgerService) restoreLine(ctx context.Context, tx port.Tx, req RestoreRequest) (domain.InventoryTransaction, error) {
	switch req.Type {
	case "":
		req.Type = domain.TransactionReturn
	case domain.TransactionStockIn, domain.TransactionReturn, domain.TransactionAdjustment:
	default:
		return domain.InventoryTransaction{}, domain.NewValidationError("type", "%s cannot restore stock", req.Type)
	}

	item, err := tx.GetInventory(ctx, req.OwnerID, req.ProductID)
	if err != nil {
		return domain.InventoryTransaction{}, err
	}
	return l.applyDelta(ctx, tx, item, req.Quantity, req.Type, req.Reason, req.Reference, req.PerformedBy, l.now())
}

// Adjust applies a manual correction. The result must keep
// 0 <= reserved <= onHand.
func (l *LedgerService) Adjust(ctx context.Context, req AdjustRequest) (txn *domain.InventoryTransaction, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.adjust")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("inventory.owner_id", req.OwnerID),
		attribute.String("inventory.product_id", req.ProductID),
		attribute.Int("inventory.delta", req.Delta),
	)

	if req.Delta == 0 {
		return nil, domain.NewValidationError("delta", "must not be zero")
	}
	if req.Type == "" {
		req.Type = domain.TransactionAdjustment
	}
	if !req.Type.Valid() {
		return nil, domain.NewValidationError("type", "unknown transaction type %q", req.Type)
	}

	var result domain.InventoryTransaction
	err = retryOnConflict(ctx, l.logger, "adjust", l.attempts, func() error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			item, err := tx.GetInventory(ctx, req.OwnerID, req.ProductID)
			if err != nil {
				return err
			}
			after := item.QuantityOnHand + req.Delta
			if after < 0 || after < item.ReservedQuantity {
				return domain.NewValidationError("delta", "would leave on-hand %d below reserved %d", after, item.ReservedQuantity)
			}
			result, err = l.applyDelta(ctx, tx, item, req.Delta, req.Type, req.Reason, req.Reference, req.PerformedBy, l.now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("stock adjusted",
		zap.String("owner_id", req.OwnerID),
		zap.String("product_id", req.ProductID),
		zap.Int("delta", req.Delta),
		zap.String("type", string(req.Type)))
	l.scheduleAlertCheck(req.OwnerID, req.ProductID)
	return &result, nil
}

// Reserve places a hold without touching on-hand stock, so no ledger entry is
// written.
func (l *LedgerService) Reserve(ctx context.Context, ownerID, productID string, quantity int) (*domain.InventoryItem, error) {
	if quantity <= 0 {
		return nil, domain.NewValidationError("quantity", "must be positive")
	}
	return l.updateHold(ctx, "reserve", ownerID, productID, func(item *domain.InventoryItem) error {
		available := item.Available()
		if !item.Sellable() {
			available = 0
		}
		if available < quantity {
			return &domain.InsufficientStockError{Shortages: []domain.Shortage{{
				ProductID: productID,
				Requested: quantity,
				Available: available,
			}}}
		}
		item.ReservedQuantity += quantity
		return nil
	})
}

func (l *LedgerService) Release(ctx context.Context, ownerID, productID string, quantity int) (*domain.InventoryItem, error) {
	if quantity <= 0 {
		return nil, domain.NewValidationError("quantity", "must be positive")
	}
	return l.updateHold(ctx, "release", ownerID, productID, func(item *domain.InventoryItem) error {
		if quantity > item.ReservedQuantity {
			return domain.NewValidationError("quantity", "only %d reserved", item.ReservedQuantity)
		}
		item.ReservedQuantity -= quantity
		return nil
	})
}

func (l *LedgerService) updateHold(ctx context.Context, op, ownerID, productID string, apply func(item *domain.InventoryItem) error) (*domain.InventoryItem, error) {
	var updated domain.InventoryItem
	err := retryOnConflict(ctx, l.logger, op, l.attempts, func() error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
			item, err := tx.GetInventory(ctx, ownerID, productID)
			if err != nil {
				return err
			}
			if err := apply(item); err != nil {
				return err
			}
			item.UpdatedAt = l.now()
			if err := tx.UpdateInventory(ctx, *item); err != nil {
				return err
			}
			updated = *item
			updated.Version++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (l *LedgerService) GetItem(ctx context.Context, ownerID, productID string) (*domain.InventoryItem, error) {
	var item *domain.InventoryItem
	err := l.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		item, err = tx.GetInventory(ctx, ownerID, productID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (l *LedgerService) Transactions(ctx context.Context, ownerID, productID string) ([]domain.InventoryTransaction, error) {
	return l.store.ListTransactions(ctx, ownerID, productID)
}

// Reconcile checks InitialQuantity plus the sum of ledger deltas against the
// stored on-hand quantity.
func (l *LedgerService) Reconcile(ctx context.Context, ownerID, productID string) (*ReconcileReport, error) {
	item, err := l.GetItem(ctx, ownerID, productID)
	if err != nil {
		return nil, err
	}
	txns, err := l.store.ListTransactions(ctx, ownerID, productID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		InitialQuantity: item.InitialQuantity,
		QuantityOnHand:  item.QuantityOnHand,
		Entries:         len(txns),
	}
	for _, txn := range txns {
		report.DeltaSum += txn.QuantityDelta
	}
	if report.InitialQuantity+report.DeltaSum != report.QuantityOnHand {
		l.logger.Error("ledger mismatch",
			zap.String("owner_id", ownerID),
			zap.String("product_id", productID),
			zap.Int("initial", report.InitialQuantity),
			zap.Int("delta_sum", report.DeltaSum),
			zap.Int("on_hand", report.QuantityOnHand))
		return report, fmt.Errorf("%s/%s: %w", ownerID, productID, domain.ErrLedgerMismatch)
	}
	return report, nil
}

func (l *LedgerService) Alerts(ctx context.Context, ownerID string, unresolvedOnly bool) ([]domain.InventoryAlert, error) {
	return l.alerts.ListAlerts(ctx, ownerID, unresolvedOnly)
}

func (l *LedgerService) MarkAlertRead(ctx context.Context, alertID string) error {
	return l.alerts.MarkAlertRead(ctx, alertID)
}

func (l *LedgerService) scheduleAlertCheck(ownerID string, productIDs ...string) {
	for _, productID := range productIDs {
		productID := productID
		l.dispatcher.Submit("alerts:"+productID, func(ctx context.Context) error {
			return l.CheckAlerts(ctx, ownerID, productID)
		})
	}
}

// CheckAlerts reads the item's current quantity and opens or resolves alerts
// so that at most one unresolved alert exists per condition.
func (l *LedgerService) CheckAlerts(ctx context.Context, ownerID, productID string) error {
	lock, _ := l.alertLocks.LoadOrStore(ownerID+"\x00"+productID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	item, err := l.GetItem(ctx, ownerID, productID)
	if err != nil {
		return err
	}

	active := make(map[domain.AlertType]bool)
	for _, t := range domain.EvaluateAlerts(*item) {
		active[t] = true
	}

	var errs []error
	for _, alertType := range domain.AllAlertTypes {
		if active[alertType] {
			errs = append(errs, l.openAlert(ctx, *item, alertType))
			continue
		}
		released, err := l.dedup.ReleaseAlert(ctx, ownerID, productID, alertType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !released {
			continue
		}
		if _, err := l.alerts.ResolveAlerts(ctx, ownerID, productID, alertType, l.now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *LedgerService) openAlert(ctx context.Context, item domain.InventoryItem, alertType domain.AlertType) error {
	claimed, err := l.dedup.ClaimAlert(ctx, item.OwnerID, item.ProductID, alertType)
	if err != nil || !claimed {
		return err
	}

	alert := domain.InventoryAlert{
		ID:        uuid.NewString(),
		OwnerID:   item.OwnerID,
		ProductID: item.ProductID,
		Type:      alertType,
		Severity:  alertType.Severity(),
		Quantity:  item.QuantityOnHand,
		CreatedAt: l.now(),
	}
	if err := l.alerts.SaveAlert(ctx, alert); err != nil {
		if _, releaseErr := l.dedup.ReleaseAlert(ctx, item.OwnerID, item.ProductID, alertType); releaseErr != nil {
			l.logger.Error("release alert claim failed", zap.String("product_id", item.ProductID), zap.Error(releaseErr))
		}
		return fmt.Errorf("save alert: %w", err)
	}

	l.logger.Info("inventory alert raised",
		zap.String("owner_id", item.OwnerID),
		zap.String("product_id", item.ProductID),
		zap.String("type", string(alertType)),
		zap.Int("quantity", item.QuantityOnHand))

	l.dispatcher.Notify(port.Notification{
		RecipientID: item.OwnerID,
		TemplateKey: alertType.TemplateKey(),
		Payload: map[string]any{
			"alert_id":   alert.ID,
			"product_id": item.ProductID,
			"quantity":   item.QuantityOnHand,
			"severity":   string(alert.Severity),
		},
	})
	return nil
}

func productIDs(txns []domain.InventoryTransaction) []string {
	ids := make([]string, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ProductID
	}
	return ids
}
