package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

var errTrackingRewritten = errors.New("tracking history is append-only")

// MemoryStore keeps everything in process memory. Units of work buffer their
// writes and validate versions at commit, so it behaves like the MySQL adapter
// under concurrent callers: the lock is only held while a commit is applied.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	inventory    map[string]domain.InventoryItem
	transactions []domain.InventoryTransaction
	orders       map[string]domain.Order
	workflows    map[string]domain.WorkflowInstance
	alerts       map[string]domain.InventoryAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]domain.Product),
		inventory: make(map[string]domain.InventoryItem),
		orders:    make(map[string]domain.Order),
		workflows: make(map[string]domain.WorkflowInstance),
		alerts:    make(map[string]domain.InventoryAlert),
	}
}

type staged[T any] struct {
	expected int
	value    T
	created  bool
}

type memoryTx struct {
	store        *MemoryStore
	products     map[string]domain.Product
	inventory    map[string]*staged[domain.InventoryItem]
	orders       map[string]*staged[domain.Order]
	workflows    map[string]*staged[domain.WorkflowInstance]
	transactions []domain.InventoryTransaction
}

func inventoryKey(ownerID, productID string) string {
	return ownerID + "\x00" + productID
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx := &memoryTx{
		store:     m,
		products:  make(map[string]domain.Product),
		inventory: make(map[string]*staged[domain.InventoryItem]),
		orders:    make(map[string]*staged[domain.Order]),
		workflows: make(map[string]*staged[domain.WorkflowInstance]),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkStaged(m.inventory, tx.inventory, func(i domain.InventoryItem) int { return i.Version }); err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	if err := checkStaged(m.orders, tx.orders, func(o domain.Order) int { return o.Version }); err != nil {
		return fmt.Errorf("order: %w", err)
	}
	for id, s := range tx.orders {
		if stored, ok := m.orders[id]; ok && len(s.value.TrackingHistory) < len(stored.TrackingHistory) {
			return fmt.Errorf("order %s: %w", id, errTrackingRewritten)
		}
	}
	if err := checkStaged(m.workflows, tx.workflows, func(w domain.WorkflowInstance) int { return w.Version }); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}

	for id, p := range tx.products {
		m.products[id] = p
	}
	for key, s := range tx.inventory {
		item := s.value
		item.Version = s.expected + 1
		m.inventory[key] = item
	}
	for id, s := range tx.orders {
		order := s.value.Clone()
		order.Version = s.expected + 1
		m.orders[id] = order
	}
	for id, s := range tx.workflows {
		wf := s.value.Clone()
		wf.Version = s.expected + 1
		m.workflows[id] = wf
	}
	m.transactions = append(m.transactions, tx.transactions...)
	return nil
}

func checkStaged[T any](stored map[string]T, pending map[string]*staged[T], version func(T) int) error {
	for key, s := range pending {
		current, ok := stored[key]
		if s.created {
			if ok {
				return domain.ErrAlreadyExists
			}
			continue
		}
		if !ok {
			return domain.ErrNotFound
		}
		if version(current) != s.expected {
			return port.ErrOptimisticLock
		}
	}
	return nil
}

func (tx *memoryTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if p, ok := tx.products[productID]; ok {
		return &p, nil
	}
	tx.store.mu.RLock()
	p, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return &p, nil
}

func (tx *memoryTx) SaveProduct(ctx context.Context, product domain.Product) error {
	tx.products[product.ID] = product
	return nil
}

func (tx *memoryTx) GetInventory(ctx context.Context, ownerID, productID string) (*domain.InventoryItem, error) {
	key := inventoryKey(ownerID, productID)
	if s, ok := tx.inventory[key]; ok {
		item := s.value
		item.Version = s.expected
		return &item, nil
	}
	tx.store.mu.RLock()
	item, ok := tx.store.inventory[key]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inventory %s/%s: %w", ownerID, productID, domain.ErrNotFound)
	}
	return &item, nil
}

func (tx *memoryTx) CreateInventory(ctx context.Context, item domain.InventoryItem) error {
	key := inventoryKey(item.OwnerID, item.ProductID)
	tx.store.mu.RLock()
	_, exists := tx.store.inventory[key]
	tx.store.mu.RUnlock()
	if _, staged := tx.inventory[key]; exists || staged {
		return fmt.Errorf("inventory %s/%s: %w", item.OwnerID, item.ProductID, domain.ErrAlreadyExists)
	}
	item.Version = 0
	tx.inventory[key] = &staged[domain.InventoryItem]{value: item, created: true}
	return nil
}

func (tx *memoryTx) UpdateInventory(ctx context.Context, item domain.InventoryItem) error {
	key := inventoryKey(item.OwnerID, item.ProductID)
	if s, ok := tx.inventory[key]; ok {
		if item.Version != s.expected {
			return port.ErrOptimisticLock
		}
		s.value = item
		return nil
	}
	tx.store.mu.RLock()
	current, ok := tx.store.inventory[key]
	tx.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inventory %s/%s: %w", item.OwnerID, item.ProductID, domain.ErrNotFound)
	}
	if current.Version != item.Version {
		return port.ErrOptimisticLock
	}
	tx.inventory[key] = &staged[domain.InventoryItem]{expected: item.Version, value: item}
	return nil
}

func (tx *memoryTx) AppendTransaction(ctx context.Context, txn domain.InventoryTransaction) error {
	tx.transactions = append(tx.transactions, txn)
	return nil
}

func (tx *memoryTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if s, ok := tx.orders[orderID]; ok {
		order := s.value.Clone()
		order.Version = s.expected
		return &order, nil
	}
	tx.store.mu.RLock()
	stored, ok := tx.store.orders[orderID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	order := stored.Clone()
	return &order, nil
}

func (tx *memoryTx) CreateOrder(ctx context.Context, order domain.Order) error {
	tx.store.mu.RLock()
	_, exists := tx.store.orders[order.ID]
	tx.store.mu.RUnlock()
	if _, staged := tx.orders[order.ID]; exists || staged {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrAlreadyExists)
	}
	tx.orders[order.ID] = &staged[domain.Order]{value: order.Clone(), created: true}
	return nil
}

func (tx *memoryTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	if s, ok := tx.orders[order.ID]; ok {
		if order.Version != s.expected {
			return port.ErrOptimisticLock
		}
		s.value = order.Clone()
		return nil
	}
	tx.store.mu.RLock()
	current, ok := tx.store.orders[order.ID]
	tx.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrNotFound)
	}
	if current.Version != order.Version {
		return port.ErrOptimisticLock
	}
	tx.orders[order.ID] = &staged[domain.Order]{expected: order.Version, value: order.Clone()}
	return nil
}

func (tx *memoryTx) GetWorkflow(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error) {
	if s, ok := tx.workflows[instanceID]; ok {
		wf := s.value.Clone()
		wf.Version = s.expected
		return &wf, nil
	}
	tx.store.mu.RLock()
	stored, ok := tx.store.workflows[instanceID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", instanceID, domain.ErrNotFound)
	}
	wf := stored.Clone()
	return &wf, nil
}

func (tx *memoryTx) CreateWorkflow(ctx context.Context, instance domain.WorkflowInstance) error {
	tx.store.mu.RLock()
	_, exists := tx.store.workflows[instance.ID]
	tx.store.mu.RUnlock()
	if _, staged := tx.workflows[instance.ID]; exists || staged {
		return fmt.Errorf("workflow %s: %w", instance.ID, domain.ErrAlreadyExists)
	}
	tx.workflows[instance.ID] = &staged[domain.WorkflowInstance]{value: instance.Clone(), created: true}
	return nil
}

func (tx *memoryTx) UpdateWorkflow(ctx context.Context, instance domain.WorkflowInstance) error {
	if s, ok := tx.workflows[instance.ID]; ok {
		if instance.Version != s.expected {
			return port.ErrOptimisticLock
		}
		s.value = instance.Clone()
		return nil
	}
	tx.store.mu.RLock()
	current, ok := tx.store.workflows[instance.ID]
	tx.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("workflow %s: %w", instance.ID, domain.ErrNotFound)
	}
	if current.Version != instance.Version {
		return port.ErrOptimisticLock
	}
	tx.workflows[instance.ID] = &staged[domain.WorkflowInstance]{expected: instance.Version, value: instance.Clone()}
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, ownerID, productID string) ([]domain.InventoryTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.InventoryTransaction
	for _, txn := range m.transactions {
		if txn.OwnerID == ownerID && txn.ProductID == productID {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpiredWorkflows(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, wf := range m.workflows {
		if wf.Status == domain.WorkflowStatusPending && wf.StepDeadline != nil && !wf.StepDeadline.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveAlert(ctx context.Context, alert domain.InventoryAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	return nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, ownerID string, unresolvedOnly bool) ([]domain.InventoryAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.InventoryAlert
	for _, a := range m.alerts {
		if a.OwnerID != ownerID || (unresolvedOnly && a.ResolvedAt != nil) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkAlertRead(ctx context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	a.IsRead = true
	m.alerts[alertID] = a
	return nil
}

func (m *MemoryStore) ResolveAlerts(ctx context.Context, ownerID, productID string, alertType domain.AlertType, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := 0
	for id, a := range m.alerts {
		if a.OwnerID != ownerID || a.ProductID != productID || a.Type != alertType || a.ResolvedAt != nil {
			continue
		}
		ts := at
		a.ResolvedAt = &ts
		m.alerts[id] = a
		resolved++
	}
	return resolved, nil
}

// MemoryCache is the in-process counterpart of RedisAdapter.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]struct{})}
}

func (c *MemoryCache) setNX(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return false
	}
	c.keys[key] = struct{}{}
	return true
}

func (c *MemoryCache) del(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	delete(c.keys, key)
	return ok
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	return c.setNX(idempotencyKeyPrefix + key), nil
}

func (c *MemoryCache) ReleaseIdempotency(ctx context.Context, key string) error {
	c.del(idempotencyKeyPrefix + key)
	return nil
}

func (c *MemoryCache) ClaimAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error) {
	return c.setNX(alertKey(ownerID, productID, alertType)), nil
}

func (c *MemoryCache) ReleaseAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error) {
	return c.del(alertKey(ownerID, productID, alertType)), nil
}
