package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

//go:embed schema.sql
var schemaSQL string

// MySQL error numbers the adapter translates.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// OpenMySQL opens a pooled connection with the options the adapter relies on:
// parsed DATETIME columns and rows-matched (not rows-changed) update counts.
func OpenMySQL(ctx context.Context, dsn string) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates any missing tables.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Atomic runs fn inside one database transaction. Deadlocks and lock wait
// timeouts surface as port.ErrOptimisticLock so callers retry them the same
// way as a lost version check.
func (m *MySQLAdapter) Atomic(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	sqlTx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &mysqlTx{tx: sqlTx, touched: make(map[string]int)}
	if err := fn(ctx, tx); err != nil {
		return translate(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func translate(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%v: %w", err, port.ErrOptimisticLock)
		case errDupEntry:
			return fmt.Errorf("%v: %w", err, domain.ErrAlreadyExists)
		}
	}
	return err
}

// mysqlTx tracks the version each entity had when this unit first wrote it,
// so repeated writes to one row inside the unit bump its version only once.
type mysqlTx struct {
	tx      *sqlx.Tx
	touched map[string]int
}

func (t *mysqlTx) expectedVersion(key string, stored int) int {
	if v, ok := t.touched[key]; ok {
		return v
	}
	return stored
}

// casUpdate runs an UPDATE whose last two args are (new version, where version).
func (t *mysqlTx) casUpdate(ctx context.Context, key, table, id string, version int, query string, args ...any) error {
	where := version
	next := version + 1
	if expected, ok := t.touched[key]; ok {
		if version != expected {
			return fmt.Errorf("%s %s: %w", table, id, port.ErrOptimisticLock)
		}
		where, next = expected+1, expected+1
	}

	res, err := t.tx.ExecContext(ctx, query, append(args, next, id, where)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n == 0 {
		var exists int
		if err := t.tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id); err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		if exists == 0 {
			return fmt.Errorf("%s %s: %w", table, id, domain.ErrNotFound)
		}
		return fmt.Errorf("%s %s: %w", table, id, port.ErrOptimisticLock)
	}
	if _, ok := t.touched[key]; !ok {
		t.touched[key] = version
	}
	return nil
}

type productRow struct {
	ID       string          `db:"id"`
	SellerID string          `db:"seller_id"`
	Name     string          `db:"name"`
	Price    decimal.Decimal `db:"price"`
	Active   bool            `db:"active"`
}

func (t *mysqlTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var row productRow
	err := t.tx.GetContext(ctx, &row, `SELECT id, seller_id, name, price, active FROM products WHERE id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &domain.Product{ID: row.ID, SellerID: row.SellerID, Name: row.Name, Price: row.Price, Active: row.Active}, nil
}

func (t *mysqlTx) SaveProduct(ctx context.Context, p domain.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, price, active)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE seller_id = VALUES(seller_id), name = VALUES(name),
			price = VALUES(price), active = VALUES(active)`,
		p.ID, p.SellerID, p.Name, p.Price, p.Active,
	)
	if err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

type inventoryRow struct {
	ID               string    `db:"id"`
	OwnerID          string    `db:"owner_id"`
	ProductID        string    `db:"product_id"`
	SKU              string    `db:"sku"`
	QuantityOnHand   int       `db:"quantity_on_hand"`
	ReservedQuantity int       `db:"reserved_quantity"`
	InitialQuantity  int       `db:"initial_quantity"`
	ReorderPoint     int       `db:"reorder_point"`
	MaximumStock     int       `db:"maximum_stock"`
	Status           string    `db:"status"`
	ApprovalStatus   string    `db:"approval_status"`
	Version          int       `db:"version"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r inventoryRow) toDomain() domain.InventoryItem {
	return domain.InventoryItem{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		ProductID:        r.ProductID,
		SKU:              r.SKU,
		QuantityOnHand:   r.QuantityOnHand,
		ReservedQuantity: r.ReservedQuantity,
		InitialQuantity:  r.InitialQuantity,
		ReorderPoint:     r.ReorderPoint,
		MaximumStock:     r.MaximumStock,
		Status:           domain.InventoryStatus(r.Status),
		ApprovalStatus:   domain.ApprovalStatus(r.ApprovalStatus),
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (t *mysqlTx) GetInventory(ctx context.Context, ownerID, productID string) (*domain.InventoryItem, error) {
	var row inventoryRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, owner_id, product_id, sku, quantity_on_hand, reserved_quantity, initial_quantity,
			reorder_point, maximum_stock, status, approval_status, version, created_at, updated_at
		FROM inventory WHERE owner_id = ? AND product_id = ?`, ownerID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory %s/%s: %w", ownerID, productID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	item := row.toDomain()
	item.Version = t.expectedVersion("inventory:"+item.ID, item.Version)
	return &item, nil
}

func (t *mysqlTx) CreateInventory(ctx context.Context, item domain.InventoryItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory (id, owner_id, product_id, sku, quantity_on_hand, reserved_quantity,
			initial_quantity, reorder_point, maximum_stock, status, approval_status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		item.ID, item.OwnerID, item.ProductID, item.SKU, item.QuantityOnHand, item.ReservedQuantity,
		item.InitialQuantity, item.ReorderPoint, item.MaximumStock, item.Status, item.ApprovalStatus,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return translate(fmt.Errorf("insert inventory: %w", err))
	}
	t.touched["inventory:"+item.ID] = 0
	return nil
}

func (t *mysqlTx) UpdateInventory(ctx context.Context, item domain.InventoryItem) error {
	return t.casUpdate(ctx, "inventory:"+item.ID, "inventory", item.ID, item.Version, `
		UPDATE inventory
		SET quantity_on_hand = ?, reserved_quantity = ?, reorder_point = ?, maximum_stock = ?,
			status = ?, approval_status = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		item.QuantityOnHand, item.ReservedQuantity, item.ReorderPoint, item.MaximumStock,
		item.Status, item.ApprovalStatus, item.UpdatedAt,
	)
}

func (t *mysqlTx) AppendTransaction(ctx context.Context, txn domain.InventoryTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (id, owner_id, product_id, type, quantity_delta,
			quantity_before, quantity_after, reason, reference, performed_by, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.OwnerID, txn.ProductID, txn.Type, txn.QuantityDelta,
		txn.QuantityBefore, txn.QuantityAfter, txn.Reason, txn.Reference, txn.PerformedBy, txn.PerformedAt,
	)
	if err != nil {
		return translate(fmt.Errorf("insert transaction: %w", err))
	}
	return nil
}

type orderRow struct {
	ID              string          `db:"id"`
	CustomerID      string          `db:"customer_id"`
	SellerID        string          `db:"seller_id"`
	Status          string          `db:"status"`
	Subtotal        decimal.Decimal `db:"subtotal"`
	Shipping        decimal.Decimal `db:"shipping"`
	Tax             decimal.Decimal `db:"tax"`
	Discount        decimal.Decimal `db:"discount"`
	Total           decimal.Decimal `db:"total"`
	PaymentMethod   string          `db:"payment_method"`
	PaymentStatus   string          `db:"payment_status"`
	PaymentAmount   decimal.Decimal `db:"payment_amount"`
	PaymentRef      string          `db:"payment_ref"`
	ShippingAddress []byte          `db:"shipping_address"`
	Version         int             `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const orderColumns = `id, customer_id, seller_id, status, subtotal, shipping, tax, discount, total,
	payment_method, payment_status, payment_amount, payment_ref, shipping_address, version, created_at, updated_at`

type orderItemRow struct {
	ProductID string          `db:"product_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

type trackingRow struct {
	Status    string    `db:"status"`
	Actor     string    `db:"actor"`
	Note      string    `db:"note"`
	CreatedAt time.Time `db:"created_at"`
}

func (r orderRow) toDomain() (domain.Order, error) {
	o := domain.Order{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		SellerID:   r.SellerID,
		Status:     domain.OrderStatus(r.Status),
		Amounts: domain.OrderAmounts{
			Subtotal: r.Subtotal,
			Shipping: r.Shipping,
			Tax:      r.Tax,
			Discount: r.Discount,
			Total:    r.Total,
		},
		Payment: domain.PaymentInfo{
			Method:         r.PaymentMethod,
			Status:         domain.PaymentStatus(r.PaymentStatus),
			Amount:         r.PaymentAmount,
			TransactionRef: r.PaymentRef,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	return o, nil
}

// loadOrderChildren fills items and tracking history for o.
func loadOrderChildren(ctx context.Context, q sqlx.QueryerContext, o *domain.Order) error {
	var items []orderItemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT product_id, quantity, unit_price FROM order_items WHERE order_id = ? ORDER BY line_no`, o.ID); err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	o.Items = make([]domain.OrderItem, len(items))
	for i, it := range items {
		o.Items[i] = domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}

	var tracking []trackingRow
	if err := sqlx.SelectContext(ctx, q, &tracking, `
		SELECT status, actor, note, created_at FROM order_tracking WHERE order_id = ? ORDER BY seq`, o.ID); err != nil {
		return fmt.Errorf("query order tracking: %w", err)
	}
	o.TrackingHistory = make([]domain.TrackingEntry, len(tracking))
	for i, tr := range tracking {
		o.TrackingHistory[i] = domain.TrackingEntry{
			Status:    domain.OrderStatus(tr.Status),
			Actor:     tr.Actor,
			Note:      tr.Note,
			Timestamp: tr.CreatedAt,
		}
	}
	return nil
}

func (t *mysqlTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if err := loadOrderChildren(ctx, t.tx, &o); err != nil {
		return nil, err
	}
	o.Version = t.expectedVersion("order:"+o.ID, o.Version)
	return &o, nil
}

func (t *mysqlTx) CreateOrder(ctx context.Context, o domain.Order) error {
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		o.ID, o.CustomerID, o.SellerID, o.Status,
		o.Amounts.Subtotal, o.Amounts.Shipping, o.Amounts.Tax, o.Amounts.Discount, o.Amounts.Total,
		o.Payment.Method, o.Payment.Status, o.Payment.Amount, o.Payment.TransactionRef,
		address, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return translate(fmt.Errorf("insert order: %w", err))
	}

	for i, item := range o.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?)`,
			o.ID, i, item.ProductID, item.Quantity, item.UnitPrice,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	if err := t.appendTracking(ctx, o.ID, 0, o.TrackingHistory); err != nil {
		return err
	}
	t.touched["order:"+o.ID] = 0
	return nil
}

func (t *mysqlTx) appendTracking(ctx context.Context, orderID string, from int, entries []domain.TrackingEntry) error {
	for i := from; i < len(entries); i++ {
		e := entries[i]
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_tracking (order_id, seq, status, actor, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			orderID, i, e.Status, e.Actor, e.Note, e.Timestamp,
		); err != nil {
			return translate(fmt.Errorf("insert tracking entry: %w", err))
		}
	}
	return nil
}

func (t *mysqlTx) UpdateOrder(ctx context.Context, o domain.Order) error {
	err := t.casUpdate(ctx, "order:"+o.ID, "orders", o.ID, o.Version, `
		UPDATE orders
		SET status = ?, payment_status = ?, payment_ref = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		o.Status, o.Payment.Status, o.Payment.TransactionRef, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	var stored int
	if err := t.tx.GetContext(ctx, &stored, `SELECT COUNT(*) FROM order_tracking WHERE order_id = ?`, o.ID); err != nil {
		return fmt.Errorf("count tracking: %w", err)
	}
	if len(o.TrackingHistory) < stored {
		return fmt.Errorf("order %s: %w", o.ID, errTrackingRewritten)
	}
	return t.appendTracking(ctx, o.ID, stored, o.TrackingHistory)
}

type workflowRow struct {
	ID            string       `db:"id"`
	SubjectID     string       `db:"subject_id"`
	WorkflowType  string       `db:"workflow_type"`
	CurrentStepID string       `db:"current_step_id"`
	Status        string       `db:"status"`
	ContextData   []byte       `db:"context_data"`
	Responses     []byte       `db:"responses"`
	StepDeadline  sql.NullTime `db:"step_deadline"`
	Attempts      int          `db:"attempts"`
	Version       int          `db:"version"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// workflowResponseJSON is the stored shape of one response.
type workflowResponseJSON struct {
	StepID      string         `json:"step_id"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	Message     string         `json:"message,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

func encodeWorkflow(inst domain.WorkflowInstance) (contextData, responses []byte, err error) {
	data := inst.ContextData
	if data == nil {
		data = map[string]any{}
	}
	if contextData, err = json.Marshal(data); err != nil {
		return nil, nil, fmt.Errorf("encode context data: %w", err)
	}
	stored := make([]workflowResponseJSON, len(inst.Responses))
	for i, r := range inst.Responses {
		stored[i] = workflowResponseJSON{
			StepID:      r.StepID,
			Type:        string(r.Type),
			Data:        r.Data,
			Message:     r.Message,
			RespondedBy: r.RespondedBy,
			RespondedAt: r.RespondedAt,
		}
	}
	if responses, err = json.Marshal(stored); err != nil {
		return nil, nil, fmt.Errorf("encode responses: %w", err)
	}
	return contextData, responses, nil
}

func (r workflowRow) toDomain() (domain.WorkflowInstance, error) {
	inst := domain.WorkflowInstance{
		ID:            r.ID,
		SubjectID:     r.SubjectID,
		WorkflowType:  r.WorkflowType,
		CurrentStepID: r.CurrentStepID,
		Status:        domain.WorkflowStatus(r.Status),
		Attempts:      r.Attempts,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.StepDeadline.Valid {
		d := r.StepDeadline.Time
		inst.StepDeadline = &d
	}
	if err := json.Unmarshal(r.ContextData, &inst.ContextData); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("decode context data: %w", err)
	}
	var stored []workflowResponseJSON
	if err := json.Unmarshal(r.Responses, &stored); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("decode responses: %w", err)
	}
	for _, s := range stored {
		inst.Responses = append(inst.Responses, domain.WorkflowResponse{
			StepID:      s.StepID,
			Type:        domain.ResponseType(s.Type),
			Data:        s.Data,
			Message:     s.Message,
			RespondedBy: s.RespondedBy,
			RespondedAt: s.RespondedAt,
		})
	}
	return inst, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (t *mysqlTx) GetWorkflow(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error) {
	var row workflowRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, subject_id, workflow_type, current_step_id, status, context_data, responses,
			step_deadline, attempts, version, created_at, updated_at
		FROM workflows WHERE id = ?`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", instanceID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	inst, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	inst.Version = t.expectedVersion("workflow:"+inst.ID, inst.Version)
	return &inst, nil
}

func (t *mysqlTx) CreateWorkflow(ctx context.Context, inst domain.WorkflowInstance) error {
	contextData, responses, err := encodeWorkflow(inst)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflows (id, subject_id, workflow_type, current_step_id, status, context_data,
			responses, step_deadline, attempts, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		inst.ID, inst.SubjectID, inst.WorkflowType, inst.CurrentStepID, inst.Status, contextData,
		responses, nullTime(inst.StepDeadline), inst.Attempts, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return translate(fmt.Errorf("insert workflow: %w", err))
	}
	t.touched["workflow:"+inst.ID] = 0
	return nil
}

func (t *mysqlTx) UpdateWorkflow(ctx context.Context, inst domain.WorkflowInstance) error {
	contextData, responses, err := encodeWorkflow(inst)
	if err != nil {
		return err
	}
	return t.casUpdate(ctx, "workflow:"+inst.ID, "workflows", inst.ID, inst.Version, `
		UPDATE workflows
		SET current_step_id = ?, status = ?, context_data = ?, responses = ?, step_deadline = ?,
			attempts = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		inst.CurrentStepID, inst.Status, contextData, responses, nullTime(inst.StepDeadline),
		inst.Attempts, inst.UpdatedAt,
	)
}

type transactionRow struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	ProductID      string    `db:"product_id"`
	Type           string    `db:"type"`
	QuantityDelta  int       `db:"quantity_delta"`
	QuantityBefore int       `db:"quantity_before"`
	QuantityAfter  int       `db:"quantity_after"`
	Reason         string    `db:"reason"`
	Reference      string    `db:"reference"`
	PerformedBy    string    `db:"performed_by"`
	PerformedAt    time.Time `db:"performed_at"`
}

func (m *MySQLAdapter) ListTransactions(ctx context.Context, ownerID, productID string) ([]domain.InventoryTransaction, error) {
	var rows []transactionRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, owner_id, product_id, type, quantity_delta, quantity_before, quantity_after,
			reason, reference, performed_by, performed_at
		FROM inventory_transactions WHERE owner_id = ? AND product_id = ? ORDER BY seq`, ownerID, productID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	txns := make([]domain.InventoryTransaction, len(rows))
	for i, r := range rows {
		txns[i] = domain.InventoryTransaction{
			ID:             r.ID,
			OwnerID:        r.OwnerID,
			ProductID:      r.ProductID,
			Type:           domain.TransactionType(r.Type),
			QuantityDelta:  r.QuantityDelta,
			QuantityBefore: r.QuantityBefore,
			QuantityAfter:  r.QuantityAfter,
			Reason:         r.Reason,
			Reference:      r.Reference,
			PerformedBy:    r.PerformedBy,
			PerformedAt:    r.PerformedAt,
		}
	}
	return txns, nil
}

func (m *MySQLAdapter) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders WHERE customer_id = ? ORDER BY created_at DESC, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		if err := loadOrderChildren(ctx, m.db, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (m *MySQLAdapter) ListExpiredWorkflows(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := m.db.SelectContext(ctx, &ids, `
		SELECT id FROM workflows
		WHERE status = ? AND step_deadline IS NOT NULL AND step_deadline <= ?
		ORDER BY id`, domain.WorkflowStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("query expired workflows: %w", err)
	}
	return ids, nil
}

type alertRow struct {
	ID         string       `db:"id"`
	OwnerID    string       `db:"owner_id"`
	ProductID  string       `db:"product_id"`
	Type       string       `db:"type"`
	Severity   string       `db:"severity"`
	Quantity   int          `db:"quantity"`
	IsRead     bool         `db:"is_read"`
	CreatedAt  time.Time    `db:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (m *MySQLAdapter) SaveAlert(ctx context.Context, a domain.InventoryAlert) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_alerts (id, owner_id, product_id, type, severity, quantity, is_read, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.ProductID, a.Type, a.Severity, a.Quantity, a.IsRead, a.CreatedAt, nullTime(a.ResolvedAt),
	)
	if err != nil {
		return translate(fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

func (m *MySQLAdapter) ListAlerts(ctx context.Context, ownerID string, unresolvedOnly bool) ([]domain.InventoryAlert, error) {
	query := `SELECT id, owner_id, product_id, type, severity, quantity, is_read, created_at, resolved_at
		FROM inventory_alerts WHERE owner_id = ?`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	var rows []alertRow
	if err := m.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	alerts := make([]domain.InventoryAlert, len(rows))
	for i, r := range rows {
		alerts[i] = domain.InventoryAlert{
			ID:        r.ID,
			OwnerID:   r.OwnerID,
			ProductID: r.ProductID,
			Type:      domain.AlertType(r.Type),
			Severity:  domain.AlertSeverity(r.Severity),
			Quantity:  r.Quantity,
			IsRead:    r.IsRead,
			CreatedAt: r.CreatedAt,
		}
		if r.ResolvedAt.Valid {
			at := r.ResolvedAt.Time
			alerts[i].ResolvedAt = &at
		}
	}
	return alerts, nil
}

func (m *MySQLAdapter) MarkAlertRead(ctx context.Context, alertID string) error {
	res, err := m.db.ExecContext(ctx, `UPDATE inventory_alerts SET is_read = TRUE WHERE id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) ResolveAlerts(ctx context.Context, ownerID, productID string, alertType domain.AlertType, at time.Time) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE inventory_alerts SET resolved_at = ?
		WHERE owner_id = ? AND product_id = ? AND type = ? AND resolved_at IS NULL`,
		at, ownerID, productID, alertType)
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
