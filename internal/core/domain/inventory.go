package domain

import "time"

type InventoryStatus string

const (
	InventoryStatusActive          InventoryStatus = "active"
	InventoryStatusInactive        InventoryStatus = "inactive"
	InventoryStatusDiscontinued    InventoryStatus = "discontinued"
	InventoryStatusPendingApproval InventoryStatus = "pending_approval"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

type InventoryItem struct {
	ID               string
	OwnerID          string
	ProductID        string
	SKU              string
	QuantityOnHand   int
	ReservedQuantity int
	InitialQuantity  int
	ReorderPoint     int
	MaximumStock     int
	Status           InventoryStatus
	ApprovalStatus   ApprovalStatus
	Version          int // optimistic locking
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Available is derived from the two stored counters and is never persisted.
func (i InventoryItem) Available() int {
	return i.QuantityOnHand - i.ReservedQuantity
}

// Sellable reports whether the item may be decremented by checkout.
func (i InventoryItem) Sellable() bool {
	return i.Status == InventoryStatusActive
}

type TransactionType string

const (
	TransactionStockIn    TransactionType = "stock_in"
	TransactionStockOut   TransactionType = "stock_out"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionReturn     TransactionType = "return"
	TransactionDamage     TransactionType = "damage"
	TransactionTransfer   TransactionType = "transfer"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionStockIn, TransactionStockOut, TransactionAdjustment,
		TransactionReturn, TransactionDamage, TransactionTransfer:
		return true
	}
	return false
}

type InventoryTransaction struct {
	ID             string
	OwnerID        string
	ProductID      string
	Type           TransactionType
	QuantityDelta  int
	QuantityBefore int
	QuantityAfter  int
	Reason         string
	Reference      string
	PerformedBy    string
	PerformedAt    time.Time
}

type StockLine struct {
	ProductID string
	Quantity  int
}

// MergeLines folds repeated product ids into one line, keeping first-seen order.
func MergeLines(lines []StockLine) []StockLine {
	index := make(map[string]int, len(lines))
	merged := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged
}
