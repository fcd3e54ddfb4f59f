package domain

import "time"

type AlertType string

const (
	AlertLowStock   AlertType = "low_stock"
	AlertOutOfStock AlertType = "out_of_stock"
	AlertOverstock  AlertType = "overstock"
)

var AllAlertTypes = []AlertType{AlertLowStock, AlertOutOfStock, AlertOverstock}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

func (t AlertType) Severity() AlertSeverity {
	switch t {
	case AlertOutOfStock:
		return SeverityCritical
	case AlertLowStock:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// TemplateKey is the notification template used when the alert is raised.
func (t AlertType) TemplateKey() string {
	return "inventory_" + string(t)
}

type InventoryAlert struct {
	ID         string
	OwnerID    string
	ProductID  string
	Type       AlertType
	Severity   AlertSeverity
	Quantity   int
	IsRead     bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// EvaluateAlerts returns the alert conditions that hold for the item's current
// on-hand quantity. A zero MaximumStock disables the overstock check.
func EvaluateAlerts(item InventoryItem) []AlertType {
	var alerts []AlertType
	switch {
	case item.QuantityOnHand == 0:
		alerts = append(alerts, AlertOutOfStock)
	case item.QuantityOnHand > 0 && item.QuantityOnHand <= item.ReorderPoint:
		alerts = append(alerts, AlertLowStock)
	}
	if item.MaximumStock > 0 && item.QuantityOnHand > item.MaximumStock {
		alerts = append(alerts, AlertOverstock)
	}
	return alerts
}
