package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// PricingPolicy computes order amounts from the item snapshot. A zero
// FreeShippingThreshold disables free shipping.
type PricingPolicy struct {
	TaxRate               decimal.Decimal
	FlatShipping          decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	DiscountRate          decimal.Decimal
}

// Amounts returns subtotal, shipping, tax, discount and total rounded to cents.
// Tax applies to the discounted subtotal.
func (p PricingPolicy) Amounts(items []domain.OrderItem) domain.OrderAmounts {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	shipping := p.FlatShipping
	if p.FreeShippingThreshold.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	discount := subtotal.Mul(p.DiscountRate).Round(2)
	tax := subtotal.Sub(discount).Mul(p.TaxRate).Round(2)
	total := subtotal.Add(shipping).Add(tax).Sub(discount)

	return domain.OrderAmounts{
		Subtotal: subtotal.Round(2),
		Shipping: shipping.Round(2),
		Tax:      tax,
		Discount: discount,
		Total:    total.Round(2),
	}
}
