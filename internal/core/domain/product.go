package domain

import "github.com/shopspring/decimal"

type Product struct {
	ID       string
	SellerID string
	Name     string
	Price    decimal.Decimal
	Active   bool
}
