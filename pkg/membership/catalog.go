package membership

import "time"

// Product describes a purchasable membership product as configured in the
// app stores. Product IDs must match the store listing identifiers.
type Product struct {
	ID           string
	Tier         Tier
	DurationDays int
	Price        Money
}

// Duration returns the billing period of the product.
func (p Product) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Catalog maps store product IDs to membership products.
type Catalog map[string]Product

// Lookup returns the product for the given ID.
func (c Catalog) Lookup(productID string) (Product, bool) {
	p, ok := c[productID]
	return p, ok
}

// DefaultCatalog is the production product listing shared by both platforms.
func DefaultCatalog() Catalog {
	return Catalog{
		"greengo_base_membership": {ID: "greengo_base_membership", Tier: TierBasic, DurationDays: 365, Price: Money{Amount: 999, Currency: "USD"}},
		"1_month_silver":          {ID: "1_month_silver", Tier: TierSilver, DurationDays: 30, Price: Money{Amount: 999, Currency: "USD"}},
		"1_year_silver":           {ID: "1_year_silver", Tier: TierSilver, DurationDays: 365, Price: Money{Amount: 9990, Currency: "USD"}},
		"1_month_gold":            {ID: "1_month_gold", Tier: TierGold, DurationDays: 30, Price: Money{Amount: 1999, Currency: "USD"}},
		"1_year_gold":             {ID: "1_year_gold", Tier: TierGold, DurationDays: 365, Price: Money{Amount: 19990, Currency: "USD"}},
		"1_month_platinum":        {ID: "1_month_platinum", Tier: TierPlatinum, DurationDays: 30, Price: Money{Amount: 2999, Currency: "USD"}},
		"1_year_platinum_membership": {
			ID: "1_year_platinum_membership", Tier: TierPlatinum, DurationDays: 365, Price: Money{Amount: 29990, Currency: "USD"},
		},
	}
}
