// Package billing implements the subscription synchronization logic between
// the account store and the payment gateway.
package billing

import (
	"fmt"

	"billingsync/internal/types"
)

// Catalog maps gateway price and product identifiers to internal tiers.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	byTier    map[types.Tier]types.TierDescriptor
	byPrice   map[string]types.Tier
	byProduct map[string]types.Tier
	order     []types.Tier
}

// NewCatalog builds a Catalog from configured descriptors.
// A price or product identifier claimed by two different tiers is rejected,
// as is a tier listed twice.
func NewCatalog(descriptors []types.TierDescriptor) (*Catalog, error) {
	c := &Catalog{
		byTier:    make(map[types.Tier]types.TierDescriptor, len(descriptors)),
		byPrice:   make(map[string]types.Tier, len(descriptors)),
		byProduct: make(map[string]types.Tier, len(descriptors)),
	}

	for _, d := range descriptors {
		if d.Tier == "" || d.PriceID == "" {
			return nil, fmt.Errorf("tier catalog: descriptor %+v needs a tier and a price id", d)
		}
		if _, dup := c.byTier[d.Tier]; dup {
			return nil, fmt.Errorf("tier catalog: tier %q listed twice", d.Tier)
		}
		if other, dup := c.byPrice[d.PriceID]; dup {
			return nil, fmt.Errorf("tier catalog: price %q mapped to both %q and %q", d.PriceID, other, d.Tier)
		}
		if d.ProductID != "" {
			if other, dup := c.byProduct[d.ProductID]; dup && other != d.Tier {
				return nil, fmt.Errorf("tier catalog: product %q mapped to both %q and %q", d.ProductID, other, d.Tier)
			}
			c.byProduct[d.ProductID] = d.Tier
		}
		c.byTier[d.Tier] = d
		c.byPrice[d.PriceID] = d.Tier
		c.order = append(c.order, d.Tier)
	}

	return c, nil
}

// PriceFor returns the configured price identifier for a tier.
func (c *Catalog) PriceFor(tier types.Tier) (string, bool) {
	d, ok := c.byTier[tier]
	return d.PriceID, ok
}

// Derive resolves a tier from a subscription's price, falling back to its
// product. Unknown identifiers yield false; callers must not substitute a
// default tier.
func (c *Catalog) Derive(priceID, productID string) (types.Tier, bool) {
	if priceID != "" {
		if t, ok := c.byPrice[priceID]; ok {
			return t, true
		}
	}
	if productID != "" {
		if t, ok := c.byProduct[productID]; ok {
			return t, true
		}
	}
	return "", false
}

// Tiers lists configured tiers in configuration order.
func (c *Catalog) Tiers() []types.Tier {
	out := make([]types.Tier, len(c.order))
	copy(out, c.order)
	return out
}
