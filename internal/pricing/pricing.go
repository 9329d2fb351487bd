// Package pricing resolves the unit price for a cart line. The resolver is a
// pure function: the checkout engine calls it at cart-display time and again
// at commit time, and both calls must agree, so nothing here may read state
// beyond its arguments.
package pricing

import "tokocabang/backend/internal/domain"

// ResolveUnitPrice picks the retail or wholesale unit price for a product at
// the requested quantity.
//
// FORCE_WHOLESALE returns the wholesale price whenever one is configured.
// AUTO switches to wholesale once quantity reaches the product's MinStock
// threshold (threshold disabled when MinStock is 0). The boundary
// quantity == MinStock resolves to wholesale. A missing selling price
// resolves to 0; that is a catalog data-entry problem, not handled here.
func ResolveUnitPrice(product domain.Product, quantity int, mode domain.PriceMode) int64 {
	wholesale := product.WholesalePrice

	if mode == domain.PriceModeForceWholesale && wholesale != nil {
		return *wholesale
	}

	if wholesale != nil && product.MinStock > 0 && quantity >= product.MinStock {
		return *wholesale
	}

	return product.SellingPrice
}

// LineSubtotal is the resolved unit price multiplied out. Kept next to the
// resolver so display and commit compute subtotals identically.
func LineSubtotal(product domain.Product, quantity int, mode domain.PriceMode) int64 {
	return ResolveUnitPrice(product, quantity, mode) * int64(quantity)
}
