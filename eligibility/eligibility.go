// Package eligibility decides whether a fetched product may be published.
package eligibility

import "dealdrip/pkg/deal"

// Reason explains why a product was skipped.
type Reason string

const (
	Malformed            Reason = "malformed"
	OutOfStock           Reason = "out_of_stock"
	DuplicateFingerprint Reason = "duplicate_fingerprint"
	AlreadyPublished     Reason = "already_published"
)

// Decision is the outcome for one product. Reason is empty when Eligible.
type Decision struct {
	Reason   Reason
	Eligible bool
}

// Ledger answers whether a fingerprint was already used.
type Ledger interface {
	Contains(fingerprint string) bool
}

// ExistsFunc reports whether content with the tracking link already exists.
type ExistsFunc func(trackingLink string) bool

// Check evaluates p against the ledger and the content store. Checks run in a
// fixed order and the first failing one wins. It has no side effects.
func Check(p *deal.Product, ledger Ledger, exists ExistsFunc) Decision {
	switch {
	case p == nil || p.ID == "" || p.TrackingLink == "":
		return Decision{Reason: Malformed}
	case p.Availability != deal.InStock:
		return Decision{Reason: OutOfStock}
	case ledger != nil && ledger.Contains(p.Fingerprint()):
		return Decision{Reason: DuplicateFingerprint}
	case exists != nil && exists(p.TrackingLink):
		return Decision{Reason: AlreadyPublished}
	}
	return Decision{Eligible: true}
}

// MeetsDiscount reports whether p's raw discount reaches minPercent.
func MeetsDiscount(p *deal.Product, minPercent int) bool {
	if minPercent <= 0 {
		return true
	}
	return p.DiscountPercent() >= float64(minPercent)
}

// Filter returns the eligible products and a count of skips per reason.
func Filter(products []deal.Product, ledger Ledger, exists ExistsFunc) ([]deal.Product, map[Reason]int) {
	skipped := make(map[Reason]int)
	var out []deal.Product
	seen := make(map[string]bool)
	for i := range products {
		p := &products[i]
		d := Check(p, ledger, exists)
		if !d.Eligible {
			skipped[d.Reason]++
			continue
		}
		// The same fingerprint twice in one batch counts as a duplicate.
		fp := p.Fingerprint()
		if seen[fp] {
			skipped[DuplicateFingerprint]++
			continue
		}
		seen[fp] = true
		out = append(out, *p)
	}
	return out, skipped
}
