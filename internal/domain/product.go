package domain

import "time"

// Product is the catalog entry the checkout engine sells from.
// Stock is never negative; the repository enforces this with a
// conditional decrement (and a CHECK constraint in postgres).
type Product struct {
	ID    int64
	Name  string
	Price float64
	Stock int64

	// Optional flash-sale window. When all three are set and the window
	// covers "now", FlashPrice replaces Price.
	FlashPrice *float64
	FlashStart *time.Time
	FlashEnd   *time.Time
}

// EffectivePrice returns the unit price at the given instant.
// The flash window is inclusive on both ends.
func (p *Product) EffectivePrice(now time.Time) float64 {
	if p.FlashPrice == nil || p.FlashStart == nil || p.FlashEnd == nil {
		return p.Price
	}
	if now.Before(*p.FlashStart) || now.After(*p.FlashEnd) {
		return p.Price
	}
	return *p.FlashPrice
}

// FlashActive reports whether the flash window covers the given instant.
func (p *Product) FlashActive(now time.Time) bool {
	return p.FlashPrice != nil && p.FlashStart != nil && p.FlashEnd != nil &&
		!now.Before(*p.FlashStart) && !now.After(*p.FlashEnd)
}
