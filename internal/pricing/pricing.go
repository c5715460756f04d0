// Package pricing holds the deterministic money rules used at display time, at order
// creation, and when a payment report is cross-checked. Amounts are int64 minor units.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidCoupon is returned for unknown, expired, exhausted or inapplicable coupons.
var ErrInvalidCoupon = errors.New("invalid coupon")

// Rules configures the engine.
type Rules struct {
	FlatShippingFee       int64
	FreeShippingThreshold int64
	TaxRate               decimal.Decimal
}

// Engine applies Rules. It holds no mutable state.
type Engine struct {
	rules Rules
}

// NewEngine parses the tax rate (e.g. "0.15") and returns an Engine.
func NewEngine(flatFee, freeThreshold int64, taxRate string) (*Engine, error) {
	rate, err := decimal.NewFromString(taxRate)
	if err != nil {
		return nil, fmt.Errorf("invalid tax rate %q: %w", taxRate, err)
	}
	if rate.IsNegative() || flatFee < 0 || freeThreshold < 0 {
		return nil, fmt.Errorf("pricing rules must not be negative")
	}
	return &Engine{rules: Rules{
		FlatShippingFee:       flatFee,
		FreeShippingThreshold: freeThreshold,
		TaxRate:               rate,
	}}, nil
}

// ShippingCost is the flat fee below the free-shipping threshold and zero at or above it.
// An empty (zero) subtotal ships nothing and costs nothing.
func (e *Engine) ShippingCost(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	if subtotal >= e.rules.FreeShippingThreshold {
		return 0
	}
	return e.rules.FlatShippingFee
}

// TaxAmount is subtotal * rate, rounded half away from zero to the minor unit.
func (e *Engine) TaxAmount(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(e.rules.TaxRate).Round(0).IntPart()
}

// CouponResult is the outcome of ApplyCoupon.
type CouponResult struct {
	Discount    int64
	NewSubtotal int64
}

// ApplyCoupon validates coupon at the given instant and computes its discount.
// A nil coupon means the code was not found.
func (e *Engine) ApplyCoupon(subtotal int64, coupon *models.Coupon, at time.Time) (CouponResult, error) {
	if coupon == nil {
		return CouponResult{}, fmt.Errorf("%w: unknown code", ErrInvalidCoupon)
	}
	if coupon.ExpiresAt != nil && !at.Before(*coupon.ExpiresAt) {
		return CouponResult{}, fmt.Errorf("%w: %s expired", ErrInvalidCoupon, coupon.Code)
	}
	if coupon.MaxUses > 0 && coupon.Used >= coupon.MaxUses {
		return CouponResult{}, fmt.Errorf("%w: %s exhausted", ErrInvalidCoupon, coupon.Code)
	}
	if subtotal < coupon.MinSubtotal {
		return CouponResult{}, fmt.Errorf("%w: %s requires subtotal of %d", ErrInvalidCoupon, coupon.Code, coupon.MinSubtotal)
	}

	var discount int64
	switch coupon.Kind {
	case models.CouponKindPercent:
		bps := decimal.NewFromInt(coupon.Value).Div(decimal.NewFromInt(10000))
		discount = decimal.NewFromInt(subtotal).Mul(bps).Round(0).IntPart()
	case models.CouponKindFixed:
		discount = coupon.Value
	default:
		return CouponResult{}, fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidCoupon, coupon.Code, coupon.Kind)
	}

	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}
	return CouponResult{Discount: discount, NewSubtotal: subtotal - discount}, nil
}

// Quote is a full price breakdown.
type Quote struct {
	Subtotal   int64  `json:"subtotal"`
	Discount   int64  `json:"discount"`
	CouponCode string `json:"coupon_code,omitempty"`
	Shipping   int64  `json:"shipping"`
	Tax        int64  `json:"tax"`
	Total      int64  `json:"total"`
}

// Quote composes the total. The order is fixed: the discount comes off first, then shipping and
// tax are computed on the discounted subtotal.
//
//	total = subtotal - discount + ShippingCost(subtotal - discount) + TaxAmount(subtotal - discount)
func (e *Engine) Quote(subtotal int64, coupon *models.Coupon, at time.Time) (Quote, error) {
	q := Quote{Subtotal: subtotal}
	discounted := subtotal
	if coupon != nil {
		res, err := e.ApplyCoupon(subtotal, coupon, at)
		if err != nil {
			return Quote{}, err
		}
		q.Discount = res.Discount
		q.CouponCode = coupon.Code
		discounted = res.NewSubtotal
	}
	q.Shipping = e.ShippingCost(discounted)
	q.Tax = e.TaxAmount(discounted)
	q.Total = discounted + q.Shipping + q.Tax
	return q, nil
}

// FormatAmount renders minor units as a two-decimal string ("200.00").
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseAmount converts a two-decimal string into minor units. More than two decimals is an error.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than two decimals", s)
	}
	return minor.IntPart(), nil
}
