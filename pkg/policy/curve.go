// Package policy implements the filler's piecewise-linear configuration
// curves: confirmations-per-USD, basis-points-per-USD, and the managed-asset
// price curve (spec.md 4.A).
package policy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/duskrelay/intentfiller"
)

// Point is one (amount, value) pair of a curve, ordered by Amount.
type Point struct {
	Amount decimal.Decimal
	Value  decimal.Decimal
}

// kind distinguishes the rounding/validation rules of the two families of
// curve the spec names: integer-valued (confirmations, bps) and decimal
// price-valued (managed-asset price).
type kind int

const (
	kindInteger kind = iota
	kindPrice
)

// Curve is a non-empty, amount-sorted sequence of points evaluated by
// clamped piecewise-linear interpolation (spec.md 4.A).
type Curve struct {
	points []Point
	kind   kind
}

func validatePoints(points []Point, minLen int, k kind) error {
	if len(points) < minLen {
		return fmt.Errorf("%w: curve needs at least %d point(s), got %d", filler.ErrInvalidConfig, minLen, len(points))
	}
	sorted := append([]Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount.LessThan(sorted[j].Amount) })

	for i, p := range sorted {
		if p.Amount.IsNegative() {
			return fmt.Errorf("%w: point %d has negative amount %s", filler.ErrInvalidConfig, i, p.Amount)
		}
		switch k {
		case kindInteger:
			if p.Value.IsNegative() || !p.Value.Equal(p.Value.Truncate(0)) {
				return fmt.Errorf("%w: point %d has non-integer or negative value %s", filler.ErrInvalidConfig, i, p.Value)
			}
		case kindPrice:
			if !p.Value.IsPositive() {
				return fmt.Errorf("%w: point %d has non-positive priceUsd %s", filler.ErrInvalidConfig, i, p.Value)
			}
		}
	}
	return nil
}

func newCurve(points []Point, minLen int, k kind) (*Curve, error) {
	if err := validatePoints(points, minLen, k); err != nil {
		return nil, err
	}
	sorted := append([]Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount.LessThan(sorted[j].Amount) })
	return &Curve{points: sorted, kind: k}, nil
}

// NewConfirmationCurve builds the per-source-chain confirmations-required
// curve. Requires at least two points.
func NewConfirmationCurve(points []Point) (*Curve, error) {
	return newCurve(points, 2, kindInteger)
}

// NewBpsCurve builds the filler's basis-point fee schedule. Requires at
// least two points.
func NewBpsCurve(points []Point) (*Curve, error) {
	return newCurve(points, 2, kindInteger)
}

// NewPriceCurve builds the managed-asset USD price curve. A single point is
// sufficient (a flat price).
func NewPriceCurve(points []Point) (*Curve, error) {
	return newCurve(points, 1, kindPrice)
}

// Evaluate returns the interpolated decimal value at x: clamped to the first
// point's value for x at or below its amount, to the last point's value for
// x at or above its amount, and linearly interpolated between the bracketing
// pair otherwise (spec.md 4.A). This never falls through to "return the last
// point" by accident the way the original source's FillerPricePolicy did
// (spec.md 9) — the three cases are explicit.
func (c *Curve) Evaluate(x decimal.Decimal) decimal.Decimal {
	first, last := c.points[0], c.points[len(c.points)-1]

	if x.LessThanOrEqual(first.Amount) {
		return first.Value
	}
	if x.GreaterThanOrEqual(last.Amount) {
		return last.Value
	}

	for i := 0; i < len(c.points)-1; i++ {
		p1, p2 := c.points[i], c.points[i+1]
		if x.GreaterThanOrEqual(p1.Amount) && x.LessThanOrEqual(p2.Amount) {
			span := p2.Amount.Sub(p1.Amount)
			if span.IsZero() {
				return p1.Value
			}
			frac := x.Sub(p1.Amount).Div(span)
			return p1.Value.Add(frac.Mul(p2.Value.Sub(p1.Value)))
		}
	}
	// Unreachable given the sorted, clamped bracketing above.
	return last.Value
}

// EvaluateInt rounds Evaluate's result to the nearest integer using
// round-half-to-even, for the confirmations and bps curves.
func (c *Curve) EvaluateInt(x decimal.Decimal) int64 {
	return c.Evaluate(x).RoundBank(0).IntPart()
}
