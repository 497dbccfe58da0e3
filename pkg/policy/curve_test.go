package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pt(amount, value int64) Point {
	return Point{Amount: decimal.NewFromInt(amount), Value: decimal.NewFromInt(value)}
}

func TestNewConfirmationCurve_RequiresTwoPoints(t *testing.T) {
	_, err := NewConfirmationCurve([]Point{pt(0, 1)})
	require.Error(t, err)
}

func TestNewPriceCurve_SinglePointAllowed(t *testing.T) {
	c, err := NewPriceCurve([]Point{{Amount: decimal.Zero, Value: decimal.NewFromFloat(1.5)}})
	require.NoError(t, err)
	assert.True(t, c.Evaluate(decimal.NewFromInt(1_000_000)).Equal(decimal.NewFromFloat(1.5)))
}

func TestNewPriceCurve_RejectsNonPositivePrice(t *testing.T) {
	_, err := NewPriceCurve([]Point{{Amount: decimal.Zero, Value: decimal.Zero}})
	require.Error(t, err)
}

func TestCurve_ClampsAtEnds(t *testing.T) {
	c, err := NewConfirmationCurve([]Point{pt(100, 1), pt(10_000, 10)})
	require.NoError(t, err)

	assert.EqualValues(t, 1, c.EvaluateInt(decimal.NewFromInt(0)))
	assert.EqualValues(t, 10, c.EvaluateInt(decimal.NewFromInt(50_000)))
}

func TestCurve_InterpolatesLinearly(t *testing.T) {
	c, err := NewConfirmationCurve([]Point{pt(0, 0), pt(100, 100)})
	require.NoError(t, err)

	assert.EqualValues(t, 50, c.EvaluateInt(decimal.NewFromInt(50)))
	assert.EqualValues(t, 25, c.EvaluateInt(decimal.NewFromInt(25)))
}

func TestCurve_UnsortedConstructionIsNormalized(t *testing.T) {
	c, err := NewBpsCurve([]Point{pt(100, 100), pt(0, 0)})
	require.NoError(t, err)
	assert.EqualValues(t, 50, c.EvaluateInt(decimal.NewFromInt(50)))
}

func TestCurve_RejectsNegativeAmount(t *testing.T) {
	_, err := NewBpsCurve([]Point{pt(-1, 0), pt(100, 10)})
	require.Error(t, err)
}

func TestCurve_RejectsFractionalIntegerValue(t *testing.T) {
	_, err := NewBpsCurve([]Point{
		{Amount: decimal.Zero, Value: decimal.NewFromFloat(0.5)},
		{Amount: decimal.NewFromInt(100), Value: decimal.NewFromInt(10)},
	})
	require.Error(t, err)
}

// Idempotence law from spec.md 8: getValue(getValue(x)) stays defined and
// stable, and end clamping is exact.
func TestCurve_Idempotence(t *testing.T) {
	c, err := NewConfirmationCurve([]Point{pt(0, 2), pt(1000, 20)})
	require.NoError(t, err)

	x := decimal.NewFromInt(400)
	v1 := c.EvaluateInt(x)
	v2 := c.EvaluateInt(decimal.NewFromInt(v1))
	assert.Equal(t, v1, c.EvaluateInt(x))
	assert.NotNil(t, v2)
}
