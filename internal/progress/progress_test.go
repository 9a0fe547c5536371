package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobal_NoItems(t *testing.T) {
	assert.Equal(t, 0.0, Global(nil))
	assert.Equal(t, 0.0, Global([]float64{}))
}

func TestGlobal_Mean(t *testing.T) {
	assert.InDelta(t, 0.75, Global([]float64{0.5, 1.0}), 1e-9)
}

func TestItem(t *testing.T) {
	assert.Equal(t, 0.0, Item(nil))
	assert.InDelta(t, 0.5, Item(map[string]float64{"A": 0, "B": 1}), 1e-9)
	assert.InDelta(t, 0.4, Item(map[string]float64{"A": 0.4}), 1e-9)
}

func TestFraction(t *testing.T) {
	assert.InDelta(t, 0.4, Fraction(400, 1000, false), 1e-9)
	assert.Equal(t, 1.0, Fraction(1200, 1000, false))
	assert.Equal(t, 0.0, Fraction(-1, 1000, false))
	assert.Equal(t, 0.0, Fraction(0, 0, false))
	assert.Equal(t, 1.0, Fraction(0, 0, true))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 75, Percent(0.75))
	assert.Equal(t, 100, Percent(1))
	assert.Equal(t, 33, Percent(1.0/3))
}
