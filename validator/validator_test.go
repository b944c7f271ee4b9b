package validator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeContains(t *testing.T) {
	r := Range{Min: 0, Max: 1023}

	tests := []struct {
		v    float64
		want bool
	}{
		{0, true},
		{512, true},
		{1023, true},
		{-5, false},
		{1024, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Contains(tt.v), "Contains(%v)", tt.v)
	}
}

func TestRangeClamp(t *testing.T) {
	r := Range{Min: 0, Max: 1023}

	assert.Equal(t, 0.0, r.Clamp(-5))
	assert.Equal(t, 1023.0, r.Clamp(4000))
	assert.Equal(t, 12.5, r.Clamp(12.5))
	assert.Equal(t, 0.0, r.Clamp(math.NaN()))
	assert.Equal(t, 1023.0, r.Clamp(math.Inf(1)))
}

func TestRangeCheck(t *testing.T) {
	assert.NoError(t, Range{Min: 0, Max: 1}.Check())
	assert.Error(t, Range{Min: 1, Max: 1}.Check())
	assert.Error(t, Range{Min: 2, Max: 1}.Check())
	assert.Error(t, Range{Min: math.Inf(-1), Max: 1}.Check())
}

func TestRangeValidate(t *testing.T) {
	r := Range{Min: -40, Max: 85}
	assert.NoError(t, r.Validate(20))
	err := r.Validate(100)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "outside range")
	}
}
