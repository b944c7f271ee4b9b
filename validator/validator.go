package validator

import (
	"fmt"
	"math"
)

// Validator checks a single value against a rule
type Validator interface {
	// Validate returns an error describing why v is rejected
	Validate(v float64) error
}

// Range is a closed interval [Min, Max] used as a raw sensor domain
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v is finite and lies inside the range
func (r Range) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= r.Min && v <= r.Max
}

// Clamp pulls v into the range. Non-finite values clamp to Min.
func (r Range) Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), math.IsInf(v, -1), v < r.Min:
		return r.Min
	case math.IsInf(v, 1), v > r.Max:
		return r.Max
	default:
		return v
	}
}

// Validate implements Validator
func (r Range) Validate(v float64) error {
	if !r.Contains(v) {
		return fmt.Errorf("value %g is outside range [%g, %g]", v, r.Min, r.Max)
	}
	return nil
}

// Check verifies the range itself is usable as a domain
func (r Range) Check() error {
	if !Finite(r.Min) || !Finite(r.Max) {
		return fmt.Errorf("range bounds must be finite, got [%g, %g]", r.Min, r.Max)
	}
	if r.Min >= r.Max {
		return fmt.Errorf("range min %g must be below max %g", r.Min, r.Max)
	}
	return nil
}

// Finite reports whether v is neither NaN nor infinite
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

var _ Validator = Range{}
