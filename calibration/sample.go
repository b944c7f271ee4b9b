package calibration

import "time"

// Reading is one calibrated channel value
type Reading struct {
	Channel string
	Unit    string
	Raw     float64
	Value   float64
	Valid   bool
}

// Sample is the calibrated form of exactly one raw frame. Readings follow
// channel order. A Sample is never modified once built; use Clone to hand
// an independent copy to another consumer.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Readings  []Reading
}

// Reading returns the reading for a channel
func (s Sample) Reading(name string) (Reading, bool) {
	for _, r := range s.Readings {
		if r.Channel == name {
			return r, true
		}
	}
	return Reading{}, false
}

// Value returns the calibrated value for a channel
func (s Sample) Value(name string) (float64, bool) {
	r, ok := s.Reading(name)
	return r.Value, ok
}

// Values returns channel name to calibrated value
func (s Sample) Values() map[string]float64 {
	out := make(map[string]float64, len(s.Readings))
	for _, r := range s.Readings {
		out[r.Channel] = r.Value
	}
	return out
}

// Clone returns a deep copy
func (s Sample) Clone() Sample {
	readings := make([]Reading, len(s.Readings))
	copy(readings, s.Readings)
	s.Readings = readings
	return s
}
