package calibration

import (
	"fmt"

	"github.com/eddielth/sensorbridge/frame"
)

// Holdover carries the last valid value per channel between frames. The
// zero value means no channel has reported a valid value yet.
type Holdover struct {
	values []float64
	seen   []bool
}

// Last returns the last valid value held for channel i
func (h Holdover) Last(i int) (float64, bool) {
	if i >= len(h.seen) || !h.seen[i] {
		return 0, false
	}
	return h.values[i], true
}

// Calibrate converts raw into a Sample. It does not modify prior; the
// returned Holdover reflects this frame's valid readings. The result depends
// only on the arguments.
func Calibrate(set *Set, raw frame.RawSample, prior Holdover) (Sample, Holdover, error) {
	if set == nil {
		return Sample{}, prior, &CalibrationError{Reason: "channel set is nil"}
	}
	if len(raw.Fields) != set.Len() {
		return Sample{}, prior, &CalibrationError{
			Reason: fmt.Sprintf("raw sample has %d fields, channel set has %d", len(raw.Fields), set.Len()),
		}
	}

	next := Holdover{
		values: make([]float64, set.Len()),
		seen:   make([]bool, set.Len()),
	}
	copy(next.values, prior.values)
	copy(next.seen, prior.seen)

	readings := make([]Reading, set.Len())
	for i, ch := range set.channels {
		rv := raw.Fields[i]
		r := Reading{
			Channel: ch.Name,
			Unit:    ch.Unit,
			Raw:     rv,
		}

		if ch.Domain.Contains(rv) {
			r.Value = ch.Apply(rv)
			r.Valid = true
			next.values[i] = r.Value
			next.seen[i] = true
		} else {
			r.Value = substitute(set.policy, ch, rv, prior, i)
		}
		readings[i] = r
	}

	return Sample{
		Seq:       raw.Seq,
		Timestamp: raw.Received,
		Readings:  readings,
	}, next, nil
}

func substitute(policy Policy, ch ChannelSpec, raw float64, prior Holdover, i int) float64 {
	switch policy {
	case PolicyClamp:
		return ch.Apply(ch.Domain.Clamp(raw))
	case PolicySentinel:
		return ch.Sentinel
	default:
		if v, ok := prior.Last(i); ok {
			return v
		}
		return ch.Sentinel
	}
}

// Engine threads the holdover state through successive Calibrate calls.
// It is meant to be driven by a single intake goroutine.
type Engine struct {
	set  *Set
	hold Holdover
}

// NewEngine creates an engine for set
func NewEngine(set *Set) *Engine {
	return &Engine{set: set}
}

// Calibrate converts one raw sample and updates the holdover state
func (e *Engine) Calibrate(raw frame.RawSample) (Sample, error) {
	s, next, err := Calibrate(e.set, raw, e.hold)
	if err != nil {
		return Sample{}, err
	}
	e.hold = next
	return s, nil
}
