// Package calibration converts raw sensor fields into engineering units.
//
// Each channel carries a raw domain and linear coefficients; the conversion
// is always value = raw*scale + offset. Raw values outside the domain never
// produce an error. They are flagged invalid and substituted according to
// the set's out-of-range Policy.
package calibration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eddielth/sensorbridge/validator"
)

// ErrCalibration is matched by every error caused by a malformed channel set
var ErrCalibration = errors.New("calibration error")

// CalibrationError reports a problem with the channel set itself
type CalibrationError struct {
	Channel string
	Reason  string
}

func (e *CalibrationError) Error() string {
	if e.Channel == "" {
		return "calibration error: " + e.Reason
	}
	return fmt.Sprintf("calibration error: channel %q: %s", e.Channel, e.Reason)
}

func (e *CalibrationError) Unwrap() error {
	return ErrCalibration
}

// Policy selects the value reported for an out-of-range reading
type Policy string

const (
	// PolicyHold repeats the channel's last valid value, or its sentinel
	// until one has been seen.
	PolicyHold Policy = "hold"
	// PolicySentinel always reports the channel's sentinel.
	PolicySentinel Policy = "sentinel"
	// PolicyClamp clamps the raw value into the domain before converting.
	PolicyClamp Policy = "clamp"
)

// ParsePolicy maps a configuration string to a Policy. Empty means hold.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyHold, nil
	case PolicyHold, PolicySentinel, PolicyClamp:
		return p, nil
	default:
		return "", &CalibrationError{Reason: fmt.Sprintf("unknown out-of-range policy %q", s)}
	}
}

// ChannelSpec describes one sensor channel
type ChannelSpec struct {
	Name string
	Unit string
	// Field is the frame key for keyed (JSON) frames; defaults to Name.
	// Several channels may read the same field.
	Field    string
	Domain   validator.Range
	Scale    float64
	Offset   float64
	Sentinel float64
}

// Apply performs the linear conversion
func (c ChannelSpec) Apply(raw float64) float64 {
	return raw*c.Scale + c.Offset
}

// Key returns the frame key used by keyed decoders
func (c ChannelSpec) Key() string {
	if c.Field != "" {
		return c.Field
	}
	return c.Name
}

func (c ChannelSpec) check() error {
	if strings.TrimSpace(c.Name) == "" {
		return &CalibrationError{Reason: "channel name is empty"}
	}
	if err := c.Domain.Check(); err != nil {
		return &CalibrationError{Channel: c.Name, Reason: err.Error()}
	}
	if !validator.Finite(c.Scale) || !validator.Finite(c.Offset) || !validator.Finite(c.Sentinel) {
		return &CalibrationError{Channel: c.Name, Reason: "scale, offset and sentinel must be finite"}
	}
	return nil
}

// Set is an ordered, immutable collection of channels
type Set struct {
	channels []ChannelSpec
	index    map[string]int
	policy   Policy
}

// NewSet validates channels and returns a read-only set
func NewSet(channels []ChannelSpec, policy Policy) (*Set, error) {
	if len(channels) == 0 {
		return nil, &CalibrationError{Reason: "no channels configured"}
	}
	policy, err := ParsePolicy(string(policy))
	if err != nil {
		return nil, err
	}

	set := &Set{
		channels: make([]ChannelSpec, len(channels)),
		index:    make(map[string]int, len(channels)),
		policy:   policy,
	}
	for i, c := range channels {
		if err := c.check(); err != nil {
			return nil, err
		}
		if _, dup := set.index[c.Name]; dup {
			return nil, &CalibrationError{Channel: c.Name, Reason: "duplicate channel name"}
		}
		set.index[c.Name] = i
		set.channels[i] = c
	}
	return set, nil
}

// Len returns the number of channels, i.e. the expected frame field count
func (s *Set) Len() int {
	return len(s.channels)
}

// Policy returns the out-of-range policy
func (s *Set) Policy() Policy {
	return s.policy
}

// Channel returns the channel at position i
func (s *Set) Channel(i int) ChannelSpec {
	return s.channels[i]
}

// Lookup finds a channel by name
func (s *Set) Lookup(name string) (ChannelSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return ChannelSpec{}, false
	}
	return s.channels[i], true
}

// Names returns channel names in frame order
func (s *Set) Names() []string {
	names := make([]string, len(s.channels))
	for i, c := range s.channels {
		names[i] = c.Name
	}
	return names
}

// Keys returns the frame keys in frame order
func (s *Set) Keys() []string {
	keys := make([]string, len(s.channels))
	for i, c := range s.channels {
		keys[i] = c.Key()
	}
	return keys
}
