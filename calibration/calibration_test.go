package calibration

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensorbridge/frame"
	"github.com/eddielth/sensorbridge/validator"
)

func tempChannel() ChannelSpec {
	return ChannelSpec{
		Name:   "temperature",
		Unit:   "C",
		Domain: validator.Range{Min: 0, Max: 1023},
		Scale:  50.0 / 1023.0,
	}
}

func twoChannels(t *testing.T, policy Policy) *Set {
	t.Helper()
	set, err := NewSet([]ChannelSpec{
		tempChannel(),
		{Name: "humidity", Unit: "%", Domain: validator.Range{Min: 0, Max: 1023}, Scale: 100.0 / 1023.0, Sentinel: -1},
	}, policy)
	require.NoError(t, err)
	return set
}

func raw(seq uint64, fields ...float64) frame.RawSample {
	return frame.RawSample{Seq: seq, Received: time.Unix(1700000000, 0).UTC(), Fields: fields}
}

func TestCalibrateLinear(t *testing.T) {
	set, err := NewSet([]ChannelSpec{tempChannel()}, PolicyHold)
	require.NoError(t, err)

	s, _, err := Calibrate(set, raw(1, 512), Holdover{})
	require.NoError(t, err)

	v, ok := s.Value("temperature")
	require.True(t, ok)
	assert.InDelta(t, 25.02, v, 0.01)
	assert.True(t, s.Readings[0].Valid)
	assert.Equal(t, "C", s.Readings[0].Unit)
	assert.Equal(t, float64(512), s.Readings[0].Raw)
	assert.Equal(t, uint64(1), s.Seq)
}

func TestCalibrateOffset(t *testing.T) {
	set, err := NewSet([]ChannelSpec{{Name: "p", Domain: validator.Range{Min: -10, Max: 10}, Scale: 2, Offset: 3}}, "")
	require.NoError(t, err)
	assert.Equal(t, PolicyHold, set.Policy())

	s, _, err := Calibrate(set, raw(1, -4), Holdover{})
	require.NoError(t, err)
	assert.Equal(t, float64(-5), s.Readings[0].Value)
}

func TestCalibrateOutOfRangePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		// value reported for the out-of-range frame after a good 512 frame
		afterGood float64
		// value reported when no good frame preceded it
		cold float64
	}{
		{"hold", PolicyHold, 512 * 50.0 / 1023.0, 0},
		{"sentinel", PolicySentinel, 0, 0},
		{"clamp", PolicyClamp, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := twoChannels(t, tt.policy)

			s, _, err := Calibrate(set, raw(1, -5, 100), Holdover{})
			require.NoError(t, err)
			assert.False(t, s.Readings[0].Valid)
			assert.InDelta(t, tt.cold, s.Readings[0].Value, 1e-9)
			assert.True(t, s.Readings[1].Valid)

			_, hold, err := Calibrate(set, raw(2, 512, 100), Holdover{})
			require.NoError(t, err)
			s, _, err = Calibrate(set, raw(3, -5, 100), hold)
			require.NoError(t, err)
			assert.False(t, s.Readings[0].Valid)
			assert.InDelta(t, tt.afterGood, s.Readings[0].Value, 1e-9)
		})
	}
}

func TestCalibrateClampHigh(t *testing.T) {
	set := twoChannels(t, PolicyClamp)

	s, _, err := Calibrate(set, raw(1, 2000, math.Inf(1)), Holdover{})
	require.NoError(t, err)
	assert.False(t, s.Readings[0].Valid)
	assert.InDelta(t, 50, s.Readings[0].Value, 1e-9)
	assert.False(t, s.Readings[1].Valid)
	assert.InDelta(t, 100, s.Readings[1].Value, 1e-9)
}

func TestCalibrateSentinelPerChannel(t *testing.T) {
	set := twoChannels(t, PolicySentinel)

	s, _, err := Calibrate(set, raw(1, 1, math.NaN()), Holdover{})
	require.NoError(t, err)
	assert.True(t, s.Readings[0].Valid)
	assert.False(t, s.Readings[1].Valid)
	assert.Equal(t, float64(-1), s.Readings[1].Value)
}

func TestCalibrateIsDeterministic(t *testing.T) {
	set := twoChannels(t, PolicyHold)
	_, prior, err := Calibrate(set, raw(1, 300, 400), Holdover{})
	require.NoError(t, err)

	in := raw(2, -5, 700)
	a, ha, err := Calibrate(set, in, prior)
	require.NoError(t, err)
	b, hb, err := Calibrate(set, in, prior)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, ha, hb)

	// prior was not modified
	last, ok := prior.Last(1)
	require.True(t, ok)
	assert.InDelta(t, 400*100.0/1023.0, last, 1e-9)
}

func TestCalibrateFieldCountMismatch(t *testing.T) {
	set := twoChannels(t, PolicyHold)

	_, _, err := Calibrate(set, raw(1, 1), Holdover{})
	assert.ErrorIs(t, err, ErrCalibration)

	_, _, err = Calibrate(nil, raw(1, 1), Holdover{})
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestEngineThreadsHoldover(t *testing.T) {
	e := NewEngine(twoChannels(t, PolicyHold))

	s, err := e.Calibrate(raw(1, 1023, 0))
	require.NoError(t, err)
	assert.InDelta(t, 50, s.Readings[0].Value, 1e-9)

	s, err = e.Calibrate(raw(2, 5000, 0))
	require.NoError(t, err)
	assert.False(t, s.Readings[0].Valid)
	assert.InDelta(t, 50, s.Readings[0].Value, 1e-9)

	_, err = e.Calibrate(raw(3, 1))
	require.Error(t, err)

	// a rejected sample leaves the holdover alone
	s, err = e.Calibrate(raw(4, -1, 0))
	require.NoError(t, err)
	assert.InDelta(t, 50, s.Readings[0].Value, 1e-9)
}

func TestNewSetRejectsMalformedSets(t *testing.T) {
	good := tempChannel()

	tests := []struct {
		name     string
		channels []ChannelSpec
		policy   Policy
	}{
		{"empty", nil, PolicyHold},
		{"blank name", []ChannelSpec{{Domain: good.Domain, Scale: 1}}, PolicyHold},
		{"inverted domain", []ChannelSpec{{Name: "x", Domain: validator.Range{Min: 5, Max: 1}, Scale: 1}}, PolicyHold},
		{"infinite scale", []ChannelSpec{{Name: "x", Domain: good.Domain, Scale: math.Inf(1)}}, PolicyHold},
		{"duplicate name", []ChannelSpec{good, good}, PolicyHold},
		{"unknown policy", []ChannelSpec{good}, Policy("interpolate")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSet(tt.channels, tt.policy)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCalibration)
		})
	}
}

func TestSetAccessors(t *testing.T) {
	set, err := NewSet([]ChannelSpec{
		{Name: "temperature", Field: "temp", Domain: validator.Range{Min: 0, Max: 1}, Scale: 1},
		{Name: "uv", Domain: validator.Range{Min: 0, Max: 1}, Scale: 1},
	}, PolicySentinel)
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"temperature", "uv"}, set.Names())
	assert.Equal(t, []string{"temp", "uv"}, set.Keys())

	ch, ok := set.Lookup("uv")
	require.True(t, ok)
	assert.Equal(t, "uv", ch.Name)
	_, ok = set.Lookup("missing")
	assert.False(t, ok)
}

func TestChannelsMayShareField(t *testing.T) {
	set, err := NewSet([]ChannelSpec{
		{Name: "temperature", Field: "temp_humidity", Domain: validator.Range{Min: 0, Max: 1023}, Scale: 50.0 / 1023.0},
		{Name: "humidity", Field: "temp_humidity", Domain: validator.Range{Min: 0, Max: 1023}, Scale: 100.0 / 1023.0},
	}, PolicyHold)
	require.NoError(t, err)
	assert.Equal(t, []string{"temp_humidity", "temp_humidity"}, set.Keys())

	s, _, err := Calibrate(set, raw(1, 1023, 1023), Holdover{})
	require.NoError(t, err)
	assert.InDelta(t, 50, s.Readings[0].Value, 1e-9)
	assert.InDelta(t, 100, s.Readings[1].Value, 1e-9)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Clamp ")
	require.NoError(t, err)
	assert.Equal(t, PolicyClamp, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyHold, p)

	_, err = ParsePolicy("nearest")
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestSampleCloneIsIndependent(t *testing.T) {
	set := twoChannels(t, PolicyHold)
	s, _, err := Calibrate(set, raw(1, 1, 2), Holdover{})
	require.NoError(t, err)

	c := s.Clone()
	c.Readings[0].Value = 999

	assert.NotEqual(t, s.Readings[0].Value, c.Readings[0].Value)
	assert.Len(t, s.Values(), 2)
}
