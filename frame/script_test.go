package frame

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipeScript = `
function decode(line) {
	var parts = line.split("|");
	var out = [];
	for (var i = 0; i < parts.length; i++) {
		out.push(parseFloat(parts[i]));
	}
	return out;
}
`

func TestScriptDecoder(t *testing.T) {
	d, err := NewScriptDecoder(pipeScript, "", 0)
	require.NoError(t, err)

	fields, err := d.Decode([]byte("512|1.5|7"))
	require.NoError(t, err)
	assert.Equal(t, []float64{512, 1.5, 7}, fields)
}

func TestScriptDecoderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decode.js")
	require.NoError(t, os.WriteFile(path, []byte(pipeScript), 0644))

	d, err := LoadScriptDecoder("", path, time.Second)
	require.NoError(t, err)

	p := NewParser(d, 2)
	s, err := p.Parse([]byte("3|4"), 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, s.Fields)
}

func TestScriptDecoderRejectsBadScripts(t *testing.T) {
	_, err := NewScriptDecoder(`var x = 1;`, "", 0)
	assert.ErrorContains(t, err, "does not define a 'decode' function")

	_, err = NewScriptDecoder(`function decode(`, "", 0)
	assert.Error(t, err)

	_, err = LoadScriptDecoder("", "", 0)
	assert.Error(t, err)
}

func TestScriptDecoderBadResults(t *testing.T) {
	d, err := NewScriptDecoder(`function decode(line) { if (line === "s") return "nope"; if (line === "u") return undefined; return [1, "x"]; }`, "", 0)
	require.NoError(t, err)

	_, err = d.Decode([]byte("s"))
	assert.ErrorContains(t, err, "must return an array")

	_, err = d.Decode([]byte("u"))
	assert.ErrorContains(t, err, "no fields")

	_, err = d.Decode([]byte("a"))
	assert.ErrorContains(t, err, "not a number")

	p := NewParser(d, 2)
	_, err = p.Parse([]byte("a"), 1, time.Now())
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestScriptDecoderTimeout(t *testing.T) {
	d, err := NewScriptDecoder(`function decode(line) { while (true) {} }`, "", 20*time.Millisecond)
	require.NoError(t, err)

	_, err = d.Decode([]byte("1"))
	assert.ErrorContains(t, err, "decode timeout")

	// the runtime stays usable after an interrupt
	d2, err := NewScriptDecoder(`function decode(line) { if (line === "loop") { while (true) {} } return [1]; }`, "", 20*time.Millisecond)
	require.NoError(t, err)
	_, err = d2.Decode([]byte("loop"))
	require.Error(t, err)
	fields, err := d2.Decode([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, fields)
}

func TestScriptDecoderTimeoutAtTheBoundary(t *testing.T) {
	// "slow" frames run for about as long as the timeout, so the timer
	// fires while Decode is returning on some iterations
	d, err := NewScriptDecoder(`function decode(line) {
		if (line === "slow") {
			var end = Date.now() + 20;
			while (Date.now() < end) {}
		}
		return [2];
	}`, "", 20*time.Millisecond)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d.Decode([]byte("slow"))
		fields, err := d.Decode([]byte("fast"))
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, []float64{2}, fields)
	}
}
