package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	tests := map[string]string{
		"weather/workstation":     "weather.workstation",
		"weather/status/bench/hb": "weather.status.bench.hb",
		"/leading/and/trailing/":  "leading.and.trailing",
		"already.a.subject":       "already.a.subject",
	}
	for topic, want := range tests {
		assert.Equal(t, want, Subject(topic), topic)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	c, err := NewClient(Options{URL: nats.DefaultURL, Name: "sensorbridge"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.opts.Timeout)
	assert.Equal(t, "nats", c.Name())
	assert.Len(t, c.buildConnectionOptions(), 5)
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient(Options{URL: "nats://127.0.0.1:1"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("weather/workstation", []byte("{}")), nats.ErrConnectionClosed)
	assert.NoError(t, c.Close())
}

func TestConnectFailure(t *testing.T) {
	c, err := NewClient(Options{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}
