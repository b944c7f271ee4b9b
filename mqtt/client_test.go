package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorContains(t, err, "broker address cannot be empty")

	_, err = NewClient(Options{Broker: "tcp://localhost:1883", QoS: 3})
	assert.ErrorContains(t, err, "invalid MQTT QoS")
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Options{Broker: "ws://localhost:8083/mqtt"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(c.opts.ClientID, "sensorbridge-"))
	assert.Equal(t, 10*time.Second, c.opts.ConnectTimeout)
	assert.Equal(t, "mqtt", c.Name())
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient(Options{Broker: "tcp://127.0.0.1:1"})
	require.NoError(t, err)

	assert.Error(t, c.Publish("weather/workstation", []byte("{}")))
	assert.NoError(t, c.Close())
}

func TestConnectHonoursContext(t *testing.T) {
	c, err := NewClient(Options{Broker: "tcp://127.0.0.1:1", ConnectTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	// either the cancelled context or the refused dial, never success
	assert.True(t, errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "connect to MQTT broker"))
}

func TestLostSignalDoesNotBlock(t *testing.T) {
	c, err := NewClient(Options{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)

	c.signalLost(errors.New("first"))
	c.signalLost(errors.New("second"))

	select {
	case err := <-c.Lost():
		assert.EqualError(t, err, "first")
	default:
		t.Fatal("expected a loss signal")
	}
}
