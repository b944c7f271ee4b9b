package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/sensorbridge/logger"
)

// Options configures the MQTT transport
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// WillTopic, when set, receives WillPayload if the bridge vanishes
	WillTopic   string
	WillPayload string
}

// Client is a publish-only MQTT transport. Reconnection is left to the
// caller: paho's auto reconnect is disabled and every lost connection is
// reported on Lost.
type Client struct {
	client mqtt.Client
	opts   Options
	lost   chan error
}

// NewClient creates a new MQTT client
func NewClient(opts Options) (*Client, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", opts.QoS)
	}
	if opts.ClientID == "" {
		opts.ClientID = "sensorbridge-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		opts: opts,
		lost: make(chan error, 1),
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(opts.ClientID)
	if opts.Username != "" {
		mo.SetUsername(opts.Username)
		mo.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		mo.SetKeepAlive(opts.KeepAlive)
	}
	mo.SetConnectTimeout(opts.ConnectTimeout)
	mo.SetCleanSession(true)
	mo.SetAutoReconnect(false)
	mo.SetConnectRetry(false)
	if opts.WillTopic != "" {
		mo.SetWill(opts.WillTopic, opts.WillPayload, opts.QoS, false)
	}

	mo.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("successfully connected to MQTT broker: %s", opts.Broker)
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
		c.signalLost(err)
	})

	c.client = mqtt.NewClient(mo)
	return c, nil
}

func (c *Client) signalLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

// Connect connects to the MQTT broker once
func (c *Client) Connect(ctx context.Context) error {
	// a loss signal left over from the previous connection is stale
	select {
	case <-c.lost:
	default:
	}

	token := c.client.Connect()
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("connection to MQTT broker %s timed out", c.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.opts.Broker, err)
	}
	return nil
}

// Publish queues payload with paho without waiting for the broker
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("MQTT connection is not open")
	}
	token := c.client.Publish(topic, c.opts.QoS, c.opts.Retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// Lost implements the transport loss signal
func (c *Client) Lost() <-chan error {
	return c.lost
}

// Name returns "mqtt"
func (c *Client) Name() string {
	return "mqtt"
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		logger.Info("disconnected from MQTT broker")
	}
	return nil
}
