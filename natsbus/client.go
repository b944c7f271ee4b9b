// Package natsbus publishes bridge traffic on a NATS server. MQTT style
// topics are mapped onto NATS subjects.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/sensorbridge/logger"
)

// Options configures the NATS transport
type Options struct {
	URL      string
	Name     string
	Username string
	Password string
	Token    string
	Timeout  time.Duration
}

// Client is a publish-only NATS transport. The nats.go reconnect logic is
// disabled so that the link supervisor decides when to redial.
type Client struct {
	opts Options
	lost chan error

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewClient validates opts and returns an unconnected client
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("NATS url cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{
		opts: opts,
		lost: make(chan error, 1),
	}, nil
}

// Subject converts an MQTT style topic into a NATS subject
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(c.opts.Timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ErrorHandler(c.handleError),
	}
	if c.opts.Username != "" && c.opts.Password != "" {
		opts = append(opts, nats.UserInfo(c.opts.Username, c.opts.Password))
	}
	if c.opts.Token != "" {
		opts = append(opts, nats.Token(c.opts.Token))
	}
	if c.opts.Name != "" {
		opts = append(opts, nats.Name(c.opts.Name))
	}
	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	logger.Error("NATS connection lost: %v", err)
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	logger.Error("NATS error: %v", err)
}

// Connect dials the server once
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.lost:
	default:
	}

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.opts.URL, c.buildConnectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		c.mu.Lock()
		old := c.conn
		c.conn = conn
		c.mu.Unlock()
		if old != nil {
			old.Close()
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connect to NATS %s: %w", c.opts.URL, err)
		}
		logger.Info("Connected to NATS at %s", c.opts.URL)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish buffers payload in the nats.go client
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return conn.Publish(Subject(topic), payload)
}

// Lost implements the transport loss signal
func (c *Client) Lost() <-chan error {
	return c.lost
}

// Name returns "nats"
func (c *Client) Name() string {
	return "nats"
}

// Close flushes pending messages and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	var err error
	if conn.IsConnected() {
		err = conn.FlushTimeout(time.Second)
	}
	conn.Close()
	return err
}
