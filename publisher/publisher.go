// Package publisher pushes calibrated samples and heartbeats to the broker.
//
// Publishing is fire-and-forget: when the broker link is not Connected the
// message is dropped and counted. Nothing is buffered for later delivery.
package publisher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/logger"
)

// ErrNotConnected is returned for messages dropped while the broker is down
var ErrNotConnected = fmt.Errorf("%w: broker not connected", link.ErrConnection)

// Transport is a broker client
type Transport interface {
	// Connect establishes one connection; it does not retry
	Connect(ctx context.Context) error
	// Publish hands payload to the client without waiting for delivery
	Publish(topic string, payload []byte) error
	// Lost delivers one value each time an established connection drops
	Lost() <-chan error
	Close() error
	Name() string
}

// HeartbeatSource builds the heartbeat for a tick and learns which ones
// reached the broker
type HeartbeatSource interface {
	Heartbeat(now time.Time) link.Heartbeat
	Delivered(hb link.Heartbeat)
}

// Options configures a Publisher
type Options struct {
	DataTopic      string
	HeartbeatTopic string
}

// Publisher serialises samples and heartbeats onto their topics
type Publisher struct {
	transport Transport
	opts      Options
	state     func() link.State

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a publisher. state reports the broker link state.
func New(transport Transport, opts Options, state func() link.State) *Publisher {
	return &Publisher{
		transport: transport,
		opts:      opts,
		state:     state,
	}
}

// Publish sends one sample to the data topic
func (p *Publisher) Publish(s calibration.Sample) error {
	payload, err := EncodeSample(s)
	if err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("encode sample %d failed: %w", s.Seq, err)
	}
	return p.send(p.opts.DataTopic, payload)
}

// PublishHeartbeat sends one heartbeat to the heartbeat topic
func (p *Publisher) PublishHeartbeat(hb link.Heartbeat) error {
	payload, err := EncodeHeartbeat(hb)
	if err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("encode heartbeat failed: %w", err)
	}
	return p.send(p.opts.HeartbeatTopic, payload)
}

func (p *Publisher) send(topic string, payload []byte) error {
	if p.state() != link.Connected {
		p.dropped.Add(1)
		return ErrNotConnected
	}
	if err := p.transport.Publish(topic, payload); err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("publish to %s via %s failed: %w", topic, p.transport.Name(), err)
	}
	p.published.Add(1)
	return nil
}

// Run publishes samples from in until it is closed
func (p *Publisher) Run(in <-chan calibration.Sample) {
	for s := range in {
		if err := p.Publish(s); err != nil {
			logger.Debug("Sample %d not published: %v", s.Seq, err)
		}
	}
}

// RunHeartbeats publishes one heartbeat per tick until ctx is cancelled
func (p *Publisher) RunHeartbeats(ctx context.Context, ticks <-chan time.Time, source HeartbeatSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			hb := source.Heartbeat(now)
			if err := p.PublishHeartbeat(hb); err != nil {
				logger.Debug("Heartbeat not published: %v", err)
				continue
			}
			source.Delivered(hb)
		}
	}
}

// Published returns the number of messages handed to the transport
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Dropped returns the number of messages dropped
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}
