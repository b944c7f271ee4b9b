package link

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensorbridge/logger"
)

// Names of the supervised links
const (
	SerialLink = "serial"
	BrokerLink = "broker"
)

// OpenFunc opens the serial device
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// SessionFunc consumes an open serial port until it fails. Returning
// ErrEscalated closes the port without recording an extra I/O error;
// returning nil ends supervision as if ctx had been cancelled.
type SessionFunc func(ctx context.Context, port io.ReadCloser) error

// Conn is a broker connection that can report its own loss
type Conn interface {
	Connect(ctx context.Context) error
	// Lost delivers one value each time an established connection drops
	Lost() <-chan error
}

// Options configures a Supervisor
type Options struct {
	Session            string
	Host               string
	MalformedThreshold int
	Backoff            Backoff
	Counters           CounterSource
}

// Supervisor owns the serial and broker links
type Supervisor struct {
	opts   Options
	serial *Link
	broker *Link

	mu            sync.Mutex
	lastProcessed uint64
	last          atomic.Pointer[Heartbeat]

	// sleep waits d or until ctx is done; replaced in tests
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor creates a supervisor with both links Disconnected
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		opts:   opts,
		serial: New(SerialLink, opts.MalformedThreshold),
		broker: New(BrokerLink, 0),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Serial returns the serial link
func (s *Supervisor) Serial() *Link {
	return s.serial
}

// Broker returns the broker link
func (s *Supervisor) Broker() *Link {
	return s.broker
}

// OpenSerial performs the initial open of the serial device. A failure is
// returned to the caller instead of being retried.
func (s *Supervisor) OpenSerial(ctx context.Context, open OpenFunc) (io.ReadCloser, error) {
	s.serial.Handle(EventDial)
	port, err := open(ctx)
	if err != nil {
		s.serial.Handle(EventDialFailed)
		return nil, &ConnectionError{Link: SerialLink, Op: "open", Err: err}
	}
	s.serial.Handle(EventDialOK)
	return port, nil
}

// FrameMalformed records a rejected frame. It returns ErrEscalated when the
// link gave up on the current port.
func (s *Supervisor) FrameMalformed() error {
	t := s.serial.Handle(EventMalformed)
	if t.Changed() && t.To == Disconnected {
		return ErrEscalated
	}
	return nil
}

// FrameGood records an accepted frame
func (s *Supervisor) FrameGood() {
	s.serial.Handle(EventGoodFrame)
}

// RunSerial runs session on port, and after every failure reopens the
// device with backoff until ctx is cancelled. port must come from OpenSerial.
func (s *Supervisor) RunSerial(ctx context.Context, port io.ReadCloser, open OpenFunc, session SessionFunc) error {
	backoff := s.opts.Backoff

	for {
		err := session(ctx, port)
		port.Close()

		if err == nil || ctx.Err() != nil {
			s.serial.Handle(EventShutdown)
			return nil
		}
		if errors.Is(err, ErrEscalated) {
			logger.Warn("Serial link degraded past threshold, reopening port")
		} else {
			logger.Error("Serial read failed: %v", err)
			s.serial.Handle(EventIOError)
		}

		port = s.redialSerial(ctx, &backoff, open)
		if port == nil {
			s.serial.Handle(EventShutdown)
			return nil
		}
	}
}

func (s *Supervisor) redialSerial(ctx context.Context, backoff *Backoff, open OpenFunc) io.ReadCloser {
	for {
		delay := backoff.Next()
		logger.Info("Reopening serial port in %v", delay)
		if !s.sleep(ctx, delay) {
			return nil
		}

		s.serial.Handle(EventDial)
		port, err := open(ctx)
		if err == nil {
			s.serial.Handle(EventDialOK)
			backoff.Reset()
			return port
		}
		s.serial.Handle(EventDialFailed)
		logger.Warn("Reopen serial port failed: %v", err)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// RunBroker keeps conn connected until ctx is cancelled
func (s *Supervisor) RunBroker(ctx context.Context, conn Conn) error {
	backoff := s.opts.Backoff

	for {
		s.broker.Handle(EventDial)
		if err := conn.Connect(ctx); err != nil {
			s.broker.Handle(EventDialFailed)
			if ctx.Err() != nil {
				s.broker.Handle(EventShutdown)
				return nil
			}
			delay := backoff.Next()
			logger.Warn("Broker connect failed: %v, retry in %v", err, delay)
			if !s.sleep(ctx, delay) {
				s.broker.Handle(EventShutdown)
				return nil
			}
			continue
		}
		s.broker.Handle(EventDialOK)
		backoff.Reset()

		select {
		case <-ctx.Done():
			s.broker.Handle(EventShutdown)
			return nil
		case err := <-conn.Lost():
			s.broker.Handle(EventIOError)
			delay := backoff.Next()
			logger.Warn("Broker connection lost: %v, reconnect in %v", err, delay)
			if !s.sleep(ctx, delay) {
				s.broker.Handle(EventShutdown)
				return nil
			}
		}
	}
}

// Heartbeat assembles the record for now. Transitions and the processed
// delta stay pending until Delivered confirms the record went out.
func (s *Supervisor) Heartbeat(now time.Time) Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb := Heartbeat{
		Timestamp: now.UTC(),
		Session:   s.opts.Session,
		Host:      s.opts.Host,
		Serial:    s.serial.State(),
		Broker:    s.broker.State(),
	}

	hb.Transitions = append(s.serial.Pending(), s.broker.Pending()...)
	sort.SliceStable(hb.Transitions, func(i, j int) bool {
		return hb.Transitions[i].At.Before(hb.Transitions[j].At)
	})
	if hb.Transitions == nil {
		hb.Transitions = []Transition{}
	}

	if s.opts.Counters != nil {
		hb.Counters = s.opts.Counters.Counters()
	}
	hb.ProcessedDelta = hb.Processed - s.lastProcessed

	snapshot := hb
	s.last.Store(&snapshot)
	return hb
}

// Delivered acknowledges a published heartbeat, so the next one only
// reports what happened after it
func (s *Supervisor) Delivered(hb Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range hb.Transitions {
		switch t.Link {
		case SerialLink:
			s.serial.Ack(t)
		case BrokerLink:
			s.broker.Ack(t)
		}
	}
	if hb.Processed > s.lastProcessed {
		s.lastProcessed = hb.Processed
	}
}

// Last returns the most recent heartbeat, or nil before the first one
func (s *Supervisor) Last() *Heartbeat {
	return s.last.Load()
}
