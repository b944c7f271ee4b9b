// Package storage persists calibrated samples. The CSV store is the durable
// record; SQL backends mirror it. All backends sit behind a Manager that
// retries failed appends with backoff and then gives up on the record.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/logger"
)

// ErrLogWrite is matched by every abandoned append
var ErrLogWrite = errors.New("log write failed")

// LogWriteError reports a sample that could not be stored after all retries
type LogWriteError struct {
	Backend  string
	Seq      uint64
	Attempts int
	Err      error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("log write failed: backend %s, seq %d, %d attempts: %v", e.Backend, e.Seq, e.Attempts, e.Err)
}

func (e *LogWriteError) Unwrap() []error {
	return []error{ErrLogWrite, e.Err}
}

// Backend is a sample sink
type Backend interface {
	// Append stores one sample
	Append(s calibration.Sample) error
	// Close releases the backend
	Close() error
	// Name identifies the backend in logs and errors
	Name() string
}

// RetryConfig bounds the retries of a single append
type RetryConfig struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryConfig returns 3 attempts starting at 50ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   3,
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
}

// Stats is a snapshot of the manager counters
type Stats struct {
	Written uint64
	Failed  uint64
}

// Manager fans a sample out to every backend. The first backend is the
// primary: Written counts samples it accepted. Failed counts every append
// abandoned by any backend.
type Manager struct {
	backends []Backend
	retry    RetryConfig
	mutex    sync.RWMutex

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewManager creates a storage manager
func NewManager(retry RetryConfig, backends ...Backend) *Manager {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Manager{
		backends: backends,
		retry:    retry,
	}
}

// AddBackend appends a mirror backend
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Append stores s in every backend. Failures are returned as joined
// *LogWriteError values; the remaining backends are still tried.
func (m *Manager) Append(ctx context.Context, s calibration.Sample) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for i, backend := range m.backends {
		if err := m.appendWithRetry(ctx, backend, s); err != nil {
			m.failed.Add(1)
			logger.Error("Drop sample %d for %s backend: %v", s.Seq, backend.Name(), err)
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			m.written.Add(1)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) appendWithRetry(ctx context.Context, backend Backend, s calibration.Sample) error {
	backoff := &link.Backoff{
		Initial:    m.retry.Initial,
		Max:        m.retry.Max,
		Multiplier: m.retry.Multiplier,
	}

	var lastErr error
	attempt := 0
	for attempt < m.retry.Attempts {
		attempt++
		lastErr = backend.Append(s)
		if lastErr == nil {
			return nil
		}
		if attempt == m.retry.Attempts {
			break
		}
		logger.Warn("Append to %s failed (attempt %d/%d): %v", backend.Name(), attempt, m.retry.Attempts, lastErr)

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return &LogWriteError{Backend: backend.Name(), Seq: s.Seq, Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
	}
	return &LogWriteError{Backend: backend.Name(), Seq: s.Seq, Attempts: attempt, Err: lastErr}
}

// Stats returns the current counters
func (m *Manager) Stats() Stats {
	return Stats{
		Written: m.written.Load(),
		Failed:  m.failed.Load(),
	}
}

// Close closes every backend
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("Close %s backend failed: %v", backend.Name(), err)
			errs = append(errs, fmt.Errorf("close %s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}
