// Package serialport opens the byte stream the bridge reads frames from:
// a real serial device, or a capture file replayed in its place.
package serialport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/logger"
)

// Config describes the serial line settings
type Config struct {
	Port     string
	Baud     int
	DataBits int
	Parity   string
	StopBits int
}

// Mode converts the config into line settings
func (c Config) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
	}
	if mode.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToLower(c.Parity) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unknown parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return mode, nil
}

// Opener returns an OpenFunc for the configured device
func Opener(cfg Config) (link.OpenFunc, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serial port is not configured")
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (io.ReadCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
		}
		logger.Info("Opened serial port %s at %d baud", cfg.Port, mode.BaudRate)
		return port, nil
	}, nil
}

// ReplayOpener returns an OpenFunc that reads a capture file. A positive
// delay paces the stream by sleeping before every read.
func ReplayOpener(path string, delay time.Duration) link.OpenFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open replay file: %w", err)
		}
		logger.Info("Replaying frames from %s", path)
		if delay <= 0 {
			return f, nil
		}
		return &pacedReader{f: f, delay: delay}, nil
	}
}

type pacedReader struct {
	f     *os.File
	delay time.Duration
}

func (p *pacedReader) Read(b []byte) (int, error) {
	time.Sleep(p.delay)
	return p.f.Read(b)
}

func (p *pacedReader) Close() error {
	return p.f.Close()
}

// Ports lists the serial devices present on this machine
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
