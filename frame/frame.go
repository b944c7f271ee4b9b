// Package frame turns the delimited serial byte stream into raw samples.
//
// A Reader splits the stream on the configured delimiter and resynchronises
// after oversized or truncated frames. A Parser decodes one frame into a
// RawSample with a fixed number of numeric fields. Every rejected frame is
// reported as an error matching ErrMalformedFrame; nothing is carried over
// into the next frame.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is matched by every per-frame rejection
var ErrMalformedFrame = errors.New("malformed frame")

// maxQuoted bounds how much of a bad frame is kept in the error
const maxQuoted = 64

// MalformedFrameError describes why a single frame was discarded
type MalformedFrameError struct {
	Seq    uint64
	Reason string
	Frame  string
}

func (e *MalformedFrameError) Error() string {
	if e.Frame == "" {
		return fmt.Sprintf("malformed frame #%d: %s", e.Seq, e.Reason)
	}
	return fmt.Sprintf("malformed frame #%d: %s (%q)", e.Seq, e.Reason, e.Frame)
}

func (e *MalformedFrameError) Unwrap() error {
	return ErrMalformedFrame
}

func malformed(seq uint64, frame []byte, format string, args ...interface{}) error {
	quoted := frame
	if len(quoted) > maxQuoted {
		quoted = quoted[:maxQuoted]
	}
	return &MalformedFrameError{
		Seq:    seq,
		Reason: fmt.Sprintf(format, args...),
		Frame:  string(quoted),
	}
}

// RawSample is one decoded frame: numeric fields in configured channel order
type RawSample struct {
	Seq      uint64
	Received time.Time
	Fields   []float64
}
