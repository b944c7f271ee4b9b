package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const minFrameBuffer = 16

// Reader yields delimiter-terminated frames from a byte stream
type Reader struct {
	r          *bufio.Reader
	delim      byte
	maxFrame   int
	discarding bool
}

// NewReader wraps r. Frames longer than maxFrame bytes are dropped up to the
// next delimiter.
func NewReader(r io.Reader, delim byte, maxFrame int) *Reader {
	if maxFrame < minFrameBuffer {
		maxFrame = minFrameBuffer
	}
	return &Reader{
		r:        bufio.NewReaderSize(r, maxFrame),
		delim:    delim,
		maxFrame: maxFrame,
	}
}

// Next returns the next non-blank frame without its delimiter. Oversized
// frames and a trailing fragment at EOF come back as ErrMalformedFrame; any
// other read error is returned as is and ends the stream.
func (fr *Reader) Next() ([]byte, error) {
	for {
		line, err := fr.r.ReadSlice(fr.delim)
		switch {
		case err == nil:
			if fr.discarding {
				fr.discarding = false
				return nil, malformed(0, nil, "frame exceeds %d bytes", fr.maxFrame)
			}
			frame := bytes.TrimSpace(line[:len(line)-1])
			if len(frame) == 0 {
				continue
			}
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil

		case errors.Is(err, bufio.ErrBufferFull):
			fr.discarding = true

		case errors.Is(err, io.EOF):
			partial := len(bytes.TrimSpace(line)) > 0 || fr.discarding
			fr.discarding = false
			if partial {
				return nil, malformed(0, bytes.TrimSpace(line), "missing delimiter")
			}
			return nil, io.EOF

		default:
			fr.discarding = false
			return nil, err
		}
	}
}
