package frame

import (
	"math"
	"time"
)

// Parser decodes frames into RawSamples carrying exactly Expected fields
type Parser struct {
	decoder  Decoder
	expected int
}

// NewParser creates a parser for frames with expected fields
func NewParser(decoder Decoder, expected int) *Parser {
	return &Parser{decoder: decoder, expected: expected}
}

// Parse decodes one frame. It has no side effects.
func (p *Parser) Parse(frame []byte, seq uint64, received time.Time) (RawSample, error) {
	if len(frame) == 0 {
		return RawSample{}, malformed(seq, frame, "empty frame")
	}

	fields, err := p.decoder.Decode(frame)
	if err != nil {
		return RawSample{}, malformed(seq, frame, "%v", err)
	}
	if len(fields) != p.expected {
		return RawSample{}, malformed(seq, frame, "expected %d fields, got %d", p.expected, len(fields))
	}
	for i, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return RawSample{}, malformed(seq, frame, "field %d is not finite", i)
		}
	}

	return RawSample{
		Seq:      seq,
		Received: received,
		Fields:   fields,
	}, nil
}
