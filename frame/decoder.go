package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decoder extracts the ordered numeric fields of one frame
type Decoder interface {
	Decode(frame []byte) ([]float64, error)
}

// CSVDecoder splits a frame on Separator and parses each field as a float
type CSVDecoder struct {
	Separator string
}

// Decode implements Decoder
func (d CSVDecoder) Decode(frame []byte) ([]float64, error) {
	sep := d.Separator
	if sep == "" {
		sep = ","
	}

	parts := strings.Split(string(frame), sep)
	fields := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d %q is not numeric", i, strings.TrimSpace(p))
		}
		fields = append(fields, v)
	}
	return fields, nil
}

// JSONDecoder reads one JSON object per frame and picks Keys in order.
// Values may be JSON numbers or numeric strings.
type JSONDecoder struct {
	Keys []string
}

// Decode implements Decoder
func (d JSONDecoder) Decode(frame []byte) ([]float64, error) {
	if !bytes.HasPrefix(frame, []byte("{")) || !bytes.HasSuffix(frame, []byte("}")) {
		return nil, fmt.Errorf("frame is not a JSON object")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	fields := make([]float64, 0, len(d.Keys))
	for _, key := range d.Keys {
		raw, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("missing field %q", key)
		}
		v, err := jsonNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %v", key, err)
		}
		fields = append(fields, v)
	}
	return fields, nil
}

func jsonNumber(raw json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Float64()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not numeric: %s", string(raw))
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %q", s)
	}
	return v, nil
}
