package publisher

import (
	"encoding/json"
	"time"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/link"
)

type channelPayload struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Valid bool    `json:"valid"`
}

// SamplePayload is the JSON body published on the data topic
type SamplePayload struct {
	Timestamp time.Time                 `json:"ts"`
	Seq       uint64                    `json:"seq"`
	Channels  map[string]channelPayload `json:"channels"`
}

// EncodeSample renders s as a data topic message
func EncodeSample(s calibration.Sample) ([]byte, error) {
	p := SamplePayload{
		Timestamp: s.Timestamp.UTC(),
		Seq:       s.Seq,
		Channels:  make(map[string]channelPayload, len(s.Readings)),
	}
	for _, r := range s.Readings {
		p.Channels[r.Channel] = channelPayload{Value: r.Value, Unit: r.Unit, Valid: r.Valid}
	}
	return json.Marshal(p)
}

// EncodeHeartbeat renders hb as a heartbeat topic message
func EncodeHeartbeat(hb link.Heartbeat) ([]byte, error) {
	return json.Marshal(hb)
}
