package link

import "time"

// Counters is a snapshot of the pipeline counters. Every field is owned by
// exactly one writer in the pipeline.
type Counters struct {
	Processed      uint64 `json:"processed"`
	Malformed      uint64 `json:"malformed"`
	Published      uint64 `json:"published"`
	PublishDropped uint64 `json:"publish_dropped"`
	LogWritten     uint64 `json:"log_written"`
	LogFailed      uint64 `json:"log_failed"`
	QueueDropped   uint64 `json:"queue_dropped"`
}

// CounterSource supplies counter snapshots to the heartbeat
type CounterSource interface {
	Counters() Counters
}

// Heartbeat is the periodic liveness record. It is published, never stored.
type Heartbeat struct {
	Timestamp time.Time `json:"ts"`
	Session   string    `json:"session"`
	Host      string    `json:"host"`
	Serial    State     `json:"serial"`
	Broker    State     `json:"broker"`
	// Transitions since the last delivered heartbeat, oldest first
	Transitions []Transition `json:"transitions"`
	// ProcessedDelta counts samples processed since the last delivered heartbeat
	ProcessedDelta uint64 `json:"processed_since_last"`
	Counters
}
