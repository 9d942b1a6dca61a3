package model

import "time"

const AlertKindLeak = "leak"

// Reading is one normalized telemetry sample.
type Reading struct {
	TimestampMillis int64   `json:"ts"`
	TotalLiters     float64 `json:"totalLiters"`
	FlowLmin        float64 `json:"flowLmin"`
	Serial          string  `json:"numero_serie,omitempty"`
}

func (r Reading) Time() time.Time {
	return time.UnixMilli(r.TimestampMillis).UTC()
}

func (r Reading) Entry() HistoryEntry {
	return HistoryEntry{
		TimestampMillis: r.TimestampMillis,
		TotalLiters:     r.TotalLiters,
		FlowLmin:        r.FlowLmin,
	}
}

type HistoryEntry struct {
	TimestampMillis int64   `json:"ts"`
	TotalLiters     float64 `json:"totalLiters"`
	FlowLmin        float64 `json:"flowLmin"`
}

type Device struct {
	ID         int64  `json:"id" yaml:"-"`
	Serial     string `json:"serial" yaml:"serial"`
	Model      string `json:"model" yaml:"model"`
	CustomerID *int64 `json:"customer_id,omitempty" yaml:"customer_id"`
	Status     string `json:"status" yaml:"status"`
}

type Alert struct {
	ID              int64      `json:"id"`
	DeviceID        *int64     `json:"device_id"`
	Serial          string     `json:"serial"`
	Kind            string     `json:"kind"`
	Message         string     `json:"message"`
	Threshold       float64    `json:"threshold"`
	FlowLmin        float64    `json:"flow_lmin"`
	PeakFlow        float64    `json:"peak_flow"`
	TotalLiters     float64    `json:"total_liters"`
	DurationSeconds float64    `json:"duration_seconds"`
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at"`
}

// StoredReading is a persisted reading row.
type StoredReading struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`
	Reading
}

// Command is relayed verbatim to devices on the command topic.
type Command struct {
	Action string `json:"action"`
	Value  any    `json:"value,omitempty"`
}

// Message is a raw transport delivery waiting for the pipeline.
type Message struct {
	Topic    string
	Payload  []byte
	Source   string
	Received time.Time
}
