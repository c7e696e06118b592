package models

import "time"

// Reading is one timestamped sensor observation.
//
// Sequence is assigned by the durable queue at enqueue time and is unique
// per device; together with DeviceID it forms the remote dedup key.
type Reading struct {
	Sequence  int64   `json:"sequence,omitempty"`
	DeviceID  string  `json:"device_id,omitempty"`
	SensorID  string  `json:"sensor_id"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
}

// CapturedAt returns the reading timestamp as time.Time.
func (r Reading) CapturedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}
