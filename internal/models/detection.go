package models

import "time"

// DetectionRecord is the persisted summary of one auto-configuration run
type DetectionRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	RunID           string    `json:"run_id"`
	Interface       string    `json:"interface"`
	Vendor          string    `json:"vendor"`
	Score           float64   `json:"score"`
	Confidence      float64   `json:"confidence"`
	DistinctIDs     uint32    `json:"distinct_ids"`
	TotalFrames     uint64    `json:"total_frames"`
	MalformedFrames uint64    `json:"malformed_frames"`
	ErrorFrames     uint64    `json:"error_frames"`
	DecodeTable     bool      `json:"decode_table"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	CaptureMS       uint32    `json:"capture_ms"`
	Bitrate         uint32    `json:"bitrate,omitempty"`
	BusState        string    `json:"bus_state,omitempty"`
}
