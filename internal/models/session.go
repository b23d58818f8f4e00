package models

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// ErrSessionClosed is returned when recording into a finished session
var ErrSessionClosed = errors.New("capture session is closed")

// AnomalyStats summarises frames that were recorded but looked wrong
type AnomalyStats struct {
	MalformedFrames int            `json:"malformed_frames"`
	ErrorFrames     int            `json:"error_frames"`
	MalformedByID   map[uint32]int `json:"malformed_by_id,omitempty"`
}

// CaptureSession holds the frames and per-id statistics of one passive
// sampling window. Only the sampler records into it; after Close it is
// read-only.
type CaptureSession struct {
	StartedAt  time.Time
	Duration   time.Duration
	EndedAt    time.Time
	Cancelled  bool
	MaxPayload int

	frames        []CANFrame
	counts        map[uint32]int
	total         int
	malformed     int
	malformedByID map[uint32]int
	errorFrames   int
	closed        bool
}

// NewCaptureSession creates an open session
func NewCaptureSession(start time.Time, duration time.Duration, maxPayload int) *CaptureSession {
	if maxPayload <= 0 {
		maxPayload = MaxClassicPayload
	}
	return &CaptureSession{
		StartedAt:     start,
		Duration:      duration,
		MaxPayload:    maxPayload,
		frames:        make([]CANFrame, 0, 256),
		counts:        make(map[uint32]int),
		malformedByID: make(map[uint32]int),
	}
}

// Record appends a frame. Malformed frames are kept and counted; error
// frames are kept but carry no arbitration id, so they do not feed the
// per-id frequency counts.
func (s *CaptureSession) Record(f CANFrame) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.frames = append(s.frames, f)

	if f.ErrorFrame {
		s.errorFrames++
		return nil
	}

	s.counts[f.ID]++
	s.total++
	if f.Malformed(s.MaxPayload) {
		s.malformed++
		s.malformedByID[f.ID]++
	}
	return nil
}

// Close freezes the session
func (s *CaptureSession) Close(end time.Time, cancelled bool) {
	if s.closed {
		return
	}
	s.EndedAt = end
	s.Cancelled = cancelled
	s.closed = true
}

// Closed reports whether the session is read-only
func (s *CaptureSession) Closed() bool {
	return s.closed
}

// Elapsed returns the actual capture length
func (s *CaptureSession) Elapsed() time.Duration {
	if !s.closed {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Frames returns a copy of the recorded frames in arrival order
func (s *CaptureSession) Frames() []CANFrame {
	return slices.Clone(s.frames)
}

// FrameCount counts every recorded frame, error frames included
func (s *CaptureSession) FrameCount() int {
	return len(s.frames)
}

// TotalFrames counts the frames that carry an arbitration id
func (s *CaptureSession) TotalFrames() int {
	return s.total
}

// Count returns how many frames were seen on id
func (s *CaptureSession) Count(id uint32) int {
	return s.counts[id]
}

// Counts returns a copy of the per-id frequency table
func (s *CaptureSession) Counts() map[uint32]int {
	return maps.Clone(s.counts)
}

// DistinctIDs returns the number of distinct arbitration ids observed
func (s *CaptureSession) DistinctIDs() int {
	return len(s.counts)
}

// IDs returns the observed ids in ascending order
func (s *CaptureSession) IDs() []uint32 {
	return slices.Sorted(maps.Keys(s.counts))
}

// Anomalies returns the malformed and error-frame accounting
func (s *CaptureSession) Anomalies() AnomalyStats {
	return AnomalyStats{
		MalformedFrames: s.malformed,
		ErrorFrames:     s.errorFrames,
		MalformedByID:   maps.Clone(s.malformedByID),
	}
}
