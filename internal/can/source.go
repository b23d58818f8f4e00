package can

import (
	"errors"
	"time"

	"can-autoconfig/internal/models"
)

// ErrSourceClosed is returned by a FrameSource that will never deliver
// another frame (socket closed, end of a replay log)
var ErrSourceClosed = errors.New("frame source closed")

// FrameSource delivers timestamped frames from a broadcast bus. Receive
// waits at most timeout and returns ok=false when nothing arrived in time.
// Any error other than ErrSourceClosed is an I/O fault.
type FrameSource interface {
	Receive(timeout time.Duration) (frame models.CANFrame, ok bool, err error)
}

// SliceSource replays a fixed list of frames, then reports ErrSourceClosed
type SliceSource struct {
	frames []models.CANFrame
	next   int
}

// NewSliceSource creates a source over frames
func NewSliceSource(frames ...models.CANFrame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Receive returns the next frame without waiting
func (s *SliceSource) Receive(time.Duration) (models.CANFrame, bool, error) {
	if s.next >= len(s.frames) {
		return models.CANFrame{}, false, ErrSourceClosed
	}
	f := s.frames[s.next]
	s.next++
	return f, true, nil
}
