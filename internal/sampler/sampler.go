// Package sampler runs bounded passive capture sessions against a frame
// source and accumulates per-id statistics.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"can-autoconfig/internal/can"
	"can-autoconfig/internal/models"
)

// DefaultReceiveTimeout bounds a single Receive call so cancellation and
// the capture deadline are noticed promptly
const DefaultReceiveTimeout = 100 * time.Millisecond

var (
	// ErrNoFrameSource is returned when the sampler has nothing to read from
	ErrNoFrameSource = errors.New("no frame source available")

	// ErrSourceFault wraps I/O errors reported by the frame source
	ErrSourceFault = errors.New("frame source fault")
)

// Sampler captures frames from a FrameSource. It holds no state between
// sessions.
type Sampler struct {
	source         can.FrameSource
	maxPayload     int
	receiveTimeout time.Duration
	onFrame        func(models.CANFrame)
	now            func() time.Time
}

// Option configures a Sampler
type Option func(*Sampler)

// WithMaxPayload sets the bus's maximum payload, used to flag malformed frames
func WithMaxPayload(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// WithReceiveTimeout sets the per-call receive timeout
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.receiveTimeout = d
		}
	}
}

// WithFrameHook registers a callback invoked on the sampling goroutine for
// every recorded frame
func WithFrameHook(fn func(models.CANFrame)) Option {
	return func(s *Sampler) {
		s.onFrame = fn
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

// New creates a sampler over source
func New(source can.FrameSource, opts ...Option) *Sampler {
	s := &Sampler{
		source:         source,
		maxPayload:     models.MaxClassicPayload,
		receiveTimeout: DefaultReceiveTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture reads frames until duration elapses, ctx is cancelled, or the
// source closes. Cancellation and source exhaustion are not errors: the
// session holds whatever was captured. Only source I/O faults are
// returned, together with the partial session.
func (s *Sampler) Capture(ctx context.Context, duration time.Duration) (*models.CaptureSession, error) {
	if s.source == nil {
		return nil, ErrNoFrameSource
	}

	start := s.now()
	session := models.NewCaptureSession(start, duration, s.maxPayload)
	deadline := start.Add(duration)

	slog.Debug("sampler: capture started", "duration", duration)

	for {
		if ctx.Err() != nil {
			session.Close(s.now(), true)
			break
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			session.Close(s.now(), false)
			break
		}

		frame, ok, err := s.source.Receive(min(s.receiveTimeout, remaining))
		if err != nil {
			if errors.Is(err, can.ErrSourceClosed) {
				session.Close(s.now(), false)
				break
			}
			session.Close(s.now(), false)
			return session, fmt.Errorf("%w: %w", ErrSourceFault, err)
		}
		if !ok {
			continue
		}

		if frame.Timestamp.IsZero() {
			frame.Timestamp = s.now()
		}
		// Record only fails on a closed session, which cannot happen here
		_ = session.Record(frame)

		if s.onFrame != nil {
			s.onFrame(frame)
		}
	}

	anomalies := session.Anomalies()
	slog.Info("sampler: capture finished",
		"frames", session.FrameCount(),
		"distinct_ids", session.DistinctIDs(),
		"malformed", anomalies.MalformedFrames,
		"error_frames", anomalies.ErrorFrames,
		"elapsed", session.Elapsed(),
		"cancelled", session.Cancelled,
	)

	return session, nil
}
