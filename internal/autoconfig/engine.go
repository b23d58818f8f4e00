// Package autoconfig orchestrates passive vendor detection: it samples the
// bus, classifies the capture, loads the matching decode table and merges
// the vendor's operating profile into the live configuration.
package autoconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"can-autoconfig/internal/can"
	"can-autoconfig/internal/classifier"
	"can-autoconfig/internal/decode"
	"can-autoconfig/internal/models"
	"can-autoconfig/internal/profile"
	"can-autoconfig/internal/sampler"

	"github.com/google/uuid"
)

// DefaultCaptureDuration is how long a run listens to the bus
const DefaultCaptureDuration = 3 * time.Second

var (
	// ErrBusy is returned when a run is already in progress
	ErrBusy = errors.New("auto-configuration already running")

	// ErrCancelled is returned when a run was aborted after sampling
	ErrCancelled = errors.New("auto-configuration cancelled")

	// ErrNoProfileRegistry is returned when the engine has no profile catalogue
	ErrNoProfileRegistry = errors.New("no profile registry")
)

// State is a step of the auto-configuration pipeline
type State int

const (
	StateIdle State = iota
	StateSampling
	StateClassifying
	StateConfiguringDecode
	StateApplyingProfile
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateSampling:          "sampling",
	StateClassifying:       "classifying",
	StateConfiguringDecode: "configuring_decode",
	StateApplyingProfile:   "applying_profile",
	StateDone:              "done",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome values recorded on results
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Result describes one finished run
type Result struct {
	RunID           string                       `json:"run_id"`
	Outcome         string                       `json:"outcome"`
	Reason          string                       `json:"reason,omitempty"`
	Verdict         models.ClassificationVerdict `json:"verdict"`
	Anomalies       models.AnomalyStats          `json:"anomalies"`
	Profile         *profile.OperatingProfile    `json:"profile,omitempty"`
	Delta           Delta                        `json:"delta"`
	DecodeTable     *decode.Table                `json:"-"`
	DecodeError     string                       `json:"decode_error,omitempty"`
	Warnings        []string                     `json:"warnings,omitempty"`
	Bus             *models.SocketCANStats       `json:"bus,omitempty"`
	CaptureCutShort bool                         `json:"capture_cut_short"`
	StartedAt       time.Time                    `json:"started_at"`
	FinishedAt      time.Time                    `json:"finished_at"`
}

// Record converts the result to its persisted form
func (r *Result) Record(iface string) models.DetectionRecord {
	rec := models.DetectionRecord{
		Timestamp:       r.FinishedAt,
		RunID:           r.RunID,
		Interface:       iface,
		Vendor:          r.Verdict.Vendor.String(),
		Score:           r.Verdict.Score,
		Confidence:      r.Verdict.Confidence,
		DistinctIDs:     uint32(r.Verdict.DistinctIDs),
		TotalFrames:     uint64(r.Verdict.TotalFrames),
		MalformedFrames: uint64(r.Anomalies.MalformedFrames),
		ErrorFrames:     uint64(r.Anomalies.ErrorFrames),
		DecodeTable:     r.DecodeTable != nil,
		Outcome:         r.Outcome,
		Reason:          r.Reason,
		CaptureMS:       uint32(r.FinishedAt.Sub(r.StartedAt).Milliseconds()),
	}
	if r.Bus != nil {
		rec.Bitrate = uint32(r.Bus.Bitrate)
		rec.BusState = r.Bus.BusState
	}
	return rec
}

// Probe reads the live bus parameters of the interface being configured
type Probe func(ctx context.Context) (models.SocketCANStats, error)

// Status is a point-in-time view of the engine
type Status struct {
	State   State         `json:"state"`
	Reason  string        `json:"reason,omitempty"`
	RunID   string        `json:"run_id,omitempty"`
	Running bool          `json:"running"`
	Vendor  models.Vendor `json:"vendor"`
	Last    *Result       `json:"last,omitempty"`
}

// Engine runs the detection pipeline. Only one run may be active at a
// time; the detected vendor and decode table are owned by the engine and
// exposed through accessors.
type Engine struct {
	source      can.FrameSource
	config      *AppliedConfiguration
	catalogue   classifier.Catalogue
	classify    classifier.Options
	tables      *decode.Registry
	profiles    *profile.Registry
	notifier    Notifier
	probe       Probe
	onResult    func(*Result)
	duration    time.Duration
	samplerOpts []sampler.Option

	running atomic.Bool

	mu          sync.Mutex
	state       State
	reason      string
	runID       string
	stopCapture context.CancelFunc
	abortRun    context.CancelFunc
	vendor      models.Vendor
	table       *decode.Table
	last        *Result
}

// Option configures an Engine
type Option func(*Engine)

// WithCatalogue replaces the signature catalogue
func WithCatalogue(c classifier.Catalogue) Option {
	return func(e *Engine) { e.catalogue = c }
}

// WithClassifierOptions overrides the scoring thresholds
func WithClassifierOptions(o classifier.Options) Option {
	return func(e *Engine) { e.classify = o }
}

// WithDecodeRegistry sets where decode tables are loaded from
func WithDecodeRegistry(r *decode.Registry) Option {
	return func(e *Engine) { e.tables = r }
}

// WithProfileRegistry sets the profile catalogue
func WithProfileRegistry(r *profile.Registry) Option {
	return func(e *Engine) { e.profiles = r }
}

// WithNotifier sets the event sink
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithProbe enables the bitrate check against the selected profile
func WithProbe(p Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithResultHook registers a callback invoked with every finished run,
// successful or not
func WithResultHook(fn func(*Result)) Option {
	return func(e *Engine) { e.onResult = fn }
}

// WithCaptureDuration sets how long each run samples the bus
func WithCaptureDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.duration = d
		}
	}
}

// WithSamplerOptions passes options through to the sampler
func WithSamplerOptions(opts ...sampler.Option) Option {
	return func(e *Engine) { e.samplerOpts = append(e.samplerOpts, opts...) }
}

// New creates an engine reading from source and writing into config
func New(source can.FrameSource, config *AppliedConfiguration, opts ...Option) *Engine {
	if config == nil {
		config = NewAppliedConfiguration()
	}
	e := &Engine{
		source:    source,
		config:    config,
		catalogue: classifier.DefaultCatalogue,
		classify:  classifier.DefaultOptions(),
		tables:    decode.NewRegistry(nil),
		profiles:  profile.DefaultRegistry(),
		notifier:  LogNotifier{},
		duration:  DefaultCaptureDuration,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tables == nil {
		e.tables = decode.NewRegistry(nil)
	}
	return e
}

// Config returns the live configuration
func (e *Engine) Config() *AppliedConfiguration {
	return e.config
}

// CurrentVendor returns the vendor of the last completed run
func (e *Engine) CurrentVendor() models.Vendor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vendor
}

// DecodeTable returns the table selected by the last completed run, or
// nil when decoding is unavailable
func (e *Engine) DecodeTable() *decode.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table
}

// Decode decodes a frame with the table of the last completed run
func (e *Engine) Decode(frame models.CANFrame) (decode.Signals, bool) {
	return e.DecodeTable().Decode(frame)
}

// Status returns the current state and last result
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:   e.state,
		Reason:  e.reason,
		RunID:   e.runID,
		Running: e.running.Load(),
		Vendor:  e.vendor,
		Last:    e.last,
	}
}

// Cancel asks the active run to stop. During sampling the capture ends
// early and the run carries on with what was collected; in any later step
// the run is aborted without touching the configuration. It reports
// whether there was anything to cancel.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateSampling:
		if e.stopCapture != nil {
			e.stopCapture()
			return true
		}
	case StateClassifying, StateConfiguringDecode, StateApplyingProfile:
		if e.abortRun != nil {
			e.abortRun()
			return true
		}
	}
	return false
}

// Run executes one pipeline on the calling goroutine. Classification
// ambiguity and decode-table faults are part of a successful result; only
// I/O faults, a missing profile registry and cancellation return errors.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.running.Store(false)
	return e.run(ctx)
}

// Start executes one pipeline on a dedicated goroutine. The returned
// channel receives exactly one Outcome.
func (e *Engine) Start(ctx context.Context) (<-chan Outcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	out := make(chan Outcome, 1)
	go func() {
		defer e.running.Store(false)
		res, err := e.run(ctx)
		out <- Outcome{Result: res, Err: err}
	}()
	return out, nil
}

// Outcome is what Start delivers
type Outcome struct {
	Result *Result
	Err    error
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	captureCtx, stopCapture := context.WithCancel(runCtx)
	defer stopCapture()

	result := &Result{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	e.mu.Lock()
	e.runID = result.RunID
	e.abortRun = abort
	e.stopCapture = stopCapture
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.abortRun = nil
		e.stopCapture = nil
		e.mu.Unlock()
	}()

	if e.source == nil {
		return e.fail(result, OutcomeFailed, sampler.ErrNoFrameSource)
	}
	if e.profiles == nil {
		return e.fail(result, OutcomeFailed, ErrNoProfileRegistry)
	}

	// Sampling
	e.transition(result.RunID, StateSampling, slog.LevelInfo, "listening to the bus for %s", e.duration)
	session, err := sampler.New(e.source, e.samplerOpts...).Capture(captureCtx, e.duration)
	if err != nil {
		return e.fail(result, OutcomeFailed, fmt.Errorf("sampling: %w", err))
	}
	result.CaptureCutShort = session.Cancelled
	captureFrames.Observe(float64(session.TotalFrames()))
	if runCtx.Err() != nil {
		return e.fail(result, OutcomeCancelled, ErrCancelled)
	}

	// Classifying
	e.transition(result.RunID, StateClassifying, slog.LevelInfo, "classifying %d frames on %d ids", session.TotalFrames(), session.DistinctIDs())
	verdict := classifier.Classify(session, e.catalogue, e.classify)
	result.Verdict = verdict
	result.Anomalies = session.Anomalies()
	if result.Anomalies.MalformedFrames > 0 || result.Anomalies.ErrorFrames > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d malformed frames, %d error frames",
			result.Anomalies.MalformedFrames, result.Anomalies.ErrorFrames))
	}
	switch verdict.Vendor {
	case models.VendorUnknown:
		e.notify(result.RunID, StateClassifying, slog.LevelWarn, "no frames observed; vendor unknown")
	case models.VendorGeneric:
		e.notify(result.RunID, StateClassifying, slog.LevelWarn, "traffic matched no known controller; using generic configuration")
	default:
		e.notify(result.RunID, StateClassifying, slog.LevelInfo, "detected %s (confidence %.0f%%)", verdict.Vendor, verdict.Confidence)
	}
	if err := runCtx.Err(); err != nil {
		return e.fail(result, OutcomeCancelled, ErrCancelled)
	}

	// Configuring decode
	e.transition(result.RunID, StateConfiguringDecode, slog.LevelInfo, "loading decode table for %s", verdict.Vendor)
	var table *decode.Table
	if verdict.Identified() {
		sig, _ := e.catalogue.Lookup(verdict.Vendor)
		table, err = e.tables.Load(verdict.Vendor, sig.DecodeTable)
		if err != nil {
			result.DecodeError = err.Error()
			e.notify(result.RunID, StateConfiguringDecode, slog.LevelWarn, "decoding disabled: %v", err)
		}
	}
	result.DecodeTable = table
	if err := runCtx.Err(); err != nil {
		return e.fail(result, OutcomeCancelled, ErrCancelled)
	}

	// Applying profile
	e.transition(result.RunID, StateApplyingProfile, slog.LevelInfo, "selecting operating profile")
	prof, ok := e.profiles.ProfileFor(verdict.Vendor)
	if !ok {
		e.notify(result.RunID, StateApplyingProfile, slog.LevelInfo, "no profile for %s; system defaults stay in effect", verdict.Vendor)
	} else {
		result.Profile = &prof
		e.checkBus(runCtx, result, prof)
	}
	if err := runCtx.Err(); err != nil {
		return e.fail(result, OutcomeCancelled, ErrCancelled)
	}
	if ok {
		result.Delta = e.config.Merge(prof)
	}

	result.Outcome = OutcomeDone
	result.FinishedAt = time.Now()

	e.mu.Lock()
	e.vendor = verdict.Vendor
	e.table = table
	e.last = result
	e.mu.Unlock()

	runsTotal.WithLabelValues(OutcomeDone).Inc()
	verdictConfidence.WithLabelValues(verdict.Vendor.String()).Set(verdict.Confidence)
	runDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())

	e.transition(result.RunID, StateDone, slog.LevelInfo, "configured for %s, %d fields written", verdict.Vendor, len(result.Delta))
	e.deliver(result)
	return result, nil
}

// checkBus compares the interface's live bitrate with the profile
func (e *Engine) checkBus(ctx context.Context, result *Result, prof profile.OperatingProfile) {
	if e.probe == nil {
		return
	}
	stats, err := e.probe(ctx)
	if err != nil {
		e.notify(result.RunID, StateApplyingProfile, slog.LevelWarn, "bus probe failed: %v", err)
		return
	}
	result.Bus = &stats
	if stats.Bitrate != 0 && stats.Bitrate != prof.Bitrate {
		msg := fmt.Sprintf("interface runs at %d bps but %s expects %d bps", stats.Bitrate, prof.Vendor, prof.Bitrate)
		result.Warnings = append(result.Warnings, msg)
		e.notify(result.RunID, StateApplyingProfile, slog.LevelWarn, "%s", msg)
	}
}

func (e *Engine) fail(result *Result, outcome string, err error) (*Result, error) {
	result.Outcome = outcome
	result.Reason = err.Error()
	result.FinishedAt = time.Now()

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()

	runsTotal.WithLabelValues(outcome).Inc()
	e.transition(result.RunID, StateFailed, slog.LevelError, "%s", err.Error())
	e.deliver(result)
	return result, err
}

func (e *Engine) deliver(result *Result) {
	if e.onResult != nil {
		e.onResult(result)
	}
}

func (e *Engine) transition(runID string, s State, level slog.Level, format string, args ...any) {
	e.mu.Lock()
	e.state = s
	e.reason = ""
	if s == StateFailed {
		e.reason = fmt.Sprintf(format, args...)
	}
	e.mu.Unlock()

	e.notify(runID, s, level, format, args...)
}

func (e *Engine) notify(runID string, s State, level slog.Level, format string, args ...any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(Event{
		RunID:   runID,
		State:   s,
		Message: fmt.Sprintf(format, args...),
		Level:   level,
		Time:    time.Now(),
	})
}
