package autoconfig

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"can-autoconfig/internal/can"
	"can-autoconfig/internal/decode"
	"can-autoconfig/internal/models"
	"can-autoconfig/internal/profile"
	"can-autoconfig/internal/sampler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id uint32, data ...byte) models.CANFrame {
	return models.CANFrame{ID: id, DLC: uint8(len(data)), Data: data}
}

func haltechTraffic() []models.CANFrame {
	var frames []models.CANFrame
	for range 20 {
		frames = append(frames,
			frame(0x360, 0x0B, 0xB8, 0x03, 0xE8, 0x00, 0x64, 0x00, 0x00),
			frame(0x361, 0x07, 0xD0, 0x0B, 0xB8, 0x00, 0x00, 0x00, 0x00),
		)
	}
	return frames
}

// blockingSource delivers its frames and then idles until closed
type blockingSource struct {
	frames    []models.CANFrame
	delivered atomic.Int32
}

func (s *blockingSource) Receive(timeout time.Duration) (models.CANFrame, bool, error) {
	n := int(s.delivered.Load())
	if n < len(s.frames) {
		s.delivered.Add(1)
		return s.frames[n], true, nil
	}
	time.Sleep(timeout)
	return models.CANFrame{}, false, nil
}

type brokenSource struct{}

func (brokenSource) Receive(time.Duration) (models.CANFrame, bool, error) {
	return models.CANFrame{}, false, errors.New("device unplugged")
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, e := range l.events {
		if len(out) == 0 || out[len(out)-1] != e.State {
			out = append(out, e.State)
		}
	}
	return out
}

func fastSampler() Option {
	return WithSamplerOptions(sampler.WithReceiveTimeout(5 * time.Millisecond))
}

func TestRunDetectsVendorAndMergesProfile(t *testing.T) {
	events := &eventLog{}
	e := New(can.NewSliceSource(haltechTraffic()...), nil, WithNotifier(events), fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, models.VendorHaltech, res.Verdict.Vendor)
	assert.Equal(t, 100.0, res.Verdict.Confidence)
	assert.Equal(t, 40, res.Verdict.TotalFrames)
	require.NotNil(t, res.Profile)
	assert.NotEmpty(t, res.Delta)
	assert.NotNil(t, res.DecodeTable)
	assert.Empty(t, res.DecodeError)

	assert.Equal(t, models.VendorHaltech, e.CurrentVendor())
	assert.Equal(t, 1_000_000, e.Config().Snapshot().Bitrate)

	signals, ok := e.Decode(frame(0x360, 0x0B, 0xB8, 0x03, 0xE8, 0x00, 0x64, 0x00, 0x00))
	require.True(t, ok)
	assert.Equal(t, 3000.0, signals["rpm"].Value)

	assert.Equal(t, []State{StateSampling, StateClassifying, StateConfiguringDecode, StateApplyingProfile, StateDone}, events.states())

	st := e.Status()
	assert.Equal(t, StateDone, st.State)
	assert.False(t, st.Running)
	assert.Equal(t, res, st.Last)
}

func TestRunOnSilentBusIsUnknown(t *testing.T) {
	e := New(can.NewSliceSource(), nil, fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.VendorUnknown, res.Verdict.Vendor)
	assert.Zero(t, res.Verdict.Confidence)
	assert.Nil(t, res.Profile)
	assert.Nil(t, res.DecodeTable)
	assert.Empty(t, res.Delta)
	assert.Equal(t, NewAppliedConfiguration().Snapshot(), e.Config().Snapshot())
}

func TestRunOnUnrelatedTrafficIsGeneric(t *testing.T) {
	var frames []models.CANFrame
	for id := uint32(0x10); id <= 0x1F; id++ {
		frames = append(frames, frame(id, 1, 2, 3, 4))
	}
	e := New(can.NewSliceSource(frames...), nil, fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.VendorGeneric, res.Verdict.Vendor)
	assert.Equal(t, 16, res.Verdict.DistinctIDs)
	assert.Nil(t, res.Profile)
	assert.Nil(t, e.DecodeTable())

	eff := e.Config().Effective(profile.SystemDefaults)
	assert.Equal(t, profile.SystemDefaults.Bitrate, eff.Bitrate)
}

func TestMissingDecodeTableKeepsVendor(t *testing.T) {
	tables := decode.NewRegistry(decode.DirLoader{Dir: t.TempDir()})
	e := New(can.NewSliceSource(haltechTraffic()...), nil, WithDecodeRegistry(tables), fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, models.VendorHaltech, res.Verdict.Vendor)
	assert.Nil(t, res.DecodeTable)
	assert.NotEmpty(t, res.DecodeError)
	assert.NotEmpty(t, res.Delta)

	_, ok := e.Decode(frame(0x360, 0, 0, 0, 0, 0, 0, 0, 0))
	assert.False(t, ok)
}

func TestRunWithoutSourceFails(t *testing.T) {
	var got *Result
	e := New(nil, nil, WithResultHook(func(r *Result) { got = r }))

	res, err := e.Run(context.Background())
	require.ErrorIs(t, err, sampler.ErrNoFrameSource)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateFailed, e.Status().State)
	assert.NotEmpty(t, e.Status().Reason)
	assert.Same(t, res, got)
}

func TestRunWithFaultySourceFails(t *testing.T) {
	e := New(brokenSource{}, nil, fastSampler())

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, sampler.ErrSourceFault)
	assert.Equal(t, StateFailed, e.Status().State)
	assert.Equal(t, NewAppliedConfiguration().Snapshot(), e.Config().Snapshot())
}

func TestRunWithoutProfileRegistryFails(t *testing.T) {
	e := New(can.NewSliceSource(haltechTraffic()...), nil, WithProfileRegistry(nil))

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrNoProfileRegistry)
	assert.Equal(t, StateFailed, e.Status().State)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	e := New(&blockingSource{}, nil, WithCaptureDuration(10*time.Second), fastSampler())

	done, err := e.Start(context.Background())
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	require.Eventually(t, func() bool {
		return e.Status().State == StateSampling
	}, time.Second, time.Millisecond)
	assert.True(t, e.Cancel())

	select {
	case out := <-done:
		require.NoError(t, out.Err)
		assert.Equal(t, models.VendorUnknown, out.Result.Verdict.Vendor)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
	assert.False(t, e.Status().Running)
}

func TestCancelDuringSamplingStillCompletes(t *testing.T) {
	var e *Engine
	src := &blockingSource{frames: []models.CANFrame{frame(0x360, 0x0B, 0xB8, 0, 0, 0, 0, 0, 0)}}
	e = New(src, nil,
		WithCaptureDuration(10*time.Second),
		WithSamplerOptions(
			sampler.WithReceiveTimeout(5*time.Millisecond),
			sampler.WithFrameHook(func(models.CANFrame) { e.Cancel() }),
		),
	)

	start := time.Now()
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.CaptureCutShort)
	assert.Equal(t, 1, res.Verdict.TotalFrames)
	assert.Equal(t, models.VendorHaltech, res.Verdict.Vendor)
	assert.Equal(t, OutcomeDone, res.Outcome)
}

func TestCancelAfterSamplingLeavesConfigurationUnchanged(t *testing.T) {
	var e *Engine
	notifier := NotifierFunc(func(ev Event) {
		if ev.State == StateClassifying {
			e.Cancel()
		}
	})
	e = New(can.NewSliceSource(haltechTraffic()...), nil, WithNotifier(notifier), fastSampler())

	res, err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Empty(t, res.Delta)
	assert.Equal(t, NewAppliedConfiguration().Snapshot(), e.Config().Snapshot())
	assert.Equal(t, models.VendorUnknown, e.CurrentVendor())
	assert.Nil(t, e.DecodeTable())
}

func TestCancelledContextAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(can.NewSliceSource(haltechTraffic()...), nil, fastSampler())
	_, err := e.Run(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, NewAppliedConfiguration().Snapshot(), e.Config().Snapshot())
}

func TestCancelWhenIdle(t *testing.T) {
	e := New(can.NewSliceSource(), nil)
	assert.False(t, e.Cancel())
}

func TestOverridesSurviveDetection(t *testing.T) {
	cfg := NewAppliedConfiguration()
	bitrate := 250_000
	_, err := cfg.Apply(Override{Bitrate: &bitrate})
	require.NoError(t, err)

	e := New(can.NewSliceSource(haltechTraffic()...), cfg, fastSampler())
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.VendorHaltech, res.Verdict.Vendor)
	assert.Equal(t, 250_000, cfg.Snapshot().Bitrate)
}

func TestRerunDoesNotRewriteConfiguration(t *testing.T) {
	cfg := NewAppliedConfiguration()

	_, err := New(can.NewSliceSource(haltechTraffic()...), cfg, fastSampler()).Run(context.Background())
	require.NoError(t, err)
	first := cfg.Snapshot()

	res, err := New(can.NewSliceSource(haltechTraffic()...), cfg, fastSampler()).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Delta)
	assert.Equal(t, first, cfg.Snapshot())
}

func TestProbeBitrateMismatchWarns(t *testing.T) {
	probe := func(context.Context) (models.SocketCANStats, error) {
		return models.SocketCANStats{Interface: "can0", Bitrate: 500_000}, nil
	}
	e := New(can.NewSliceSource(haltechTraffic()...), nil, WithProbe(probe), fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Bus)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "500000")
}

func TestMalformedFramesAreReported(t *testing.T) {
	frames := append(haltechTraffic(),
		models.CANFrame{ID: 0x360, DLC: 8, Data: []byte{1, 2}},
		models.CANFrame{ErrorFrame: true, DLC: 8, Data: make([]byte, 8)},
	)
	e := New(can.NewSliceSource(frames...), nil, fastSampler())

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Anomalies.MalformedFrames)
	assert.Equal(t, 1, res.Anomalies.ErrorFrames)
	assert.Equal(t, models.VendorHaltech, res.Verdict.Vendor)
	assert.NotEmpty(t, res.Warnings)
}

func TestResultRecord(t *testing.T) {
	var rec models.DetectionRecord
	e := New(can.NewSliceSource(haltechTraffic()...), nil,
		fastSampler(),
		WithResultHook(func(r *Result) { rec = r.Record("vcan0") }),
	)

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, res.RunID, rec.RunID)
	assert.Equal(t, "vcan0", rec.Interface)
	assert.Equal(t, "haltech", rec.Vendor)
	assert.Equal(t, uint64(40), rec.TotalFrames)
	assert.Equal(t, uint32(2), rec.DistinctIDs)
	assert.True(t, rec.DecodeTable)
	assert.Equal(t, OutcomeDone, rec.Outcome)
}

func TestStateText(t *testing.T) {
	b, err := StateConfiguringDecode.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "configuring_decode", string(b))
	assert.Equal(t, "state(42)", State(42).String())
}
