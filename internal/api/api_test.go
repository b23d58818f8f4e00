package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/can"
	"can-autoconfig/internal/database/clickhouse"
	"can-autoconfig/internal/database/influxdb"
	"can-autoconfig/internal/models"
	"can-autoconfig/internal/profile"
	"can-autoconfig/internal/sampler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func haltechFrames() []models.CANFrame {
	var frames []models.CANFrame
	for range 10 {
		frames = append(frames,
			models.CANFrame{ID: 0x360, DLC: 8, Data: []byte{0x0B, 0xB8, 0x03, 0xE8, 0x00, 0x64, 0, 0}},
			models.CANFrame{ID: 0x361, DLC: 8, Data: make([]byte, 8)},
		)
	}
	return frames
}

// idleSource never delivers a frame
type idleSource struct{}

func (idleSource) Receive(timeout time.Duration) (models.CANFrame, bool, error) {
	time.Sleep(timeout)
	return models.CANFrame{}, false, nil
}

type fakeHistory struct {
	params models.QueryParams
	err    error
}

func (f *fakeHistory) Detections(_ context.Context, p models.QueryParams) ([]models.DetectionRecord, error) {
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return []models.DetectionRecord{{RunID: "r1", Vendor: "haltech", Confidence: 100}}, nil
}

func (f *fakeHistory) VendorSummary(_ context.Context, p models.QueryParams, interval string) ([]clickhouse.VendorSummary, error) {
	f.params = p
	return []clickhouse.VendorSummary{{Vendor: "haltech", Runs: 3}}, nil
}

type fakeTrend struct{}

func (fakeTrend) ConfidenceTrend(context.Context, models.QueryParams) ([]influxdb.TrendPoint, error) {
	return []influxdb.TrendPoint{{Vendor: "haltech", Confidence: 90}}, nil
}

func newTestServer(t *testing.T, source can.FrameSource, cfg ServerConfig) (*Server, *autoconfig.Engine) {
	t.Helper()
	engine := autoconfig.New(source, nil,
		autoconfig.WithCaptureDuration(10*time.Second),
		autoconfig.WithSamplerOptions(sampler.WithReceiveTimeout(5*time.Millisecond)),
	)
	cfg.Defaults = profile.SystemDefaults
	return NewServer(context.Background(), cfg, engine), engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusBeforeAnyRun(t *testing.T) {
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{})

	rec := do(t, srv.Handler(), http.MethodGet, "/api/autoconfig/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "unknown", body["vendor"])
	assert.Equal(t, false, body["running"])
}

func TestRunConflictAndCancel(t *testing.T) {
	srv, engine := newTestServer(t, idleSource{}, ServerConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/autoconfig/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		return engine.Status().State == autoconfig.StateSampling
	}, time.Second, time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		st := engine.Status()
		return !st.Running && st.State == autoconfig.StateDone
	}, 5*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunRejectsWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/autoconfig/run", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigAndOverride(t *testing.T) {
	srv, engine := newTestServer(t, can.NewSliceSource(haltechFrames()...), ServerConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/autoconfig/override", `{"bitrate":250000,"thresholds":{"redline_rpm":6500}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/api/autoconfig/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Vendor    string              `json:"vendor"`
		Decoding  bool                `json:"decoding"`
		Stored    autoconfig.Settings `json:"stored"`
		Effective autoconfig.Settings `json:"effective"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "haltech", body.Vendor)
	assert.True(t, body.Decoding)
	assert.Equal(t, 250_000, body.Stored.Bitrate)
	assert.Equal(t, 6500.0, body.Stored.Thresholds[profile.ThresholdRedlineRPM])
	assert.Equal(t, "can0", body.Effective.Channel)
}

func TestOverrideRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/autoconfig/override", `{"bitrate":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/autoconfig/override", `{"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeEndpoint(t *testing.T) {
	srv, engine := newTestServer(t, can.NewSliceSource(haltechFrames()...), ServerConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/autoconfig/decode", `{"can_id":"0x360","data":"0BB803E800640000"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/decode", `{"can_id":"0x360","data":"0BB803E800640000"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		CANIDHex string `json:"can_id_hex"`
		Vendor   string `json:"vendor"`
		Signals  map[string]struct {
			Value float64 `json:"value"`
			Unit  string  `json:"unit"`
		} `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "360", body.CANIDHex)
	assert.Equal(t, "haltech", body.Vendor)
	assert.Equal(t, 3000.0, body.Signals["rpm"].Value)
	assert.InDelta(t, 100.0, body.Signals["manifold_pressure"].Value, 1e-9)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/decode", `{"can_id":"0x123","data":"00"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/decode", `{"can_id":"0x360","data":"zz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/autoconfig/decode", `{"can_id":"0x360","data":"000102030405060708"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/detections/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	store := &fakeHistory{}
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{History: store, Trend: fakeTrend{}})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/detections/history?vendor=HALTECH&interface=can0&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "haltech", store.params.Vendor)
	assert.Equal(t, "can0", store.params.Interface)
	assert.Equal(t, 5, store.params.Limit)
	assert.Contains(t, rec.Body.String(), `"run_id":"r1"`)

	rec = do(t, h, http.MethodGet, "/api/detections/summary?interval=1d", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":3`)

	rec = do(t, h, http.MethodGet, "/api/detections/confidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"confidence":90`)

	rec = do(t, h, http.MethodGet, "/api/detections/history?vendor=bosch", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("connection refused")
	rec = do(t, h, http.MethodGet, "/api/detections/history", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseQueryParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?start_time=2026-01-02T00:00:00Z&end_time=2026-01-01T00:00:00Z", nil)
	_, err := parseQueryParams(req)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodGet, "/?limit=999999&offset=3", nil)
	params, err := parseQueryParams(req)
	require.NoError(t, err)
	assert.Equal(t, maxLimit, params.Limit)
	assert.Equal(t, 3, params.Offset)
}

func TestParseCANID(t *testing.T) {
	id, err := parseCANID("0x1F0A000")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1F0A000), id)

	id, err = parseCANID("864")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x360), id)

	_, err = parseCANID("0x20000000")
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, can.NewSliceSource(), ServerConfig{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"autoconfig":"idle"`)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodOptions, "/api/autoconfig/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
