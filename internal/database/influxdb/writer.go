package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"can-autoconfig/internal/models"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

// Measurement is the InfluxDB measurement detection runs are written to
const Measurement = "can_detections"

// Writer handles writing detection records to InfluxDB
type Writer struct {
	client     *influxdb3.Client
	batchSize  int
	batch      []models.DetectionRecord
	batchChan  chan models.DetectionRecord
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool
	flushTimer *time.Ticker
	database   string
}

// NewClient creates an InfluxDB v3 client
func NewClient(config Config) (*influxdb3.Client, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return client, nil
}

// New creates a new InfluxDB writer
func New(config Config, batchSize int) (*Writer, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		client:     client,
		batchSize:  batchSize,
		batch:      make([]models.DetectionRecord, 0, batchSize),
		batchChan:  make(chan models.DetectionRecord, batchSize*2),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		flushTimer: time.NewTicker(time.Second),
		database:   config.Database,
	}, nil
}

// detectionPoint converts a record into a point tagged by interface,
// vendor and outcome
func detectionPoint(rec models.DetectionRecord) *influxdb3.Point {
	return influxdb3.NewPoint(
		Measurement,
		map[string]string{
			"interface": rec.Interface,
			"vendor":    rec.Vendor,
			"outcome":   rec.Outcome,
		},
		map[string]any{
			"run_id":           rec.RunID,
			"score":            rec.Score,
			"confidence":       rec.Confidence,
			"distinct_ids":     int64(rec.DistinctIDs),
			"total_frames":     int64(rec.TotalFrames),
			"malformed_frames": int64(rec.MalformedFrames),
			"error_frames":     int64(rec.ErrorFrames),
			"decode_table":     rec.DecodeTable,
			"capture_ms":       int64(rec.CaptureMS),
		},
		rec.Timestamp,
	)
}

// Start begins processing and writing records
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.writeLoop()
}

// writeLoop collects records and writes them in batches
func (w *Writer) writeLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			for {
				select {
				case rec := <-w.batchChan:
					w.batch = append(w.batch, rec)
				default:
					w.flushLogged()
					return
				}
			}

		case rec := <-w.batchChan:
			w.batch = append(w.batch, rec)
			if len(w.batch) >= w.batchSize {
				w.flushLogged()
			}

		case <-w.flushTimer.C:
			w.flushLogged()
		}
	}
}

func (w *Writer) flushLogged() {
	if err := w.flush(); err != nil {
		slog.Error("influxdb: flush failed", "database", w.database, "records", len(w.batch), "error", err)
		w.batch = w.batch[:0]
	}
}

// flush writes the current batch to InfluxDB
func (w *Writer) flush() error {
	if len(w.batch) == 0 {
		return nil
	}

	points := make([]*influxdb3.Point, 0, len(w.batch))
	for _, rec := range w.batch {
		points = append(points, detectionPoint(rec))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}

	slog.Debug("influxdb: flushed detection records", "database", w.database, "records", len(w.batch))
	w.batch = w.batch[:0]
	return nil
}

// Write queues a record for writing
func (w *Writer) Write(rec models.DetectionRecord) {
	select {
	case w.batchChan <- rec:
	default:
		slog.Warn("influxdb: batch channel full, dropping detection record", "run_id", rec.RunID)
	}
}

// Close flushes queued records and closes the client
func (w *Writer) Close() error {
	w.cancel()
	w.flushTimer.Stop()
	if w.started.Load() {
		select {
		case <-w.done:
		case <-time.After(15 * time.Second):
			slog.Warn("influxdb: timed out waiting for final flush")
		}
	}

	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// Client returns the underlying InfluxDB client
func (w *Writer) Client() *influxdb3.Client {
	return w.client
}
