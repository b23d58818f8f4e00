package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"can-autoconfig/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Writer handles writing detection records to ClickHouse
type Writer struct {
	conn       driver.Conn
	table      string
	batchSize  int
	batch      []models.DetectionRecord
	batchChan  chan models.DetectionRecord
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool
	flushTimer *time.Ticker
}

// Connect opens and pings a ClickHouse connection
func Connect(config Config) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// New creates a new ClickHouse writer with its own connection
func New(config Config, batchSize int) (*Writer, error) {
	conn, err := Connect(config)
	if err != nil {
		return nil, err
	}
	w, err := NewWithConn(conn, config.Table, batchSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

// NewWithConn creates a writer over an existing connection, creating the
// detections table if needed
func NewWithConn(conn driver.Conn, table string, batchSize int) (*Writer, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if err := conn.Exec(context.Background(), createTableQuery(table)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		conn:       conn,
		table:      table,
		batchSize:  batchSize,
		batch:      make([]models.DetectionRecord, 0, batchSize),
		batchChan:  make(chan models.DetectionRecord, batchSize*2),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		flushTimer: time.NewTicker(time.Second),
	}, nil
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			run_id String,
			interface String,
			vendor LowCardinality(String),
			score Float64,
			confidence Float64,
			distinct_ids UInt32,
			total_frames UInt64,
			malformed_frames UInt64,
			error_frames UInt64,
			decode_table Bool,
			outcome LowCardinality(String),
			reason String,
			capture_ms UInt32,
			bitrate UInt32,
			bus_state String
		) ENGINE = MergeTree()
		ORDER BY (timestamp, interface)
		PARTITION BY toYYYYMM(timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 YEAR
	`, table)
}

// row returns rec's column values in table order
func row(rec models.DetectionRecord) []any {
	return []any{
		rec.Timestamp,
		rec.RunID,
		rec.Interface,
		rec.Vendor,
		rec.Score,
		rec.Confidence,
		rec.DistinctIDs,
		rec.TotalFrames,
		rec.MalformedFrames,
		rec.ErrorFrames,
		rec.DecodeTable,
		rec.Outcome,
		rec.Reason,
		rec.CaptureMS,
		rec.Bitrate,
		rec.BusState,
	}
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
			// Drain what was queued before Close
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
		slog.Error("clickhouse: flush failed", "table", w.table, "records", len(w.batch), "error", err)
		w.batch = w.batch[:0]
	}
}

// flush writes the current batch to ClickHouse
func (w *Writer) flush() error {
	if len(w.batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", w.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range w.batch {
		if err := batch.Append(row(rec)...); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("clickhouse: flushed detection records", "table", w.table, "records", len(w.batch))
	w.batch = w.batch[:0]
	return nil
}

// Write queues a record for writing
func (w *Writer) Write(rec models.DetectionRecord) {
	select {
	case w.batchChan <- rec:
	default:
		slog.Warn("clickhouse: batch channel full, dropping detection record", "run_id", rec.RunID)
	}
}

// Close flushes queued records and closes the connection
func (w *Writer) Close() error {
	w.cancel()
	w.flushTimer.Stop()
	if w.started.Load() {
		select {
		case <-w.done:
		case <-time.After(15 * time.Second):
			slog.Warn("clickhouse: timed out waiting for final flush")
		}
	}

	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (w *Writer) Conn() driver.Conn {
	return w.conn
}
