// Package app wires configuration into the frame source, engine and
// persistence shared by the binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/can"
	"can-autoconfig/internal/config"
	"can-autoconfig/internal/database"
	"can-autoconfig/internal/database/clickhouse"
	"can-autoconfig/internal/database/influxdb"
	"can-autoconfig/internal/decode"
	"can-autoconfig/internal/models"
	"can-autoconfig/internal/sampler"
)

// SetupLogging installs the default slog text handler
func SetupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// Source is a frame source that must be closed after use
type Source interface {
	can.FrameSource
	io.Closer
}

type replayFile struct {
	*can.ReplaySource
	f *os.File
}

func (r replayFile) Close() error { return r.f.Close() }

// OpenSource opens the replay log when one is configured, otherwise the
// SocketCAN interface. The returned name identifies the source in logs
// and persisted records.
func OpenSource(cfg *config.Config) (Source, string, error) {
	if cfg.ReplayFile != "" {
		f, err := os.Open(cfg.ReplayFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open replay log: %w", err)
		}
		slog.Info("app: replaying candump log", "path", cfg.ReplayFile)
		return replayFile{ReplaySource: can.NewReplaySource(f, ""), f: f}, "replay:" + cfg.ReplayFile, nil
	}

	reader, err := can.NewReader(cfg.CANInterface)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create CAN reader: %w", err)
	}
	reader.Start()
	slog.Info("app: listening on SocketCAN interface", "interface", cfg.CANInterface)
	return reader, cfg.CANInterface, nil
}

// DecodeRegistry serves tables from DECODE_TABLE_DIR first, falling back
// to the embedded set
func DecodeRegistry(cfg *config.Config) *decode.Registry {
	if cfg.DecodeTableDir == "" {
		return decode.NewRegistry(nil)
	}
	return decode.NewRegistry(decode.ChainLoader{
		decode.DirLoader{Dir: cfg.DecodeTableDir},
		decode.EmbeddedLoader{},
	})
}

// NewEngine builds an engine from configuration. When probing is enabled
// the live bitrate of the interface is checked against the profile.
func NewEngine(cfg *config.Config, source can.FrameSource, probe bool, opts ...autoconfig.Option) *autoconfig.Engine {
	base := []autoconfig.Option{
		autoconfig.WithCaptureDuration(cfg.CaptureDuration()),
		autoconfig.WithClassifierOptions(cfg.ClassifierOptions()),
		autoconfig.WithDecodeRegistry(DecodeRegistry(cfg)),
		autoconfig.WithSamplerOptions(
			sampler.WithMaxPayload(cfg.MaxPayload),
			sampler.WithReceiveTimeout(cfg.ReceiveTimeoutDuration()),
		),
	}
	if probe {
		iface := cfg.CANInterface
		base = append(base, autoconfig.WithProbe(func(ctx context.Context) (models.SocketCANStats, error) {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return can.ProbeInterface(ctx, iface)
		}))
	}
	return autoconfig.New(source, autoconfig.NewAppliedConfiguration(), append(base, opts...)...)
}

// Persistence holds the detection writers and the readers the API serves
// history from
type Persistence struct {
	Writer  database.MultiWriter
	History *clickhouse.History
	Trend   *influxdb.Trend
}

// OpenPersistence connects to ClickHouse and InfluxDB. It returns nil when
// persistence is disabled. A backend that cannot be reached is logged and
// skipped.
func OpenPersistence(cfg *config.Config) *Persistence {
	if !cfg.PersistDetections {
		return nil
	}

	p := &Persistence{}

	ch, err := clickhouse.New(clickhouse.Config{
		Host:     cfg.ClickHouseHost,
		Port:     cfg.ClickHousePort,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUsername,
		Password: cfg.ClickHousePassword,
		Table:    cfg.ClickHouseDetectionsTable,
	}, cfg.BatchSize)
	if err != nil {
		slog.Warn("app: ClickHouse unavailable, detection history disabled", "error", err)
	} else {
		p.Writer = append(p.Writer, ch)
		p.History = clickhouse.NewHistory(ch.Conn(), cfg.ClickHouseDetectionsTable)
	}

	influxCfg := influxdb.Config{
		URL:      cfg.InfluxDBURL,
		Token:    cfg.InfluxDBToken,
		Database: cfg.InfluxDBDatabase,
	}
	iw, err := influxdb.New(influxCfg, cfg.BatchSize)
	if err != nil {
		slog.Warn("app: InfluxDB unavailable, confidence trend disabled", "error", err)
	} else {
		p.Writer = append(p.Writer, iw)
		p.Trend = influxdb.NewTrend(iw.Client())
	}

	p.Writer.Start()
	return p
}

// Record forwards a finished run to the writers
func (p *Persistence) Record(source string) func(*autoconfig.Result) {
	return func(r *autoconfig.Result) {
		if p == nil || len(p.Writer) == 0 {
			return
		}
		p.Writer.Write(r.Record(source))
	}
}

// Close flushes and closes every writer
func (p *Persistence) Close() error {
	if p == nil {
		return nil
	}
	return p.Writer.Close()
}
