package clickhouse

import (
	"context"
	"fmt"
	"time"

	"can-autoconfig/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const detectionColumns = `timestamp, run_id, interface, vendor, score, confidence,
			distinct_ids, total_frames, malformed_frames, error_frames,
			decode_table, outcome, reason, capture_ms, bitrate, bus_state`

// VendorSummary aggregates detection runs per time bucket and vendor
type VendorSummary struct {
	TimeBucket    time.Time `json:"time_bucket"`
	Vendor        string    `json:"vendor"`
	Runs          uint64    `json:"runs"`
	AvgConfidence float64   `json:"avg_confidence"`
	MinConfidence float64   `json:"min_confidence"`
	TotalFrames   uint64    `json:"total_frames"`
	Malformed     uint64    `json:"malformed_frames"`
}

// History reads detection runs back from ClickHouse
type History struct {
	conn  driver.Conn
	table string
}

// NewHistory creates a history reader over conn
func NewHistory(conn driver.Conn, table string) *History {
	return &History{conn: conn, table: table}
}

// filters appends the WHERE clauses shared by the history queries
func filters(query string, params models.QueryParams) (string, []any) {
	args := []any{}
	if params.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, *params.StartTime)
	}
	if params.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, *params.EndTime)
	}
	if params.Vendor != "" {
		query += " AND vendor = ?"
		args = append(args, params.Vendor)
	}
	if params.Interface != "" {
		query += " AND interface = ?"
		args = append(args, params.Interface)
	}
	return query, args
}

func limitOffset(query string, args []any, params models.QueryParams) (string, []any) {
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	} else {
		query += " LIMIT 100"
	}
	if params.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, params.Offset)
	}
	return query, args
}

func detectionsQuery(table string, params models.QueryParams) (string, []any) {
	query, args := filters(fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", detectionColumns, table), params)
	query += " ORDER BY timestamp DESC"
	return limitOffset(query, args, params)
}

// bucketExpr maps an interval name to a ClickHouse bucketing function
func bucketExpr(interval string) string {
	switch interval {
	case "1m", "1min":
		return "toStartOfMinute(timestamp)"
	case "5m", "5min":
		return "toStartOfFiveMinutes(timestamp)"
	case "15m", "15min":
		return "toStartOfFifteenMinutes(timestamp)"
	case "1d", "1day":
		return "toStartOfDay(timestamp)"
	default:
		return "toStartOfHour(timestamp)"
	}
}

func summaryQuery(table string, params models.QueryParams, interval string) (string, []any) {
	query := fmt.Sprintf(`
		SELECT
			%s AS time_bucket,
			vendor,
			count() AS runs,
			avg(confidence) AS avg_confidence,
			min(confidence) AS min_confidence,
			sum(total_frames) AS total_frames,
			sum(malformed_frames) AS malformed_frames
		FROM %s
		WHERE outcome = 'done'`, bucketExpr(interval), table)
	query, args := filters(query, params)
	query += " GROUP BY time_bucket, vendor ORDER BY time_bucket DESC, vendor"
	return limitOffset(query, args, params)
}

// Detections returns the most recent detection runs matching params
func (h *History) Detections(ctx context.Context, params models.QueryParams) ([]models.DetectionRecord, error) {
	query, args := detectionsQuery(h.table, params)
	rows, err := h.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := []models.DetectionRecord{}
	for rows.Next() {
		var rec models.DetectionRecord
		if err := rows.Scan(
			&rec.Timestamp, &rec.RunID, &rec.Interface, &rec.Vendor, &rec.Score, &rec.Confidence,
			&rec.DistinctIDs, &rec.TotalFrames, &rec.MalformedFrames, &rec.ErrorFrames,
			&rec.DecodeTable, &rec.Outcome, &rec.Reason, &rec.CaptureMS, &rec.Bitrate, &rec.BusState,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// VendorSummary aggregates successful runs per interval and vendor
func (h *History) VendorSummary(ctx context.Context, params models.QueryParams, interval string) ([]VendorSummary, error) {
	query, args := summaryQuery(h.table, params, interval)
	rows, err := h.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []VendorSummary{}
	for rows.Next() {
		var s VendorSummary
		if err := rows.Scan(
			&s.TimeBucket, &s.Vendor, &s.Runs,
			&s.AvgConfidence, &s.MinConfidence,
			&s.TotalFrames, &s.Malformed,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
