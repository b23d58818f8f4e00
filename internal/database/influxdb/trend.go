package influxdb

import (
	"context"
	"fmt"
	"time"

	"can-autoconfig/internal/models"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

// TrendPoint is one detection run as stored in InfluxDB
type TrendPoint struct {
	Time        time.Time `json:"time"`
	Interface   string    `json:"interface"`
	Vendor      string    `json:"vendor"`
	Confidence  float64   `json:"confidence"`
	TotalFrames int64     `json:"total_frames"`
}

// Trend reads confidence history back from InfluxDB
type Trend struct {
	client *influxdb3.Client
}

// NewTrend creates a trend reader
func NewTrend(client *influxdb3.Client) *Trend {
	return &Trend{client: client}
}

func trendQuery(params models.QueryParams) (string, influxdb3.QueryParameters) {
	query := fmt.Sprintf(`SELECT time, interface, vendor, confidence, total_frames FROM %s WHERE outcome = 'done'`, Measurement)
	args := influxdb3.QueryParameters{}

	if params.StartTime != nil {
		query += " AND time >= $start"
		args["start"] = params.StartTime.UTC().Format(time.RFC3339Nano)
	}
	if params.EndTime != nil {
		query += " AND time <= $end"
		args["end"] = params.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if params.Vendor != "" {
		query += " AND vendor = $vendor"
		args["vendor"] = params.Vendor
	}
	if params.Interface != "" {
		query += " AND interface = $interface"
		args["interface"] = params.Interface
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY time DESC LIMIT %d", limit)
	return query, args
}

// ConfidenceTrend returns the confidence of recent successful runs
func (t *Trend) ConfidenceTrend(ctx context.Context, params models.QueryParams) ([]TrendPoint, error) {
	query, args := trendQuery(params)
	it, err := t.client.QueryWithParameters(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	points := []TrendPoint{}
	for it.Next() {
		points = append(points, trendPoint(it.Value()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return points, nil
}

func trendPoint(row map[string]any) TrendPoint {
	var p TrendPoint
	if ts, ok := row["time"].(time.Time); ok {
		p.Time = ts
	}
	p.Interface, _ = row["interface"].(string)
	p.Vendor, _ = row["vendor"].(string)
	p.Confidence, _ = row["confidence"].(float64)
	switch n := row["total_frames"].(type) {
	case int64:
		p.TotalFrames = n
	case uint64:
		p.TotalFrames = int64(n)
	case float64:
		p.TotalFrames = int64(n)
	}
	return p
}
