// Package chread queries historical scan events from ClickHouse.
package chread

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Reader provides read access to the ClickHouse scan_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

// ScanRow is a single row of the scan_events table.
type ScanRow struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	Agent          string    `json:"agent"`
	SessionID      string    `json:"session_id"`
	Kind           string    `json:"kind"`
	Action         string    `json:"action"`
	Category       string    `json:"category"`
	Reason         string    `json:"reason"`
	ScanID         string    `json:"scan_id"`
	ReportID       string    `json:"report_id"`
	Method         string    `json:"method"`
	DurationMs     float32   `json:"duration_ms"`
	Redacted       uint8     `json:"redacted"`
	PayloadPreview string    `json:"payload_preview"`
	PayloadHash    string    `json:"payload_hash"`
	PayloadSize    uint32    `json:"payload_size"`
}

const scanColumns = "event_id, timestamp, agent, session_id, kind, action, category, reason, " +
	"scan_id, report_id, method, duration_ms, redacted, payload_preview, payload_hash, payload_size"

func (s *ScanRow) dest() []any {
	return []any{
		&s.EventID, &s.Timestamp, &s.Agent, &s.SessionID, &s.Kind, &s.Action,
		&s.Category, &s.Reason, &s.ScanID, &s.ReportID, &s.Method, &s.DurationMs,
		&s.Redacted, &s.PayloadPreview, &s.PayloadHash, &s.PayloadSize,
	}
}

// ListScansParams holds filters and pagination for scan listing.
type ListScansParams struct {
	Agent     *string
	SessionID *string
	Kind      *string
	Action    *string
	Category  *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// normalize clamps pagination to sane bounds.
func (p *ListScansParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
}

// filter builds the WHERE clause and its named arguments.
func (p ListScansParams) filter() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	eq := func(column string, v *string) {
		if v == nil {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s = @%s", column, column))
		args = append(args, clickhouse.Named(column, *v))
	}
	eq("agent", p.Agent)
	eq("session_id", p.SessionID)
	eq("kind", p.Kind)
	eq("action", p.Action)
	eq("category", p.Category)

	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	if p.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *p.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// ListScans returns paginated, filtered scan events (newest first) and the
// total count.
func (r *Reader) ListScans(ctx context.Context, params ListScansParams) ([]ScanRow, int, error) {
	params.normalize()
	where, args := params.filter()
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM scan_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListScans count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM scan_events WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		scanColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListScans query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scans := []ScanRow{}
	for rows.Next() {
		var s ScanRow
		if err := rows.Scan(s.dest()...); err != nil {
			return nil, 0, fmt.Errorf("ListScans scan: %w", err)
		}
		scans = append(scans, s)
	}
	return scans, int(total), rows.Err()
}

// GetScan returns a single scan event, or nil if not found.
func (r *Reader) GetScan(ctx context.Context, eventID string) (*ScanRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM scan_events WHERE event_id = @event_id LIMIT 1", scanColumns),
		clickhouse.Named("event_id", eventID),
	)

	var s ScanRow
	if err := row.Scan(s.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetScan: %w", err)
	}
	if s.EventID == "" {
		return nil, nil
	}
	return &s, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalScans  int `json:"total_scans"`
	Blocked     int `json:"blocked"`
	Allowed     int `json:"allowed"`
	ScanErrors  int `json:"scan_errors"`
	RedactedOut int `json:"redacted"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// CategoryCount holds a category and its count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// LatencyStats holds scan latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	TopCategories      []CategoryCount    `json:"top_categories"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics aggregates scan events over the last days days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	if days < 1 {
		days = 1
	}
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	rangeArg := clickhouse.Named("range_start", rangeStart)

	result := &AnalyticsResult{}

	var total, blocked, allowed, scanErrors, redacted uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(action = 'block'), "+
			"countIf(action = 'allow'), "+
			"countIf(method = 'error'), "+
			"countIf(redacted = 1) "+
			"FROM scan_events WHERE timestamp >= @range_start",
		rangeArg,
	).Scan(&total, &blocked, &allowed, &scanErrors, &redacted)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalScans:  int(total),
		Blocked:     int(blocked),
		Allowed:     int(allowed),
		ScanErrors:  int(scanErrors),
		RedactedOut: int(redacted),
	}

	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count "+
			"FROM scan_events WHERE action = 'block' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		rangeArg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	catRows, err := r.conn.Query(ctx,
		"SELECT category, count() AS count "+
			"FROM scan_events WHERE action = 'block' AND timestamp >= @range_start "+
			"GROUP BY category ORDER BY count DESC LIMIT 10",
		rangeArg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_categories: %w", err)
	}
	defer func() { _ = catRows.Close() }()
	for catRows.Next() {
		var cat string
		var count uint64
		if err := catRows.Scan(&cat, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_categories scan: %w", err)
		}
		result.TopCategories = append(result.TopCategories, CategoryCount{Category: cat, Count: int(count)})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(duration_ms), quantile(0.95)(duration_ms), quantile(0.99)(duration_ms) "+
			"FROM scan_events WHERE method = 'live-http' AND timestamp >= @range_start",
		rangeArg,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	if result.BlocksOverTime == nil {
		result.BlocksOverTime = []TimeSeriesBucket{}
	}
	if result.TopCategories == nil {
		result.TopCategories = []CategoryCount{}
	}
	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
