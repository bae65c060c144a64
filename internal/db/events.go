package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/lanecount/internal/lane"
)

// Event kinds returned by RecentEvents.
const (
	KindCount       = "count"
	KindReset       = "reset"
	KindCalibration = "calibration"
)

// CountEvent is one counted object. Lane is 1-based.
type CountEvent struct {
	SessionID  string
	Lane       int
	LaneCount  uint32
	Total      uint64
	DistanceMM uint16
	Uptime     time.Duration
	At         time.Time
}

// ResetEvent closes one counting session.
type ResetEvent struct {
	PreviousSession string
	SessionID       string
	TotalBefore     uint64
	Origin          string
	At              time.Time
}

// CalibrationEvent records one calibration attempt. Err is empty on success.
type CalibrationEvent struct {
	SessionID string
	Lane      int
	Result    lane.CalibrationResult
	Err       string
	At        time.Time
}

func (db *DB) RecordCount(ctx context.Context, e CountEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO count_events (
			session_id, lane, lane_count, total, distance_mm, uptime_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Lane, e.LaneCount, e.Total, e.DistanceMM,
		e.Uptime.Milliseconds(), e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record count: %w", err)
	}
	return nil
}

func (db *DB) RecordReset(ctx context.Context, e ResetEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO reset_events (
			previous_session, session_id, total_before, origin, recorded_at
		) VALUES (?, ?, ?, ?, ?)`,
		e.PreviousSession, e.SessionID, e.TotalBefore, e.Origin, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record reset: %w", err)
	}
	return nil
}

func (db *DB) RecordCalibration(ctx context.Context, e CalibrationEvent) error {
	r := e.Result
	_, err := db.ExecContext(ctx, `
		INSERT INTO calibration_events (
			session_id, lane, ok, baseline_mm, detect_threshold_mm, clear_threshold_mm,
			valid_samples, invalid_samples, stddev_mm, error, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Lane, e.Err == "", r.BaselineMM, r.DetectThreshold, r.ClearThreshold,
		r.ValidSamples, r.InvalidSamples, r.StdDevMM, e.Err, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	return nil
}

// Event is one row of the combined history. Value holds the lane count for
// count events, the closed total for resets and the baseline for
// calibrations.
type Event struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	Lane      int       `json:"lane,omitempty"`
	Value     int64     `json:"value"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// RecentEvents returns the newest events of every kind, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, session_id, lane, value, detail, recorded_at FROM (
			SELECT 'count' AS kind, session_id, lane, lane_count AS value,
				printf('total=%d distance=%dmm', total, distance_mm) AS detail,
				recorded_at, event_id
			FROM count_events
			UNION ALL
			SELECT 'reset', session_id, 0, total_before, origin, recorded_at, event_id
			FROM reset_events
			UNION ALL
			SELECT 'calibration', session_id, lane, baseline_mm,
				CASE WHEN ok THEN printf('detect<%d clear>%d', detect_threshold_mm, clear_threshold_mm)
				ELSE error END,
				recorded_at, event_id
			FROM calibration_events
		)
		ORDER BY recorded_at DESC, event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.Kind, &e.SessionID, &e.Lane, &e.Value, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LaneTotal is the number of counts recorded for a lane.
type LaneTotal struct {
	Lane  int   `json:"lane"`
	Count int64 `json:"count"`
}

// LaneTotals counts recorded events per lane since the given time, across
// sessions.
func (db *DB) LaneTotals(ctx context.Context, since time.Time) ([]LaneTotal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT lane, COUNT(*) FROM count_events
		WHERE recorded_at >= ?
		GROUP BY lane ORDER BY lane`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []LaneTotal
	for rows.Next() {
		var t LaneTotal
		if err := rows.Scan(&t.Lane, &t.Count); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// HourlyCount is the number of counts for one lane in one hour.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Lane  int       `json:"lane"`
	Count int64     `json:"count"`
}

// HourlyCounts buckets recorded counts by UTC hour and lane.
func (db *DB) HourlyCounts(ctx context.Context, since time.Time) ([]HourlyCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT (recorded_at / 3600000) * 3600000 AS hour, lane, COUNT(*)
		FROM count_events
		WHERE recorded_at >= ?
		GROUP BY hour, lane ORDER BY hour, lane`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var h HourlyCount
		var hour int64
		if err := rows.Scan(&hour, &h.Lane, &h.Count); err != nil {
			return nil, err
		}
		h.Hour = time.UnixMilli(hour).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
