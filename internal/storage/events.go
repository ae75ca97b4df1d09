package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
)

// StoreEvent persists one operational event. Implements
// telemetry.EventStorage.
func (s *SQLiteStorage) StoreEvent(ctx context.Context, event telemetry.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, service, summary, details, correlation_id, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Service,
		event.Summary,
		string(details),
		event.CorrelationID,
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEvents retrieves events matching the filter, newest first.
func (s *SQLiteStorage) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query := "SELECT id, type, timestamp, service, summary, details, correlation_id, severity FROM events WHERE 1=1"
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if filter.Service != "" {
		query += " AND service = ?"
		args = append(args, filter.Service)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var event telemetry.Event
		var timestamp, details string
		if err := rows.Scan(&event.ID, &event.Type, &timestamp, &event.Service,
			&event.Summary, &details, &event.CorrelationID, &event.Severity); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// StoreSample persists one metrics sample with the control state that was
// active when it was taken.
func (s *SQLiteStorage) StoreSample(ctx context.Context, sample types.MetricsSample, phase types.Phase, level types.OverloadLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO samples (timestamp, cpu_percent, memory_percent, response_time_ms,
			error_rate_percent, request_rate, queue_depth, active_connections,
			dependency_connections, cache_hit_rate_percent, phase, overload_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.Timestamp.UTC().Format(time.RFC3339Nano),
		sample.CPUPercent,
		sample.MemoryPercent,
		sample.ResponseTimeMs,
		sample.ErrorRatePercent,
		sample.RequestRate,
		sample.QueueDepth,
		sample.ActiveConnections,
		sample.DependencyConnections,
		sample.CacheHitRatePercent,
		phase.String(),
		level.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to store sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to limit samples newest first.
func (s *SQLiteStorage) RecentSamples(ctx context.Context, limit int) ([]types.MetricsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, cpu_percent, memory_percent, response_time_ms,
			error_rate_percent, request_rate, queue_depth, active_connections,
			dependency_connections, cache_hit_rate_percent
		FROM samples ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []types.MetricsSample
	for rows.Next() {
		var sample types.MetricsSample
		var timestamp string
		if err := rows.Scan(&timestamp, &sample.CPUPercent, &sample.MemoryPercent,
			&sample.ResponseTimeMs, &sample.ErrorRatePercent, &sample.RequestRate,
			&sample.QueueDepth, &sample.ActiveConnections,
			&sample.DependencyConnections, &sample.CacheHitRatePercent); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sample.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sample timestamp: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
