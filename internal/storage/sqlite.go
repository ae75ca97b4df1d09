// Package storage persists operational events and metrics samples to
// SQLite for post-incident analysis.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStorage is the event and sample store backed by a single SQLite
// database in WAL mode.
type SQLiteStorage struct {
	config config.StorageConfig
	logger *zap.Logger
	db     *sql.DB

	mu      sync.Mutex
	running bool
}

// NewSQLiteStorage opens the database and initializes the schema.
func NewSQLiteStorage(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStorage, error) {
	dir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", cfg.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStorage{
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Start begins the periodic retention cleanup loop.
func (s *SQLiteStorage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("storage is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Storage started",
		zap.String("database_path", s.config.DatabasePath),
		zap.Duration("retention", s.config.Retention))

	go s.cleanupLoop(ctx)
	return nil
}

// Stop closes the database.
func (s *SQLiteStorage) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.logger.Info("Storage stopped")
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStorage) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.logger.Error("Retention cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup deletes rows older than the retention period.
func (s *SQLiteStorage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.config.Retention)

	for _, table := range []string{"events", "samples"} {
		result, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table),
			cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
			s.logger.Info("Retention cleanup",
				zap.String("table", table),
				zap.Int64("rows_deleted", deleted),
				zap.Time("cutoff", cutoff))
		}
	}
	return nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		service TEXT,
		summary TEXT NOT NULL,
		details TEXT NOT NULL,
		correlation_id TEXT,
		severity TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_service ON events(service);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_percent REAL NOT NULL,
		response_time_ms REAL NOT NULL,
		error_rate_percent REAL NOT NULL,
		request_rate REAL NOT NULL,
		queue_depth REAL NOT NULL,
		active_connections REAL NOT NULL,
		dependency_connections REAL NOT NULL,
		cache_hit_rate_percent REAL NOT NULL,
		phase TEXT NOT NULL,
		overload_level TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Info("Database schema initialized")
	return nil
}
