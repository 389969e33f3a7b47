package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"broker-resilience/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a database connection from the configured URL
func New(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Cluster decision history. decision_id is unique so the same
		// decision written by several instances lands exactly once.
		`CREATE TABLE IF NOT EXISTS circuit_decisions (
			id SERIAL PRIMARY KEY,
			decision_id VARCHAR(64) NOT NULL UNIQUE,
			breaker_name VARCHAR(100) NOT NULL,
			decision VARCHAR(20) NOT NULL,
			consensus_reached BOOLEAN NOT NULL,
			confidence_score DECIMAL(5, 4) NOT NULL,
			participating_instances TEXT[],
			voting_results JSONB,
			instance_id VARCHAR(100) NOT NULL,
			decided_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_decisions_breaker ON circuit_decisions(breaker_name)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_decisions_decided_at ON circuit_decisions(decided_at)`,

		// Degradation level transitions
		`CREATE TABLE IF NOT EXISTS degradation_events (
			id SERIAL PRIMARY KEY,
			old_level VARCHAR(20) NOT NULL,
			new_level VARCHAR(20) NOT NULL,
			trigger_reason TEXT NOT NULL,
			affected_services TEXT[],
			estimated_recovery TIMESTAMPTZ,
			instance_id VARCHAR(100) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_degradation_events_new_level ON degradation_events(new_level)`,
		`CREATE INDEX IF NOT EXISTS idx_degradation_events_occurred_at ON degradation_events(occurred_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}
