package topic

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTopicsTable = `CREATE TABLE IF NOT EXISTS topics (
	name           TEXT PRIMARY KEY,
	device_type    TEXT NOT NULL DEFAULT '',
	temperature    DOUBLE PRECISION,
	humidity       DOUBLE PRECISION,
	observed_at    TIMESTAMPTZ,
	led_state      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	last_seen_at   TIMESTAMPTZ NOT NULL
)`

const upsertTopic = `INSERT INTO topics (name, device_type, temperature, humidity, observed_at, led_state, created_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (name) DO UPDATE SET
	device_type = EXCLUDED.device_type,
	temperature = EXCLUDED.temperature,
	humidity = EXCLUDED.humidity,
	observed_at = EXCLUDED.observed_at,
	led_state = EXCLUDED.led_state,
	last_seen_at = EXCLUDED.last_seen_at`

// PostgresStore persists topic snapshots in a PostgreSQL table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and creates the topics table
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTopicsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create topics table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveAll upserts every topic in a single batch
func (s *PostgresStore) SaveAll(ctx context.Context, topics []Topic) error {
	if len(topics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range topics {
		var temp, humidity *float64
		var observed *time.Time
		if t.LastTelemetry != nil {
			v := t.LastTelemetry.Temperature
			o := t.LastTelemetry.ObservedAt
			temp, humidity, observed = &v, t.LastTelemetry.Humidity, &o
		}
		batch.Queue(upsertTopic, t.Name, t.DeviceType, temp, humidity, observed, t.ActuatorState, t.CreatedAt, t.LastSeenAt)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert topics: %w", err)
	}
	return nil
}

// LoadAll returns every stored topic ordered by creation time
func (s *PostgresStore) LoadAll(ctx context.Context) ([]Topic, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, device_type, temperature, humidity, observed_at, led_state, created_at, last_seen_at FROM topics ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var (
			t        Topic
			temp     *float64
			humidity *float64
			observed *time.Time
		)
		if err := rows.Scan(&t.Name, &t.DeviceType, &temp, &humidity, &observed, &t.ActuatorState, &t.CreatedAt, &t.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		if temp != nil {
			t.LastTelemetry = &Telemetry{Temperature: *temp, Humidity: humidity}
			if observed != nil {
				t.LastTelemetry.ObservedAt = *observed
			}
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}
	return topics, nil
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}
