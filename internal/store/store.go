// Package store persists run history in PostgreSQL. The store is optional:
// the CLI works purely on the filesystem when no database is configured.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Run statuses as recorded in the runs table.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one row of generation history.
type Run struct {
	ID        string
	AudioPath string
	ImagePath string
	VideoPath string
	Status    string
	Device    string
	Enhancer  string
	CreatedAt time.Time
	Duration  time.Duration
}

// Store manages the PostgreSQL connection for run history.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection and auto-migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			audio_path TEXT NOT NULL,
			image_path TEXT NOT NULL,
			video_path TEXT,
			status TEXT NOT NULL,
			device TEXT,
			enhancer TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			duration_ms BIGINT
		);
		CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// CreateRun registers a run the moment it starts, in status running.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, audio_path, image_path, status, device, enhancer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, run.ID, run.AudioPath, run.ImagePath, StatusRunning, run.Device, run.Enhancer)
	return err
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, id, videoPath, status string, dur time.Duration) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE runs SET video_path = $2, status = $3, duration_ms = $4
		WHERE id = $1
	`, id, videoPath, status, dur.Milliseconds())
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, audio_path, image_path, COALESCE(video_path, ''), status,
		       COALESCE(device, ''), COALESCE(enhancer, ''), created_at,
		       COALESCE(duration_ms, 0)
		FROM runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var durMS int64
		if err := rows.Scan(&r.ID, &r.AudioPath, &r.ImagePath, &r.VideoPath, &r.Status,
			&r.Device, &r.Enhancer, &r.CreatedAt, &durMS); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
