package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool, logger: logger}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		sql, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		p.logger.Info("Migration applied", zap.String("file", name))
	}
	return nil
}

// LoadSetpoints returns the newest stored list, or the defaults if none
// was stored yet or the newest one is empty.
func (p *PostgresClient) LoadSetpoints(ctx context.Context) ([]float64, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT angles
		FROM setpoint_lists
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&raw)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSetpoints(), nil
		}
		return nil, fmt.Errorf("failed to load setpoints: %w", err)
	}

	angles, err := ParseSetpoints(raw)
	if err != nil {
		p.logger.Warn("Stored setpoints invalid, using defaults", zap.Error(err))
		return DefaultSetpoints(), nil
	}
	if len(angles) == 0 {
		return DefaultSetpoints(), nil
	}
	return angles, nil
}

func (p *PostgresClient) SaveSetpoints(ctx context.Context, angles []float64) error {
	if angles == nil {
		angles = []float64{}
	}
	data, err := json.Marshal(angles)
	if err != nil {
		return fmt.Errorf("failed to marshal setpoints: %w", err)
	}

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO setpoint_lists (angles) VALUES ($1)
	`, data); err != nil {
		return fmt.Errorf("failed to insert setpoints: %w", err)
	}
	return nil
}

// RecordMachineError stores one error-log entry.
func (p *PostgresClient) RecordMachineError(ctx context.Context, entry machine.ErrorEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO machine_errors (reason, state, occurred_at)
		VALUES ($1, $2, $3)
	`, entry.Reason, string(entry.State), entry.Time)
	if err != nil {
		return fmt.Errorf("failed to insert machine error: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListMachineErrors(ctx context.Context, limit int) ([]MachineErrorRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, reason, state, occurred_at
		FROM machine_errors
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query machine errors: %w", err)
	}
	defer rows.Close()

	var out []MachineErrorRecord
	for rows.Next() {
		var r MachineErrorRecord
		if err := rows.Scan(&r.ID, &r.Reason, &r.State, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan machine error: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRun inserts a shoot run or updates its outcome.
func (p *PostgresClient) SaveRun(ctx context.Context, run *RunRecord) error {
	jsonOf := func(v []float64) []byte {
		if v == nil {
			v = []float64{}
		}
		data, _ := json.Marshal(v)
		return data
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO shoot_runs (id, targets, seq0, seq1, dropped, capture, status, error, captures, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    error = EXCLUDED.error,
		    captures = EXCLUDED.captures,
		    completed_at = EXCLUDED.completed_at
	`, run.ID, jsonOf(run.Targets), jsonOf(run.Seq0), jsonOf(run.Seq1), jsonOf(run.Dropped),
		run.Capture, run.Status, run.Error, run.Captures, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save shoot run: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, targets, seq0, seq1, dropped, capture, status, error, captures, started_at, completed_at
		FROM shoot_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shoot runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                            RunRecord
			targets, seq0, seq1, dropped []byte
		)
		if err := rows.Scan(&r.ID, &targets, &seq0, &seq1, &dropped, &r.Capture,
			&r.Status, &r.Error, &r.Captures, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shoot run: %w", err)
		}
		for _, f := range []struct {
			raw []byte
			dst *[]float64
		}{{targets, &r.Targets}, {seq0, &r.Seq0}, {seq1, &r.Seq1}, {dropped, &r.Dropped}} {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("failed to decode shoot run %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
