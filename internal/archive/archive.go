// Package archive persists retention-pruned terminal jobs to Postgres so
// completed and dead-lettered history stays inspectable after the engine
// drops the live record. It is a write-only sink; engine decisions never
// read from it.
package archive

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Archive wraps a pgx pool.
type Archive struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect archive postgres: %w", err)
	}
	return &Archive{pool: pool, log: log.With().Str("component", "archive").Logger()}, nil
}

// Close releases the pool.
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Migrate executes the embedded SQL migrations in order.
func (a *Archive) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		// One statement per Exec; pgx's extended protocol rejects
		// multi-statement strings.
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := a.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// ArchiveJobs inserts terminal job records. Duplicate ids are ignored so
// retries of a failed batch stay safe.
func (a *Archive) ArchiveJobs(ctx context.Context, jobs []models.Job) error {
	for _, j := range jobs {
		payload, err := json.Marshal(j.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for job %s: %w", j.ID, err)
		}
		var meta []byte
		if j.Metadata != nil {
			if meta, err = json.Marshal(j.Metadata); err != nil {
				return fmt.Errorf("marshal metadata for job %s: %w", j.ID, err)
			}
		}
		_, err = a.pool.Exec(ctx, `
			INSERT INTO archived_jobs
				(id, queue, type, payload, priority, status, attempts_made, max_attempts,
				 stalled_count, last_error, metadata, dead_letter_queue, created_at, finished_at, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING
		`, j.ID, j.Queue, j.Type, payload, j.Priority, string(j.Status), j.AttemptsMade, j.MaxAttempts,
			j.StalledCount, nullable(j.LastError), meta, nullable(j.DeadLetterQueue), j.CreatedAt,
			j.FinishedAt, j.FailedAt)
		if err != nil {
			return fmt.Errorf("archive job %s: %w", j.ID, err)
		}
		a.log.Debug().Str("job_id", j.ID).Str("queue", j.Queue).Msg("job archived")
	}
	return nil
}

// PruneOlderThan deletes archive rows past the retention horizon.
func (a *Archive) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := a.pool.Exec(ctx, `
		DELETE FROM archived_jobs WHERE archived_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(age.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
