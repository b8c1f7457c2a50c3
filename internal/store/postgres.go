package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/kmbridge/kmbridge/internal/auth"
	"github.com/kmbridge/kmbridge/internal/models"
)

// Postgres is the database-backed Store. Device admin passwords are
// encrypted with the auth service before they reach a row.
type Postgres struct {
	db     *sql.DB
	crypto *auth.Service
}

// OpenPostgres connects, verifies the connection and runs pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string, crypto *auth.Service) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db, crypto: crypto}, nil
}

func (p *Postgres) SaveDevice(ctx context.Context, dev *models.Device) error {
	caps, err := json.Marshal(dev.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	password := ""
	if dev.AdminPassword != "" {
		password, err = p.crypto.Encrypt([]byte(dev.AdminPassword))
		if err != nil {
			return fmt.Errorf("failed to encrypt admin password: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO devices (id, address, model, controller, adapter, status, status_reason, capabilities, admin_password, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address) DO UPDATE SET
			model = EXCLUDED.model,
			controller = EXCLUDED.controller,
			adapter = EXCLUDED.adapter,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			capabilities = EXCLUDED.capabilities,
			admin_password = EXCLUDED.admin_password,
			last_seen = EXCLUDED.last_seen`,
		dev.ID, dev.Address, dev.Model, dev.Controller, dev.Adapter,
		dev.Status, dev.StatusReason, caps, password, dev.FirstSeen, dev.LastSeen,
	)
	return err
}

func (p *Postgres) DeleteDevice(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, model, controller, adapter, status, status_reason, capabilities, admin_password, first_seen, last_seen
		FROM devices ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		var dev models.Device
		var caps []byte
		var password string
		if err := rows.Scan(&dev.ID, &dev.Address, &dev.Model, &dev.Controller, &dev.Adapter,
			&dev.Status, &dev.StatusReason, &caps, &password, &dev.FirstSeen, &dev.LastSeen); err != nil {
			return nil, err
		}
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &dev.Capabilities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal capabilities for %s: %w", dev.ID, err)
			}
		}
		if password != "" {
			plain, err := p.crypto.Decrypt(password)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt admin password for %s: %w", dev.ID, err)
			}
			dev.AdminPassword = string(plain)
		}
		out = append(out, &dev)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveJob(ctx context.Context, job *models.PrintJob) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	// The payload is deliberately not persisted: jobs that survive a
	// restart in a non-terminal state are failed on recovery.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO print_jobs (id, device_id, remote_id, title, settings, status, retry_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.DeviceID, job.RemoteID, job.Title, settings,
		job.Status, job.RetryCount, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, device_id, remote_id, title, settings, status, retry_count, last_error, created_at, updated_at
		FROM print_jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (p *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*models.PrintJob, error) {
	query := `
		SELECT id, device_id, remote_id, title, settings, status, retry_count, last_error, created_at, updated_at
		FROM print_jobs WHERE 1=1`
	var args []any
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PrintJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (p *Postgres) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM print_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) SeenRemoteJob(ctx context.Context, source, remoteID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM remote_jobs WHERE source = $1 AND remote_id = $2`, source, remoteID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) MarkRemoteJob(ctx context.Context, source, remoteID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO remote_jobs (source, remote_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		source, remoteID)
	return err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.PrintJob, error) {
	var job models.PrintJob
	var settings []byte
	if err := row.Scan(&job.ID, &job.DeviceID, &job.RemoteID, &job.Title, &settings,
		&job.Status, &job.RetryCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
