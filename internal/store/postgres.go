package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Owners ---

func (s *PostgresStore) CreateOwner(ctx context.Context, owner *models.Owner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owners (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		owner.ID, owner.Name, owner.CreatedAt, owner.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error) {
	var o models.Owner
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM owners WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOwners(ctx context.Context) ([]*models.Owner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM owners ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []*models.Owner
	for rows.Next() {
		var o models.Owner
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, &o)
	}
	return owners, rows.Err()
}

// --- API Keys ---

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scan jobs ---

const jobColumns = `id, display_code, owner_id, file_name, input_path, overlay_path, heatmap_path,
	status, result, error_message, processing_ms, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		result []byte
	)
	err := row.Scan(&j.ID, &j.DisplayCode, &j.OwnerID, &j.FileName, &j.InputPath,
		&j.OverlayPath, &j.HeatmapPath, &j.Status, &result, &j.ErrorMessage, &j.ProcessingMS,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		var r models.ScanResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_jobs (id, display_code, owner_id, file_name, input_path, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.DisplayCode, job.OwnerID, job.FileName, job.InputPath, job.Status,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the owner's jobs, newest first. A limit below 1 returns all.
func (s *PostgresStore) ListJobs(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListJobsByStatus returns jobs of every owner in the given status, oldest first.
func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

// UpdateJobStatus moves a job to status. The update only applies while the
// job is in one of status's allowed predecessors, so concurrent writers
// cannot both apply a terminal transition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts...)

	prev := predecessors(status)
	if len(prev) == 0 {
		return fmt.Errorf("%w: nothing moves to %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	sets := []string{"status = $3", "updated_at = $4"}
	args := []any{id, prev, status, now}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if status == models.JobStatusRunning {
		add("started_at", now)
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		add("completed_at", now)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.Result != nil {
		b, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		add("result", string(b))
		sets[len(sets)-1] += "::jsonb"
	}
	if params.OverlayPath != nil {
		add("overlay_path", *params.OverlayPath)
	}
	if params.HeatmapPath != nil {
		add("heatmap_path", *params.HeatmapPath)
	}
	if params.ProcessingMS != nil {
		add("processing_ms", *params.ProcessingMS)
	}

	query := `UPDATE scan_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = ANY($2)`
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM scan_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scan_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
