// Package scan owns the job lifecycle: it accepts uploads, dispatches the
// analyzer on a bounded pool, applies outcomes and answers owner-scoped queries.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/internal/analyzer"
	"github.com/kiranshivaraju/neuroscan/internal/cache"
	"github.com/kiranshivaraju/neuroscan/internal/layout"
	"github.com/kiranshivaraju/neuroscan/internal/parser"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

const (
	statusTTL          = 24 * time.Hour
	defaultErrorMaxLen = 4096
	launchRetryDelay   = 500 * time.Millisecond

	// Scan codes carry 32 random bits per day, so a rare clash is retried
	// with a fresh suffix.
	displayCodeAttempts = 3

	// GenericFailure is recorded when the analyzer failed without output.
	GenericFailure = "Scanner failed to process image"

	interruptedMessage = "interrupted before completion"
)

// List page bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Runner launches the analyzer. *analyzer.Invoker satisfies it.
type Runner interface {
	Check() error
	Invoke(ctx context.Context, input, outDir string) (analyzer.Outcome, error)
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	UploadMaxBytes int64
	MaxConcurrent  int
	// LaunchAttempts is how many times a launch failure is tried before the
	// job fails. Non-zero exits and timeouts are never retried.
	LaunchAttempts int
	ErrorMaxLen    int
}

func (o Options) withDefaults() Options {
	if o.UploadMaxBytes <= 0 {
		o.UploadMaxBytes = 50 << 20
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 1
	}
	if o.LaunchAttempts < 1 {
		o.LaunchAttempts = 1
	}
	if o.ErrorMaxLen <= 0 {
		o.ErrorMaxLen = defaultErrorMaxLen
	}
	return o
}

// PoolStats reports analyzer pool occupancy.
type PoolStats struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
}

// Service is the job controller.
type Service struct {
	store  store.Store
	cache  cache.Cache
	layout *layout.Layout
	runner Runner
	policy parser.Policy
	pool   *analyzer.Pool
	opts   Options
	closed atomic.Bool
}

// NewService creates a Service and starts its analyzer pool.
func NewService(st store.Store, ca cache.Cache, l *layout.Layout, r Runner, policy parser.Policy, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:  st,
		cache:  ca,
		layout: l,
		runner: r,
		policy: policy,
		pool:   analyzer.NewPool(opts.MaxConcurrent),
		opts:   opts,
	}
}

// Submit validates and stores the upload, records a pending job and queues
// it for analysis. It returns as soon as the job is durable.
func (s *Service) Submit(ctx context.Context, up Upload) (*models.Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := up.validate(s.opts.UploadMaxBytes); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New()
	if err := s.layout.EnsureJobDirs(up.OwnerID, id); err != nil {
		return nil, fmt.Errorf("preparing job directory: %w", err)
	}

	input := s.layout.InputPath(up.OwnerID, id, up.FileName)
	if err := s.writeInput(input, up.Body); err != nil {
		s.removeJobDir(ctx, up.OwnerID, id)
		return nil, err
	}

	job := &models.Job{
		ID:          id,
		DisplayCode: DisplayCode(id, now),
		OwnerID:     up.OwnerID,
		FileName:    up.FileName,
		InputPath:   input,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.createJob(ctx, job); err != nil {
		s.removeJobDir(ctx, up.OwnerID, id)
		return nil, err
	}

	s.mirrorStatus(ctx, job.OwnerID, job.ID, models.JobStatusPending)
	s.enqueue(ctx, job)

	slog.InfoContext(ctx, "scan submitted",
		"job_id", job.ID, "owner_id", job.OwnerID, "scan_code", job.DisplayCode)
	return job, nil
}

// createJob inserts job, drawing a new scan code when the current one is
// already taken.
func (s *Service) createJob(ctx context.Context, job *models.Job) error {
	for attempt := 1; ; attempt++ {
		err := s.store.CreateJob(ctx, job)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrDuplicateKey) && attempt < displayCodeAttempts:
			slog.WarnContext(ctx, "scan code taken, drawing another", "scan_code", job.DisplayCode)
			job.DisplayCode = DisplayCode(uuid.New(), job.CreatedAt)
		case errors.Is(err, store.ErrDuplicateKey):
			return fmt.Errorf("creating job after %d scan codes: %w", attempt, err)
		default:
			return fmt.Errorf("%w: creating job: %v", ErrStoreUnavailable, err)
		}
	}
}

// writeInput streams body to path, refusing anything past the size limit.
func (s *Service) writeInput(path string, body io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("creating input file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, s.opts.UploadMaxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing input file: %w", err)
	}
	if n > s.opts.UploadMaxBytes {
		return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.opts.UploadMaxBytes)
	}
	if n == 0 {
		return fmt.Errorf("%w: file is empty", ErrValidation)
	}
	return nil
}

// DisplayCode is the user-facing code for a job, e.g. SCAN-20261019-1A2B3C4D.
func DisplayCode(id uuid.UUID, created time.Time) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "SCAN-" + created.UTC().Format("20060102") + "-" + strings.ToUpper(hex[:8])
}

// enqueue hands the job to the pool. Processing outlives the request, so
// it runs on a context that keeps ctx's values but not its cancellation.
func (s *Service) enqueue(ctx context.Context, job *models.Job) {
	j := *job
	pctx := context.WithoutCancel(ctx)
	err := s.pool.Submit(j.ID, func() {
		s.process(pctx, &j)
	})
	switch {
	case err == nil:
	case errors.Is(err, analyzer.ErrAlreadyQueued):
		slog.WarnContext(ctx, "scan already queued", "job_id", j.ID)
	default:
		// Left pending; Recover picks it up on the next start.
		slog.WarnContext(ctx, "scan not queued", "job_id", j.ID, "error", err)
	}
}

// Stats reports analyzer pool occupancy.
func (s *Service) Stats() PoolStats {
	inFlight, running := s.pool.InFlight(), s.pool.Running()
	return PoolStats{
		Limit:    s.opts.MaxConcurrent,
		InFlight: inFlight,
		Running:  running,
		Queued:   max(inFlight-running, 0),
	}
}

// Close stops accepting submissions and waits for queued and running
// analyses to finish, or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.closed.Store(true)
	s.pool.Close()
	select {
	case <-s.pool.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for analyses: %w", ctx.Err())
	}
}

// mirrorStatus copies a status into the cache. When the write fails the
// entry is dropped so Status falls back to the store instead of serving
// the previous status.
func (s *Service) mirrorStatus(ctx context.Context, ownerID, jobID uuid.UUID, status string) {
	err := s.cache.SetJobStatus(ctx, ownerID, jobID, status, statusTTL)
	if err == nil {
		return
	}
	slog.WarnContext(ctx, "caching scan status", "job_id", jobID, "status", status, "error", err)
	if derr := s.cache.DeleteJobStatus(ctx, ownerID, jobID); derr != nil {
		slog.WarnContext(ctx, "dropping stale scan status", "job_id", jobID, "error", derr)
	}
}

func (s *Service) removeJobDir(ctx context.Context, ownerID, jobID uuid.UUID) {
	if err := s.layout.RemoveJob(ownerID, jobID); err != nil {
		slog.WarnContext(ctx, "removing job directory", "job_id", jobID, "error", err)
	}
}
