package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// Get returns one of the owner's jobs. Jobs of other owners are reported
// as ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, storeErr(err)
	}
	return job, nil
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	jobs, err := s.store.ListJobs(ctx, ownerID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// Status returns only the job's status, served from the cache when possible.
// A miss is answered from the store without refilling the cache: only the
// processing path writes statuses, so a slow read can never cache a status
// the job has already left.
func (s *Service) Status(ctx context.Context, ownerID, jobID uuid.UUID) (string, error) {
	status, ok, err := s.cache.GetJobStatus(ctx, ownerID, jobID)
	if err != nil {
		slog.WarnContext(ctx, "reading cached scan status", "job_id", jobID, "error", err)
	}
	if ok {
		return status, nil
	}

	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Image returns the raw bytes of one of the job's artifacts.
func (s *Service) Image(ctx context.Context, ownerID, jobID uuid.UUID, kind string) ([]byte, error) {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	var path string
	switch kind {
	case models.ImageOriginal:
		path = job.InputPath
	case models.ImageOverlay:
		if job.OverlayPath != nil {
			path = *job.OverlayPath
		}
	case models.ImageHeatmap:
		if job.HeatmapPath != nil {
			path = *job.HeatmapPath
		}
	default:
		return nil, fmt.Errorf("%w: unknown image kind %q", ErrValidation, kind)
	}

	if path == "" || !s.layout.Contains(path) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s image: %w", kind, err)
	}
	return data, nil
}

// Delete removes the job's artifacts and then its record. A running
// analyzer is left alone; its outcome is discarded when it arrives.
func (s *Service) Delete(ctx context.Context, ownerID, jobID uuid.UUID) error {
	if _, err := s.Get(ctx, ownerID, jobID); err != nil {
		return err
	}

	if err := s.layout.RemoveJob(ownerID, jobID); err != nil {
		return fmt.Errorf("removing scan artifacts: %w", err)
	}

	if err := s.store.DeleteJob(ctx, jobID, ownerID); err != nil {
		return storeErr(err)
	}

	if err := s.cache.DeleteJobStatus(ctx, ownerID, jobID); err != nil {
		slog.WarnContext(ctx, "clearing scan status", "job_id", jobID, "error", err)
	}

	slog.InfoContext(ctx, "scan deleted", "job_id", jobID, "owner_id", ownerID)
	return nil
}

// RecoveryReport counts the jobs touched by Recover.
type RecoveryReport struct {
	Failed   int
	Requeued int
}

// Recover settles jobs left behind by a previous process. Running jobs lost
// their analyzer and are failed; pending jobs are queued again.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	running, err := s.store.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return rep, storeErr(err)
	}
	for _, job := range running {
		opts := []store.JobUpdateOption{store.WithErrorMessage(interruptedMessage)}
		if job.StartedAt != nil {
			// Measured up to recovery; the exact moment of the crash is unknown.
			opts = append(opts, store.WithProcessingMS(max(time.Since(*job.StartedAt).Milliseconds(), 0)))
		}
		err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, opts...)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return rep, storeErr(err)
		}
		s.mirrorStatus(ctx, job.OwnerID, job.ID, models.JobStatusFailed)
		rep.Failed++
	}

	pending, err := s.store.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return rep, storeErr(err)
	}
	for _, job := range pending {
		s.enqueue(ctx, job)
		rep.Requeued++
	}

	if rep.Failed > 0 || rep.Requeued > 0 {
		slog.InfoContext(ctx, "recovered scans", "failed", rep.Failed, "requeued", rep.Requeued)
	}
	return rep, nil
}

// storeErr maps store errors onto the service's error set.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
