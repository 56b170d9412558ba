package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateOwner(ctx context.Context, owner *models.Owner) error
	GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error)
	ListOwners(ctx context.Context) ([]*models.Owner, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// validTransitions lists the statuses each status may move to.
// Completed and failed are terminal.
var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// predecessors returns every status allowed to move to status.
func predecessors(status string) []string {
	var prev []string
	for from := range validTransitions {
		if CanTransition(from, status) {
			prev = append(prev, from)
		}
	}
	return prev
}

// JobUpdate carries the optional columns written alongside a status change.
type JobUpdate struct {
	ErrorMessage *string
	Result       *models.ScanResult
	OverlayPath  *string
	HeatmapPath  *string
	ProcessingMS *int64
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions folds opts into a JobUpdate.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithResult(r models.ScanResult) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = &r
	}
}

// WithOutputs records the analyzer's overlay and heatmap artifact paths.
func WithOutputs(overlay, heatmap string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.OverlayPath = &overlay
		p.HeatmapPath = &heatmap
	}
}

func WithProcessingMS(ms int64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ProcessingMS = &ms
	}
}
