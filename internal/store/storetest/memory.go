// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// Memory satisfies store.Store. It applies the same transition rules as the
// Postgres store. Set the Err fields to make the matching calls fail.
type Memory struct {
	mu     sync.Mutex
	owners map[uuid.UUID]*models.Owner
	keys   map[uuid.UUID]*models.APIKey
	jobs   map[uuid.UUID]*models.Job

	PingErr      error
	CreateJobErr error
	GetJobErr    error
	ListJobsErr  error
	UpdateErr    error
	DeleteErr    error

	// OnUpdate, when set, runs before every UpdateJobStatus.
	OnUpdate func(id uuid.UUID, status string)
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		owners: make(map[uuid.UUID]*models.Owner),
		keys:   make(map[uuid.UUID]*models.APIKey),
		jobs:   make(map[uuid.UUID]*models.Job),
	}
}

var _ store.Store = (*Memory)(nil)

func (m *Memory) Ping(_ context.Context) error { return m.PingErr }

func (m *Memory) CreateOwner(_ context.Context, owner *models.Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.owners {
		if o.ID == owner.ID || o.Name == owner.Name {
			return store.ErrDuplicateKey
		}
	}
	cp := *owner
	m.owners[owner.ID] = &cp
	return nil
}

func (m *Memory) GetOwner(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOwners(_ context.Context) ([]*models.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Owner, 0, len(m.owners))
	for _, o := range m.owners {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *Memory) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	if m.CreateJobErr != nil {
		return m.CreateJobErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.DisplayCode != "" {
		for _, j := range m.jobs {
			if j.DisplayCode == job.DisplayCode {
				return store.ErrDuplicateKey
			}
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	if m.GetJobErr != nil {
		return nil, m.GetJobErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, ownerID uuid.UUID, limit int) ([]*models.Job, error) {
	if m.ListJobsErr != nil {
		return nil, m.ListJobsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID.String() > out[k].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, status string) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	if m.OnUpdate != nil {
		m.OnUpdate(id, status)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	u := store.ApplyJobUpdateOptions(opts...)
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		j.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed:
		j.CompletedAt = &now
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.OverlayPath != nil {
		j.OverlayPath = u.OverlayPath
	}
	if u.HeatmapPath != nil {
		j.HeatmapPath = u.HeatmapPath
	}
	if u.ProcessingMS != nil {
		j.ProcessingMS = u.ProcessingMS
	}
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Job returns a copy of any job regardless of owner, or nil.
func (m *Memory) Job(id uuid.UUID) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return cloneJob(j)
}

// JobCount is the number of stored jobs across all owners.
func (m *Memory) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.Result != nil {
		r := *j.Result
		r.Probabilities = make(map[string]float64, len(j.Result.Probabilities))
		for k, v := range j.Result.Probabilities {
			r.Probabilities[k] = v
		}
		cp.Result = &r
	}
	return &cp
}
