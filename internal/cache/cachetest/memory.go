// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/internal/cache"
)

// Memory satisfies cache.Cache. TTLs are ignored. Err, when set, fails every
// call; SetErr fails only SetJobStatus.
type Memory struct {
	mu       sync.Mutex
	statuses map[string]string
	counters map[string]int64
	Err      error
	SetErr   error
}

func NewMemory() *Memory {
	return &Memory{
		statuses: make(map[string]string),
		counters: make(map[string]int64),
	}
}

var _ cache.Cache = (*Memory)(nil)

func (m *Memory) Ping(_ context.Context) error { return m.Err }

func (m *Memory) SetJobStatus(_ context.Context, ownerID, jobID uuid.UUID, status string, _ time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cache.JobStatusKey(ownerID, jobID)
	if cur, ok := m.statuses[key]; ok && !cache.StatusAdvances(cur, status) {
		return nil
	}
	m.statuses[key] = status
	return nil
}

func (m *Memory) GetJobStatus(_ context.Context, ownerID, jobID uuid.UUID) (string, bool, error) {
	if m.Err != nil {
		return "", false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[cache.JobStatusKey(ownerID, jobID)]
	return s, ok, nil
}

func (m *Memory) DeleteJobStatus(_ context.Context, ownerID, jobID uuid.UUID) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, cache.JobStatusKey(ownerID, jobID))
	return nil
}

func (m *Memory) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}
