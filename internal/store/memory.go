package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kmbridge/kmbridge/internal/models"
)

// Memory is the in-process Store used when no database is configured
// and in tests.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	jobs    map[string]*models.PrintJob
	remotes map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*models.Device),
		jobs:    make(map[string]*models.PrintJob),
		remotes: make(map[string]bool),
	}
}

func (m *Memory) SaveDevice(ctx context.Context, dev *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.ID] = &cp
	return nil
}

func (m *Memory) DeleteDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *Memory) ListDevices(ctx context.Context) ([]*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *Memory) SaveJob(ctx context.Context, job *models.PrintJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*models.PrintJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PrintJob
	for _, j := range m.jobs {
		if filter.DeviceID != "" && j.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.JobStatus]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *Memory) SeenRemoteJob(ctx context.Context, source, remoteID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remotes[source+"\x00"+remoteID], nil
}

func (m *Memory) MarkRemoteJob(ctx context.Context, source, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[source+"\x00"+remoteID] = true
	return nil
}

func (m *Memory) Close() error { return nil }
