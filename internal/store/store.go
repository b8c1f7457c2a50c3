// Package store persists the device table and the job ledger. The
// registry and dispatcher own the live state; the store is the
// write-behind snapshot that survives restarts.
package store

import (
	"context"
	"errors"

	"github.com/kmbridge/kmbridge/internal/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// JobFilter narrows ListJobs. Zero values mean no constraint.
type JobFilter struct {
	DeviceID string
	Status   models.JobStatus
	Limit    int
}

type Store interface {
	// Devices
	SaveDevice(ctx context.Context, dev *models.Device) error
	DeleteDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]*models.Device, error)

	// Jobs
	SaveJob(ctx context.Context, job *models.PrintJob) error
	GetJob(ctx context.Context, id string) (*models.PrintJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.PrintJob, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Remote dedupe ledger: remote job ids already admitted from a
	// given source, so polling the same endpoint twice cannot create
	// duplicate jobs.
	SeenRemoteJob(ctx context.Context, source, remoteID string) (bool, error)
	MarkRemoteJob(ctx context.Context, source, remoteID string) error

	Close() error
}
