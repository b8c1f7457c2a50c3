package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
)

func TestMemoryDevices(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	dev := &models.Device{ID: "dev-1", Address: "192.0.2.10", Model: "C654e"}
	if err := m.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	// Mutating the original must not leak into the stored copy.
	dev.Model = "changed"

	list, err := m.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListDevices() len = %d, want 1", len(list))
	}
	if list[0].Model != "C654e" {
		t.Errorf("stored Model = %q, want C654e", list[0].Model)
	}

	if err := m.DeleteDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if err := m.DeleteDevice(ctx, "dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDevice() = %v, want ErrNotFound", err)
	}
}

func TestMemoryJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Now()
	jobs := []*models.PrintJob{
		{ID: "j-1", DeviceID: "dev-1", Status: models.JobQueued, CreatedAt: base},
		{ID: "j-2", DeviceID: "dev-1", Status: models.JobCompleted, CreatedAt: base.Add(time.Second)},
		{ID: "j-3", DeviceID: "dev-2", Status: models.JobQueued, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, j := range jobs {
		if err := m.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob(%s) error = %v", j.ID, err)
		}
	}

	got, err := m.GetJob(ctx, "j-2")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Errorf("GetJob().Status = %v", got.Status)
	}

	if _, err := m.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}

	byDevice, err := m.ListJobs(ctx, JobFilter{DeviceID: "dev-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDevice) != 2 {
		t.Errorf("ListJobs(dev-1) len = %d, want 2", len(byDevice))
	}
	// Newest first.
	if byDevice[0].ID != "j-2" {
		t.Errorf("ListJobs()[0].ID = %q, want j-2", byDevice[0].ID)
	}

	queued, err := m.ListJobs(ctx, JobFilter{Status: models.JobQueued})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Errorf("ListJobs(queued) len = %d, want 2", len(queued))
	}

	limited, err := m.ListJobs(ctx, JobFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "j-3" {
		t.Errorf("ListJobs(limit 1) = %+v", limited)
	}

	counts, err := m.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.JobQueued] != 2 || counts[models.JobCompleted] != 1 {
		t.Errorf("CountJobsByStatus() = %v", counts)
	}
}

func TestMemoryRemoteLedger(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seen, err := m.SeenRemoteJob(ctx, "hub-a", "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("SeenRemoteJob() = true before Mark")
	}

	if err := m.MarkRemoteJob(ctx, "hub-a", "r-1"); err != nil {
		t.Fatal(err)
	}

	seen, err = m.SeenRemoteJob(ctx, "hub-a", "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("SeenRemoteJob() = false after Mark")
	}

	// The same remote id from a different source is a different job.
	seen, _ = m.SeenRemoteJob(ctx, "hub-b", "r-1")
	if seen {
		t.Error("remote id leaked across sources")
	}
}
