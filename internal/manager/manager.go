// Package manager owns the device lifecycle: discovery intake, manual
// registration, health probing and job admission.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/discovery"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/registry"
	"github.com/kmbridge/kmbridge/internal/snmp"
	"github.com/kmbridge/kmbridge/internal/store"
)

// Queue accepts admitted jobs for dispatch.
type Queue interface {
	Enqueue(job *models.PrintJob) error
}

var validate = validator.New()

// Options tunes the manager's health loop and adapter construction.
type Options struct {
	AdapterOpts      devices.Options
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HealthInterval == 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.ProbeTimeout == 0 {
		out.ProbeTimeout = 5 * time.Second
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 3
	}
	return out
}

type Manager struct {
	registry *registry.Registry
	scanner  *discovery.Scanner
	store    store.Store
	events   *channels.EventChannels
	logger   *slog.Logger
	opts     Options
	queue    Queue
}

func New(reg *registry.Registry, scanner *discovery.Scanner, st store.Store, events *channels.EventChannels, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		registry: reg,
		scanner:  scanner,
		store:    st,
		events:   events,
		logger:   logger.With(slog.String("component", "manager")),
		opts:     opts.withDefaults(),
	}
}

// SetQueue wires the dispatcher in after construction; the dispatcher
// needs the registry, so the two cannot be built in one step.
func (m *Manager) SetQueue(q Queue) {
	m.queue = q
}

// DiscoverNetwork scans a CIDR block, range or single address and
// registers everything it finds.
func (m *Manager) DiscoverNetwork(ctx context.Context, target string) ([]*models.Device, error) {
	results, err := m.scanner.Scan(ctx, target)
	if err != nil {
		return nil, err
	}
	return m.register(ctx, results), nil
}

// DiscoverAddresses probes a fixed list of addresses and registers
// everything it finds.
func (m *Manager) DiscoverAddresses(ctx context.Context, addresses []string) ([]*models.Device, error) {
	for _, a := range addresses {
		if err := discovery.ValidateTarget(a); err != nil {
			return nil, fmt.Errorf("address %q: %w", a, err)
		}
	}
	return m.register(ctx, m.scanner.ScanAddresses(ctx, addresses)), nil
}

func (m *Manager) register(ctx context.Context, results []discovery.Result) []*models.Device {
	var out []*models.Device
	for _, r := range results {
		dev, err := m.registerOne(ctx, r)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to register device",
				slog.String("address", r.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, dev)
	}
	return out
}

func (m *Manager) registerOne(ctx context.Context, r discovery.Result) (*models.Device, error) {
	dev := &models.Device{
		ID:            uuid.NewString(),
		Address:       r.Address,
		Model:         r.Model,
		Adapter:       r.Adapter,
		Controller:    controllerFor(r.Adapter),
		Status:        models.StatusOnline,
		AdminPassword: r.Password,
	}

	if r.AuthErr != nil {
		dev.Status = models.StatusError
		dev.StatusReason = devices.KindOf(r.AuthErr).String()
	}

	adapter, err := devices.New(dev, m.opts.AdapterOpts)
	if err != nil {
		return nil, err
	}
	if caps, err := adapter.Capabilities(ctx); err == nil {
		dev.Capabilities = *caps
	}

	rec, created := m.registry.Upsert(dev, adapter)
	if err := m.store.SaveDevice(ctx, rec.Device); err != nil {
		m.logger.WarnContext(ctx, "failed to persist device",
			slog.String("device_id", rec.Device.ID),
			slog.String("error", err.Error()),
		)
	}

	m.events.PublishDeviceDiscovered(channels.DeviceDiscoveredEvent{
		DeviceID:  rec.Device.ID,
		Address:   rec.Device.Address,
		Model:     rec.Device.Model,
		Adapter:   rec.Device.Adapter,
		New:       created,
		Timestamp: time.Now(),
	})
	m.logger.InfoContext(ctx, "device registered",
		slog.String("device_id", rec.Device.ID),
		slog.String("address", rec.Device.Address),
		slog.String("model", rec.Device.Model),
		slog.Bool("new", created),
	)
	return rec.Device, nil
}

func controllerFor(kind models.AdapterKind) models.ControllerType {
	if kind == models.AdapterManaged {
		return models.ControllerManaged
	}
	return models.ControllerDirect
}

// AddDevice registers a device at a known address without scanning.
// When the adapter kind is empty the device is classified over SNMP.
func (m *Manager) AddDevice(ctx context.Context, address, password string, kind models.AdapterKind) (*models.Device, error) {
	if err := discovery.ValidateTarget(address); err != nil {
		return nil, err
	}

	r := discovery.Result{
		Address:       address,
		Adapter:       kind,
		Password:      password,
		PasswordFound: password != "",
	}
	if kind == "" {
		if m.opts.AdapterOpts.SNMP == nil {
			return nil, fmt.Errorf("adapter kind required when snmp is not configured")
		}
		info, err := m.opts.AdapterOpts.SNMP.Describe(address)
		if err != nil {
			return nil, devices.E(devices.KindUnreachable, "", err)
		}
		model, k, ok := discovery.Classify(info.SysDescr)
		if !ok {
			return nil, fmt.Errorf("device at %s is not a recognized printer: %s", address, info.SysDescr)
		}
		r.Model = model
		r.Adapter = k
		r.SysDescr = info.SysDescr
	}

	return m.registerOne(ctx, r)
}

// List returns all registered devices.
func (m *Manager) List() []*models.Device {
	recs := m.registry.List()
	out := make([]*models.Device, 0, len(recs))
	for _, rec := range recs {
		rec.Mu.Lock()
		cp := *rec.Device
		rec.Mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// Get returns one device by id.
func (m *Manager) Get(id string) (*models.Device, bool) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return nil, false
	}
	rec.Mu.Lock()
	cp := *rec.Device
	rec.Mu.Unlock()
	return &cp, true
}

// Remove deletes a device from the registry and the store.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if !m.registry.Remove(id) {
		return store.ErrNotFound
	}
	if err := m.store.DeleteDevice(ctx, id); err != nil && err != store.ErrNotFound {
		return err
	}
	return nil
}

// Status probes one device live.
func (m *Manager) Status(ctx context.Context, id string) (*models.StatusInfo, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Mu.Lock()
	defer rec.Mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return rec.Adapter.Status(ctx)
}

// Test runs the device family's connectivity checks.
func (m *Manager) Test(ctx context.Context, id string) (map[string]models.CheckResult, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	return rec.Adapter.TestConnection(ctx), nil
}

// AdmitJob validates a submission against the device's capabilities
// and queues it. A capability mismatch is rejected before any job
// record exists.
func (m *Manager) AdmitJob(ctx context.Context, deviceID, title string, payload []byte, settings models.PrintSettings) (*models.PrintJob, error) {
	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return nil, store.ErrNotFound
	}

	rec.Mu.Lock()
	dev := *rec.Device
	rec.Mu.Unlock()

	settings.Normalize()
	if err := validate.Struct(&settings); err != nil {
		return nil, fmt.Errorf("invalid print settings: %w", err)
	}
	if err := checkCapabilities(&dev, settings); err != nil {
		return nil, err
	}
	if m.queue == nil {
		return nil, fmt.Errorf("dispatcher not wired")
	}

	now := time.Now()
	job := &models.PrintJob{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Title:     title,
		Payload:   payload,
		Settings:  settings,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(job); err != nil {
		// The record is already persisted; fail it rather than leave a
		// queued job nothing will ever pick up.
		job.Status = models.JobFailed
		job.LastError = err.Error()
		job.UpdatedAt = time.Now()
		if saveErr := m.store.SaveJob(ctx, job); saveErr != nil {
			m.logger.WarnContext(ctx, "failed to persist rejected job",
				slog.String("job_id", job.ID),
				slog.String("error", saveErr.Error()),
			)
		}
		return nil, err
	}
	m.events.PublishJobState(channels.JobStateEvent{
		JobID:     job.ID,
		DeviceID:  deviceID,
		Current:   models.JobQueued,
		Timestamp: now,
	})
	return job, nil
}

func checkCapabilities(dev *models.Device, settings models.PrintSettings) error {
	caps := dev.Capabilities

	if dev.Adapter == models.AdapterMonitor {
		return devices.Ef(devices.KindCapabilityMismatch, dev.ID, "device is monitor-only and cannot accept jobs")
	}
	if settings.ColorMode == models.ColorModeColor && !caps.Color {
		return devices.Ef(devices.KindCapabilityMismatch, dev.ID, "device does not support color output")
	}
	if settings.Duplex != models.DuplexSimplex && !caps.Duplex {
		return devices.Ef(devices.KindCapabilityMismatch, dev.ID, "device does not support duplex output")
	}
	if settings.PaperSize != "" && !settings.PaperSize.Fits(caps.MaxPaperSize) {
		return devices.Ef(devices.KindCapabilityMismatch, dev.ID, "paper size %s exceeds device maximum %s", settings.PaperSize, caps.MaxPaperSize)
	}
	return nil
}

// Run drives the health loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "health loop starting",
		slog.Duration("interval", m.opts.HealthInterval),
		slog.Int("failure_threshold", m.opts.FailureThreshold),
	)

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "health loop shutting down",
				slog.String("reason", ctx.Err().Error()),
			)
			return ctx.Err()
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one health pass over every registered device. Probes
// fan out so one slow device cannot stall the pass; the record lock
// keeps each device to a single probe at a time.
func (m *Manager) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rec := range m.registry.List() {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(rec *registry.Record) {
			defer wg.Done()
			m.probeOne(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

func (m *Manager) probeOne(ctx context.Context, rec *registry.Record) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	info, err := rec.Adapter.Status(probeCtx)
	cancel()

	dev := rec.Device
	dev.LastProbe = time.Now()

	if err == nil && info.Reachable {
		dev.Failures = 0

		// Capabilities can change between probes (finisher detached,
		// trays reconfigured), so refresh them while the device is up.
		capCtx, capCancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		caps, capErr := rec.Adapter.Capabilities(capCtx)
		capCancel()
		if capErr == nil {
			dev.Capabilities = *caps
		}

		if dev.Status == models.StatusOffline || dev.Status == models.StatusUnknown {
			m.transition(ctx, dev, models.StatusOnline, "probe succeeded")
			return
		}
		if err := m.store.SaveDevice(ctx, dev); err != nil {
			m.logger.WarnContext(ctx, "failed to persist probe result",
				slog.String("device_id", dev.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	dev.Failures++
	reason := "probe failed"
	if err != nil {
		reason = err.Error()
	}
	if dev.Failures >= m.opts.FailureThreshold && dev.Status != models.StatusOffline {
		m.transition(ctx, dev, models.StatusOffline, reason)
	}
}

// transition flips a device's status, persists the snapshot and
// publishes the state event. Callers hold the record lock.
func (m *Manager) transition(ctx context.Context, dev *models.Device, to models.DeviceStatus, reason string) {
	prev := dev.Status
	dev.Status = to
	dev.StatusReason = reason

	if err := m.store.SaveDevice(ctx, dev); err != nil {
		m.logger.WarnContext(ctx, "failed to persist status change",
			slog.String("device_id", dev.ID),
			slog.String("error", err.Error()),
		)
	}
	m.events.PublishDeviceState(channels.DeviceStateEvent{
		DeviceID:  dev.ID,
		Address:   dev.Address,
		Previous:  prev,
		Current:   to,
		Reason:    reason,
		Failures:  dev.Failures,
		Timestamp: time.Now(),
	})
	m.logger.InfoContext(ctx, "device state changed",
		slog.String("device_id", dev.ID),
		slog.String("address", dev.Address),
		slog.String("from", string(prev)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
}

// Restore rebuilds the registry from the persisted device table. Used
// at startup before discovery runs.
func (m *Manager) Restore(ctx context.Context) error {
	devs, err := m.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devs {
		dev.Status = models.StatusUnknown
		dev.StatusReason = "restored"
		adapter, err := devices.New(dev, m.opts.AdapterOpts)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping restored device with unknown adapter",
				slog.String("device_id", dev.ID),
				slog.String("adapter", string(dev.Adapter)),
			)
			continue
		}
		m.registry.Upsert(dev, adapter)
	}

	// Jobs that were in flight when the process stopped lost their
	// payloads with it; fail them rather than leave them stuck.
	failed := 0
	for _, status := range []models.JobStatus{models.JobQueued, models.JobDispatching, models.JobPrinting} {
		jobs, err := m.store.ListJobs(ctx, store.JobFilter{Status: status})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			job.Status = models.JobFailed
			job.LastError = "interrupted by restart"
			job.UpdatedAt = time.Now()
			if err := m.store.SaveJob(ctx, job); err != nil {
				m.logger.WarnContext(ctx, "failed to mark orphaned job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			failed++
		}
	}

	m.logger.InfoContext(ctx, "registry restored",
		slog.Int("devices", m.registry.Len()),
		slog.Int("orphaned_jobs_failed", failed),
	)
	return nil
}

// SNMPProber exposes the configured prober for components that report
// fleet-level health.
func (m *Manager) SNMPProber() snmp.Prober {
	return m.opts.AdapterOpts.SNMP
}
