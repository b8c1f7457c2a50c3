// Package dispatch runs the per-device job queues. Each device gets
// one worker goroutine, so jobs for a device execute strictly in
// submission order while different devices print in parallel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/registry"
	"github.com/kmbridge/kmbridge/internal/store"
)

// Options tunes retry and queue behavior.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PollInterval spaces the device status polls that follow a
	// successful submission.
	PollInterval time.Duration
	JobTimeout   time.Duration
	QueueSize    int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffCap == 0 {
		out.BackoffCap = 30 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.JobTimeout == 0 {
		out.JobTimeout = 5 * time.Minute
	}
	if out.QueueSize == 0 {
		out.QueueSize = 100
	}
	return out
}

type Dispatcher struct {
	registry *registry.Registry
	store    store.Store
	events   *channels.EventChannels
	logger   *slog.Logger
	opts     Options

	mu      sync.Mutex
	queues  map[string]chan *models.PrintJob
	ctx     context.Context
	started bool
	wg      sync.WaitGroup

	// cancelled holds job ids whose cancellation was requested but not
	// yet observed by a worker.
	cancelled sync.Map
}

func New(reg *registry.Registry, st store.Store, events *channels.EventChannels, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    st,
		events:   events,
		logger:   logger.With(slog.String("component", "dispatch")),
		opts:     opts.withDefaults(),
		queues:   make(map[string]chan *models.PrintJob),
	}
}

// Run anchors the worker goroutines to a context. Workers exit when
// the context is cancelled; Run blocks until they have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.started = true
	d.mu.Unlock()

	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

// Enqueue hands an admitted job to its device's queue. The per-device
// channel preserves FIFO order.
func (d *Dispatcher) Enqueue(job *models.PrintJob) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	q, ok := d.queues[job.DeviceID]
	if !ok {
		q = make(chan *models.PrintJob, d.opts.QueueSize)
		d.queues[job.DeviceID] = q
		d.wg.Add(1)
		go d.worker(d.ctx, job.DeviceID, q)
	}
	d.mu.Unlock()

	select {
	case q <- job:
		return nil
	default:
		return fmt.Errorf("device queue full (%d jobs pending)", d.opts.QueueSize)
	}
}

// Cancel requests cancellation of a job. Queued jobs are dropped
// before dispatch; a job already at the device is cancelled through
// the adapter when the controller supports it.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	d.cancelled.Store(jobID, true)

	if job.RemoteID != "" {
		if rec, ok := d.registry.Get(job.DeviceID); ok {
			rec.Mu.Lock()
			err := rec.Adapter.CancelJob(ctx, job.RemoteID)
			rec.Mu.Unlock()
			if err != nil {
				d.logger.WarnContext(ctx, "device-side cancel failed",
					slog.String("job_id", jobID),
					slog.String("remote_id", job.RemoteID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	d.setStatus(ctx, job, models.JobCancelled, "cancelled by operator")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, deviceID string, q chan *models.PrintJob) {
	defer d.wg.Done()
	logger := d.logger.With(slog.String("device_id", deviceID))
	logger.InfoContext(ctx, "device worker starting")

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "device worker shutting down")
			return
		case job := <-q:
			if _, cancelled := d.cancelled.LoadAndDelete(job.ID); cancelled {
				// Cancel already finalized the job.
				continue
			}
			d.process(ctx, job, logger)
		}
	}
}

var errJobCancelled = devices.Ef(devices.KindCancelled, "", "job cancelled")

func (d *Dispatcher) process(ctx context.Context, job *models.PrintJob, logger *slog.Logger) {
	rec, ok := d.registry.Get(job.DeviceID)
	if !ok {
		// The device was removed between admission and dispatch.
		d.setStatus(ctx, job, models.JobFailed, "device no longer registered")
		return
	}

	backoff := retry.WithCappedDuration(d.opts.BackoffCap, retry.NewExponential(d.opts.BackoffBase))
	backoff = retry.WithMaxRetries(uint64(d.opts.MaxRetries), backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if _, cancelled := d.cancelled.LoadAndDelete(job.ID); cancelled {
			return errJobCancelled
		}

		d.setStatus(ctx, job, models.JobDispatching, "")

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
		defer cancel()

		rec.Mu.Lock()
		remoteID, err := rec.Adapter.SubmitJob(attemptCtx, job)
		rec.Mu.Unlock()

		if err == nil {
			job.RemoteID = remoteID
			return nil
		}

		if devices.Retryable(err) {
			// The count tracks retries actually taken, so the last
			// exhausted attempt does not bump it past the limit.
			if attempt <= d.opts.MaxRetries {
				job.RetryCount = attempt
			}
			d.setStatus(ctx, job, models.JobQueued, err.Error())
			logger.WarnContext(ctx, "job attempt failed, backing off",
				slog.String("job_id", job.ID),
				slog.Int("retry", job.RetryCount),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		d.setStatus(ctx, job, models.JobPrinting, "")
		err = d.awaitCompletion(ctx, rec, job)
		switch {
		case devices.IsKind(err, devices.KindCancelled):
			// Cancel already persisted the terminal state.
			return
		case err != nil:
			d.setStatus(ctx, job, models.JobFailed, err.Error())
			logger.ErrorContext(ctx, "job did not finish at the device",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		d.setStatus(ctx, job, models.JobCompleted, "")
		logger.InfoContext(ctx, "job completed",
			slog.String("job_id", job.ID),
			slog.String("remote_id", job.RemoteID),
			slog.Int("retries", job.RetryCount),
		)
	case devices.IsKind(err, devices.KindCancelled):
		// Cancel already persisted the terminal state.
		logger.InfoContext(ctx, "job cancelled before dispatch",
			slog.String("job_id", job.ID),
		)
	default:
		d.setStatus(ctx, job, models.JobFailed, err.Error())
		logger.ErrorContext(ctx, "job failed",
			slog.String("job_id", job.ID),
			slog.Int("retries", job.RetryCount),
			slog.String("error", err.Error()),
		)
	}
}

// awaitCompletion polls device status until the engine reports an
// idle-like state. Probe errors are tolerated while waiting: a busy
// engine often drops web requests mid-page.
func (d *Dispatcher) awaitCompletion(ctx context.Context, rec *registry.Record, job *models.PrintJob) error {
	deadline := time.NewTimer(d.opts.JobTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, cancelled := d.cancelled.LoadAndDelete(job.ID); cancelled {
			return errJobCancelled
		}

		rec.Mu.Lock()
		info, err := rec.Adapter.Status(ctx)
		rec.Mu.Unlock()
		if err == nil && info.PrinterState != "printing" && info.PrinterState != "warmup" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("device did not report completion within %s", d.opts.JobTimeout)
		case <-ticker.C:
		}
	}
}

// setStatus persists a job transition and publishes the event.
func (d *Dispatcher) setStatus(ctx context.Context, job *models.PrintJob, to models.JobStatus, reason string) {
	prev := job.Status
	job.Status = to
	job.LastError = reason
	job.UpdatedAt = time.Now()

	if err := d.store.SaveJob(ctx, job); err != nil {
		d.logger.WarnContext(ctx, "failed to persist job transition",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	d.events.PublishJobState(channels.JobStateEvent{
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		RemoteID:  job.RemoteID,
		Previous:  prev,
		Current:   to,
		Error:     reason,
		Timestamp: job.UpdatedAt,
	})
}
