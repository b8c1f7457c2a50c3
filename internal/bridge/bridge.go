package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/store"
)

// Admitter accepts jobs pulled from remote endpoints. The manager
// implements it.
type Admitter interface {
	AdmitJob(ctx context.Context, deviceID, title string, payload []byte, settings models.PrintSettings) (*models.PrintJob, error)
}

// Options configures both directions of the bridge.
type Options struct {
	WebhookEndpoints []string
	PollEndpoints    []string
	PollInterval     time.Duration
	APIKey           string
	SigningSecret    string
	MaxAttempts      int
	BackoffBase      time.Duration
	RequestTimeout   time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval == 0 {
		out.PollInterval = 30 * time.Second
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	return out
}

// WebhookPayload is the envelope sent to webhook endpoints.
type WebhookPayload struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
}

// RemoteJob is one pending job in a poll response.
type RemoteJob struct {
	ID       string               `json:"id"`
	DeviceID string               `json:"device_id"`
	Title    string               `json:"title"`
	Payload  []byte               `json:"payload"`
	Settings models.PrintSettings `json:"settings"`
}

type pollResponse struct {
	Jobs []RemoteJob `json:"jobs"`
}

// Bridge consumes fleet events, delivers them to webhook endpoints and
// pulls pending jobs from poll endpoints.
type Bridge struct {
	opts     Options
	events   *channels.EventChannels
	admitter Admitter
	ledger   store.Store
	client   *http.Client
	logger   *slog.Logger
}

func New(opts Options, events *channels.EventChannels, admitter Admitter, ledger store.Store, logger *slog.Logger) *Bridge {
	o := opts.withDefaults()
	return &Bridge{
		opts:     o,
		events:   events,
		admitter: admitter,
		ledger:   ledger,
		client:   &http.Client{Timeout: o.RequestTimeout},
		logger:   logger.With(slog.String("component", "bridge")),
	}
}

// Run consumes events and drives the poll loop until the context is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.InfoContext(ctx, "bridge starting",
		slog.Int("webhooks", len(b.opts.WebhookEndpoints)),
		slog.Int("poll_endpoints", len(b.opts.PollEndpoints)),
	)

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "bridge shutting down")
			return ctx.Err()

		case ev, ok := <-b.events.DeviceDiscovered:
			if !ok {
				return fmt.Errorf("device discovered channel closed")
			}
			b.Notify(ctx, "device_discovered", ev)

		case ev, ok := <-b.events.DeviceState:
			if !ok {
				return fmt.Errorf("device state channel closed")
			}
			b.Notify(ctx, "device_status_changed", ev)

		case ev, ok := <-b.events.JobState:
			if !ok {
				return fmt.Errorf("job state channel closed")
			}
			// Only terminal transitions leave the building.
			if ev.Current.Terminal() {
				b.Notify(ctx, "job_"+string(ev.Current), ev)
			}

		case ev, ok := <-b.events.System:
			if !ok {
				return fmt.Errorf("system channel closed")
			}
			b.Notify(ctx, ev.Kind, ev)

		case <-ticker.C:
			b.PollOnce(ctx)
		}
	}
}

// Notify delivers one event to every webhook endpoint, each with
// bounded retries.
func (b *Bridge) Notify(ctx context.Context, eventType string, data any) {
	if len(b.opts.WebhookEndpoints) == 0 {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to marshal webhook data",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	body, err := json.Marshal(WebhookPayload{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		Source:    "kmbridge",
	})
	if err != nil {
		return
	}

	for _, url := range b.opts.WebhookEndpoints {
		if err := b.deliver(ctx, url, body); err != nil {
			b.logger.WarnContext(ctx, "webhook delivery failed",
				slog.String("url", url),
				slog.String("event_type", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, url string, body []byte) error {
	backoff := retry.WithMaxRetries(uint64(b.opts.MaxAttempts-1), retry.NewExponential(b.opts.BackoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		b.sign(req, body)

		resp, err := b.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("endpoint returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("endpoint rejected webhook with %d", resp.StatusCode)
		}
	})
}

func (b *Bridge) sign(req *http.Request, body []byte) {
	if b.opts.APIKey != "" {
		req.Header.Set(HeaderAPIKey, b.opts.APIKey)
	}
	if b.opts.SigningSecret != "" {
		ts := Timestamp(time.Now())
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature,
			Sign([]byte(b.opts.SigningSecret), req.Method, req.URL.String(), ts, body))
	}
}

// PollOnce queries every poll endpoint for pending jobs and admits the
// ones not seen before.
func (b *Bridge) PollOnce(ctx context.Context) {
	for _, url := range b.opts.PollEndpoints {
		if err := b.pollEndpoint(ctx, url); err != nil {
			b.logger.WarnContext(ctx, "poll failed",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bridge) pollEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	b.sign(req, nil)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("poll endpoint returned %d", resp.StatusCode)
	}

	var parsed pollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode poll response: %w", err)
	}

	for _, rj := range parsed.Jobs {
		if err := b.admitRemote(ctx, url, rj); err != nil {
			b.logger.WarnContext(ctx, "failed to admit remote job",
				slog.String("url", url),
				slog.String("remote_id", rj.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// admitRemote admits one remote job unless its id was already seen
// from this source. The ledger mark happens before admission: a job
// that fails admission is reported, not silently re-run on the next
// poll.
func (b *Bridge) admitRemote(ctx context.Context, source string, rj RemoteJob) error {
	if rj.ID == "" {
		return fmt.Errorf("remote job without id")
	}

	seen, err := b.ledger.SeenRemoteJob(ctx, source, rj.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	if err := b.ledger.MarkRemoteJob(ctx, source, rj.ID); err != nil {
		return err
	}

	job, err := b.admitter.AdmitJob(ctx, rj.DeviceID, rj.Title, rj.Payload, rj.Settings)
	if err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "remote job admitted",
		slog.String("remote_id", rj.ID),
		slog.String("job_id", job.ID),
		slog.String("device_id", rj.DeviceID),
	)
	return nil
}
