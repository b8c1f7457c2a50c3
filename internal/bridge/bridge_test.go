package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/store"
)

const testSecret = "bridge-signing-secret"

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte(testSecret)
	body := []byte(`{"event":"x"}`)
	now := time.Now()
	ts := Timestamp(now)

	sig := Sign(secret, "POST", "http://hub.example/hook", ts, body)

	if err := Verify(secret, "POST", "http://hub.example/hook", ts, body, sig, 5*time.Minute, now); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := []byte(testSecret)
	now := time.Now()
	ts := Timestamp(now)
	sig := Sign(secret, "POST", "http://hub.example/hook", ts, []byte("original"))

	if err := Verify(secret, "POST", "http://hub.example/hook", ts, []byte("tampered"), sig, 5*time.Minute, now); err == nil {
		t.Fatal("Verify() accepted a tampered body")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	secret := []byte(testSecret)
	signed := time.Now().Add(-6 * time.Minute)
	ts := Timestamp(signed)
	body := []byte("payload")
	sig := Sign(secret, "POST", "http://hub.example/hook", ts, body)

	err := Verify(secret, "POST", "http://hub.example/hook", ts, body, sig, 5*time.Minute, time.Now())
	if err == nil {
		t.Fatal("Verify() accepted a stale timestamp")
	}
}

func TestVerifyRejectsMovedTimestamp(t *testing.T) {
	secret := []byte(testSecret)
	signed := time.Now().Add(-6 * time.Minute)
	body := []byte("payload")
	sig := Sign(secret, "POST", "http://hub.example/hook", Timestamp(signed), body)

	// Refreshing the timestamp without re-signing must fail.
	err := Verify(secret, "POST", "http://hub.example/hook", Timestamp(time.Now()), body, sig, 5*time.Minute, time.Now())
	if err == nil {
		t.Fatal("Verify() accepted a moved timestamp")
	}
}

func newTestBridge(opts Options, admitter Admitter) *Bridge {
	events := channels.NewEventChannels(channels.DefaultConfig())
	return New(opts, events, admitter, store.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifySignsAndDelivers(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotTS, gotSig, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotSig = r.Header.Get(HeaderSignature)
		gotKey = r.Header.Get(HeaderAPIKey)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := newTestBridge(Options{
		WebhookEndpoints: []string{srv.URL},
		SigningSecret:    testSecret,
		APIKey:           "key-1",
		BackoffBase:      time.Millisecond,
	}, nil)

	b.Notify(context.Background(), "device_discovered", map[string]string{"device_id": "dev-1"})

	mu.Lock()
	defer mu.Unlock()
	if gotKey != "key-1" {
		t.Errorf("api key header = %q", gotKey)
	}
	if err := Verify([]byte(testSecret), "POST", srv.URL, gotTS, gotBody, gotSig, 5*time.Minute, time.Now()); err != nil {
		t.Errorf("delivered signature does not verify: %v", err)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload.EventType != "device_discovered" {
		t.Errorf("EventType = %q", payload.EventType)
	}
	if payload.Source != "kmbridge" {
		t.Errorf("Source = %q", payload.Source)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBridge(Options{
		WebhookEndpoints: []string{srv.URL},
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
	}, nil)

	if err := b.deliver(context.Background(), srv.URL, []byte("{}")); err != nil {
		t.Fatalf("deliver() error = %v after retries", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := newTestBridge(Options{
		WebhookEndpoints: []string{srv.URL},
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
	}, nil)

	if err := b.deliver(context.Background(), srv.URL, []byte("{}")); err == nil {
		t.Fatal("deliver() = nil, want error after exhausted attempts")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	b := newTestBridge(Options{
		WebhookEndpoints: []string{srv.URL},
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
	}, nil)

	if err := b.deliver(context.Background(), srv.URL, []byte("{}")); err == nil {
		t.Fatal("deliver() = nil, want error")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a 4xx", attempts)
	}
}

type recordingAdmitter struct {
	mu   sync.Mutex
	jobs []string
}

func (a *recordingAdmitter) AdmitJob(ctx context.Context, deviceID, title string, payload []byte, settings models.PrintSettings) (*models.PrintJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, title)
	return &models.PrintJob{ID: "local-" + title, DeviceID: deviceID}, nil
}

func (a *recordingAdmitter) admitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.jobs...)
}

func TestPollAdmitsAndDedupes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := pollResponse{Jobs: []RemoteJob{
			{ID: "r-1", DeviceID: "dev-1", Title: "invoice", Payload: []byte("%PDF")},
			{ID: "r-2", DeviceID: "dev-1", Title: "label", Payload: []byte("%PDF")},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	admitter := &recordingAdmitter{}
	b := newTestBridge(Options{PollEndpoints: []string{srv.URL}}, admitter)

	// Poll twice: the second pass must not re-admit anything.
	b.PollOnce(context.Background())
	b.PollOnce(context.Background())

	got := admitter.admitted()
	if len(got) != 2 {
		t.Fatalf("admitted = %v, want exactly 2 jobs", got)
	}
}

func TestPollHandlesNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	admitter := &recordingAdmitter{}
	b := newTestBridge(Options{PollEndpoints: []string{srv.URL}}, admitter)
	b.PollOnce(context.Background())

	if len(admitter.admitted()) != 0 {
		t.Error("jobs admitted from an empty poll")
	}
}
