package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/auth"
	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/config"
	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/discovery"
	"github.com/kmbridge/kmbridge/internal/dispatch"
	"github.com/kmbridge/kmbridge/internal/manager"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/registry"
	"github.com/kmbridge/kmbridge/internal/snmp"
	"github.com/kmbridge/kmbridge/internal/store"
)

type stubProber struct {
	sysDescr string
}

func (p *stubProber) Describe(address string) (*snmp.SystemInfo, error) {
	return &snmp.SystemInfo{SysDescr: p.sysDescr, SysName: "printer"}, nil
}

func (p *stubProber) PrinterStatus(address string) (*snmp.PrinterInfo, error) {
	return &snmp.PrinterInfo{State: "idle", PageCount: 1200}, nil
}

type stubQueue struct {
	jobs []*models.PrintJob
}

func (q *stubQueue) Enqueue(job *models.PrintJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	handler http.Handler
	auth    *auth.Service
	store   store.Store
	manager *manager.Manager
	queue   *stubQueue
	token   string
}

func setupTest(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authService, err := auth.NewService(
		"12345678901234567890123456789012",
		"12345678901234567890123456789012",
		"admin", "secret", time.Hour,
	)
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}

	events := channels.NewEventChannels(channels.DefaultConfig())
	t.Cleanup(func() { events.Close() })

	st := store.NewMemory()
	reg := registry.New()
	prober := &stubProber{sysDescr: "KONICA MINOLTA bizhub 2100 Printer"}
	scanner := discovery.NewScanner(prober, nil, 4, 80, time.Second, logger)

	mgr := manager.New(reg, scanner, st, events, manager.Options{
		AdapterOpts: devices.Options{SNMP: prober},
	}, logger)

	queue := &stubQueue{}
	mgr.SetQueue(queue)

	disp := dispatch.New(reg, st, events, dispatch.Options{}, logger)

	deps := &common.Dependencies{
		Manager:    mgr,
		Dispatcher: disp,
		Store:      st,
		Auth:       authService,
		Events:     events,
		Logger:     logger,
	}

	login, err := authService.Login("admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	return &fixture{
		handler: NewRouter(&config.Config{}, deps),
		auth:    authService,
		store:   st,
		manager: mgr,
		queue:   queue,
		token:   login.Token,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": "admin", "password": "secret",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
	var resp auth.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Error("empty token in login response")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/login", map[string]string{
		"username": "admin", "password": "wrong",
	}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodGet, "/api/v1/devices", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/devices", nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated list status = %d, want 200", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("health status field = %v", resp["status"])
	}
}

func TestDeviceLifecycle(t *testing.T) {
	f := setupTest(t)

	// Manual add with an explicit adapter kind.
	rec := f.do(t, http.MethodPost, "/api/v1/devices", map[string]string{
		"address": "192.0.2.10", "adapter": "rawstream",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body)
	}
	var dev models.Device
	if err := json.NewDecoder(rec.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.ID == "" || dev.Adapter != models.AdapterRawStream {
		t.Fatalf("unexpected device %+v", dev)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+dev.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+dev.ID+"/status", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status probe = %d, body %s", rec.Code, rec.Body)
	}
	var info models.StatusInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if !info.Reachable || info.PrinterState != "idle" {
		t.Errorf("unexpected status info %+v", info)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/devices/"+dev.ID, nil, true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+dev.ID, nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestAddDeviceClassifiedOverSNMP(t *testing.T) {
	f := setupTest(t)

	// No adapter kind: the sysDescr ("bizhub 2100") decides.
	rec := f.do(t, http.MethodPost, "/api/v1/devices", map[string]string{
		"address": "192.0.2.11",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body)
	}
	var dev models.Device
	if err := json.NewDecoder(rec.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.Adapter != models.AdapterRawStream {
		t.Errorf("adapter = %s, want rawstream for a 2100", dev.Adapter)
	}
}

func TestDiscoverAddresses(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices/discover/ips", map[string]interface{}{
		"addresses": []string{"192.0.2.20", "192.0.2.21"},
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("discover status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Data  []models.Device `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d, want 2", resp.Total)
	}
	for _, d := range resp.Data {
		if d.Adapter != models.AdapterRawStream {
			t.Errorf("adapter for %s = %s, want rawstream", d.Address, d.Adapter)
		}
	}
	if got := len(f.manager.List()); got != 2 {
		t.Errorf("registry size = %d, want 2", got)
	}
}

func TestDiscoverNetworkRejectsBadTarget(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices/discover/network", map[string]string{
		"target": "not-a-network",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("discover status = %d, want 400, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitJob(t *testing.T) {
	f := setupTest(t)

	dev, err := f.manager.AddDevice(context.Background(), "192.0.2.12", "", models.AdapterRawStream)
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"device_id": dev.ID,
		"title":     "invoice",
		"payload":   []byte("raw print data"),
		"settings":  models.PrintSettings{Copies: 2},
	}, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var job models.PrintJob
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobQueued {
		t.Errorf("job status = %s, want queued", job.Status)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(f.queue.jobs))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("get job status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?device_id="+dev.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("list jobs status = %d", rec.Code)
	}
}

func TestSubmitJobCapabilityMismatch(t *testing.T) {
	f := setupTest(t)

	dev, err := f.manager.AddDevice(context.Background(), "192.0.2.13", "", models.AdapterRawStream)
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	// Raw stream engines are monochrome.
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"device_id": dev.ID,
		"payload":   []byte("data"),
		"settings":  models.PrintSettings{ColorMode: models.ColorModeColor},
	}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("submit status = %d, want 422, body %s", rec.Code, rec.Body)
	}
	if len(f.queue.jobs) != 0 {
		t.Error("rejected job reached the queue")
	}
}

func TestSubmitJobUnknownDevice(t *testing.T) {
	f := setupTest(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"device_id": "nope",
		"payload":   []byte("data"),
	}, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("submit status = %d, want 404", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	f := setupTest(t)

	dev, err := f.manager.AddDevice(context.Background(), "192.0.2.14", "", models.AdapterRawStream)
	if err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	job, err := f.manager.AdmitJob(context.Background(), dev.ID, "report", []byte("data"), models.PrintSettings{})
	if err != nil {
		t.Fatalf("AdmitJob() error = %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body)
	}

	stored, err := f.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.JobCancelled {
		t.Errorf("job status = %s, want cancelled", stored.Status)
	}

	// A terminal job cannot be cancelled twice.
	rec = f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}
