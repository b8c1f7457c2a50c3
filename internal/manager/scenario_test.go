package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/discovery"
	"github.com/kmbridge/kmbridge/internal/dispatch"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/registry"
	"github.com/kmbridge/kmbridge/internal/snmp"
	"github.com/kmbridge/kmbridge/internal/store"
)

// fleetProber answers SNMP per address, so one test server can stand
// in for a mixed fleet.
type fleetProber struct {
	descr map[string]string
}

func (p *fleetProber) Describe(address string) (*snmp.SystemInfo, error) {
	d, ok := p.descr[address]
	if !ok {
		return nil, fmt.Errorf("no snmp answer from %s", address)
	}
	return &snmp.SystemInfo{SysDescr: d, SysName: "KM-" + address}, nil
}

func (p *fleetProber) PrinterStatus(address string) (*snmp.PrinterInfo, error) {
	return &snmp.PrinterInfo{State: "idle"}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestMixedFleetDiscoveryThroughDispatch walks the whole pipeline: a
// four-address scan over both controller families, credential
// negotiation with one device refusing every password, and a job
// dispatched to a discovered RIP device until completion.
//
// All four addresses sit in 127.0.0.0/8 and terminate at one listener
// bound to every interface; the handler tells the devices apart by the
// local address of the connection.
func TestMixedFleetDiscoveryThroughDispatch(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := ""
		if la, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			host, _, _ = net.SplitHostPort(la.String())
		}
		switch r.URL.Path {
		case "/wcd/login.cgi":
			// Embedded web admin. Only .200 accepts its password;
			// .131 rejects everything.
			if host == "127.0.0.200" && r.PostFormValue("password") == "12345678" {
				fmt.Fprint(w, "ok")
				return
			}
			fmt.Fprint(w, "<html>The password is incorrect.</html>")
		case "/status":
			// Basic auth rejected, forcing the form login.
			w.WriteHeader(http.StatusUnauthorized)
		case "/login":
			if r.PostFormValue("password") == "1234567812345678" {
				http.SetCookie(w, &http.Cookie{Name: "FID", Value: "s-" + host})
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		case "/wsi/print":
			fmt.Fprint(w, `{"job_id":"rip-1"}`)
		default:
			http.NotFound(w, r)
		}
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	prober := &fleetProber{descr: map[string]string{
		"127.0.0.200": "KONICA MINOLTA bizhub C654e",
		"127.0.0.131": "KONICA MINOLTA bizhub C754e",
		"127.0.0.210": "KONICA MINOLTA bizhub C759",
		"127.0.0.220": "KONICA MINOLTA bizhub C759",
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	events := channels.NewEventChannels(channels.DefaultConfig())
	t.Cleanup(func() { events.Close() })
	st := store.NewMemory()
	scanner := discovery.NewScanner(prober, nil, 4, port, 2*time.Second, logger)

	m := New(reg, scanner, st, events, Options{
		ProbeTimeout: 2 * time.Second,
		AdapterOpts: devices.Options{
			SNMP:        prober,
			WebPort:     port,
			HTTPTimeout: 2 * time.Second,
			DialTimeout: time.Second,
		},
	}, logger)

	ctx := context.Background()
	found, err := m.DiscoverAddresses(ctx, []string{"127.0.0.200", "127.0.0.210", "127.0.0.220", "127.0.0.131"})
	if err != nil {
		t.Fatalf("DiscoverAddresses() error = %v", err)
	}
	if len(found) != 4 {
		t.Fatalf("discovered %d devices, want 4", len(found))
	}

	byAddr := make(map[string]*models.Device, len(found))
	for _, d := range found {
		byAddr[d.Address] = d
	}

	embedded := byAddr["127.0.0.200"]
	if embedded.Adapter != models.AdapterDirect {
		t.Errorf("127.0.0.200 Adapter = %v, want direct", embedded.Adapter)
	}
	if embedded.AdminPassword != "12345678" {
		t.Errorf("127.0.0.200 AdminPassword = %q, want the negotiated default", embedded.AdminPassword)
	}
	for _, addr := range []string{"127.0.0.210", "127.0.0.220"} {
		if byAddr[addr].Adapter != models.AdapterManaged {
			t.Errorf("%s Adapter = %v, want managed", addr, byAddr[addr].Adapter)
		}
	}
	locked := byAddr["127.0.0.131"]
	if locked.Adapter != models.AdapterDirect {
		t.Errorf("127.0.0.131 Adapter = %v, want direct", locked.Adapter)
	}
	if locked.Status != models.StatusError {
		t.Errorf("127.0.0.131 Status = %v, want error", locked.Status)
	}
	if locked.StatusReason != "authentication_failed" {
		t.Errorf("127.0.0.131 StatusReason = %q", locked.StatusReason)
	}

	disp := dispatch.New(reg, st, events, dispatch.Options{
		MaxRetries:   1,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		PollInterval: time.Millisecond,
		JobTimeout:   2 * time.Second,
		QueueSize:    10,
	}, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Run(runCtx)
	m.SetQueue(disp)

	rip := byAddr["127.0.0.210"]
	var job *models.PrintJob
	waitFor(t, func() bool {
		j, err := m.AdmitJob(ctx, rip.ID, "quarterly.pdf", []byte("%PDF-1.4"), models.PrintSettings{Copies: 2})
		if err != nil {
			return false
		}
		job = j
		return true
	})

	var done *models.PrintJob
	waitFor(t, func() bool {
		j, err := st.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		done = j
		return j.Status == models.JobCompleted
	})
	if done.RemoteID != "rip-1" {
		t.Errorf("RemoteID = %q, want rip-1", done.RemoteID)
	}
}
