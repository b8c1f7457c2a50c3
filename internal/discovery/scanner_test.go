package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/snmp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		sysDescr string
		wantOK   bool
		model    string
		kind     models.AdapterKind
	}{
		{"color mfp", "KONICA MINOLTA bizhub C654e", true, "C654e", models.AdapterDirect},
		{"color mfp 754", "KONICA MINOLTA bizhub C754e", true, "C754e", models.AdapterDirect},
		{"rip controller", "KONICA MINOLTA bizhub C759 with controller", true, "C759", models.AdapterManaged},
		{"raw mono", "KONICA MINOLTA 2100 printer", true, "2100", models.AdapterRawStream},
		{"desktop color", "KONICA MINOLTA magicolor 5570", true, "5570", models.AdapterMonitor},
		{"desktop mono", "pagepro 1390MF", true, "1390MF", models.AdapterMonitor},
		{"unknown vendor model", "KONICA MINOLTA something", true, "", models.AdapterMonitor},
		{"other vendor", "HP LaserJet 4250", false, "", ""},
		{"empty", "", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, kind, ok := Classify(tt.sysDescr)
			if ok != tt.wantOK {
				t.Fatalf("Classify(%q) ok = %v, want %v", tt.sysDescr, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if model != tt.model {
				t.Errorf("model = %q, want %q", model, tt.model)
			}
			if kind != tt.kind {
				t.Errorf("kind = %v, want %v", kind, tt.kind)
			}
		})
	}
}

func TestCredentialCandidates(t *testing.T) {
	got := CredentialCandidates("C654e", nil)
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	// Model-specific password comes before the generic defaults.
	if got[0] != "1234567812345678" {
		t.Errorf("first candidate = %q, want model-specific default", got[0])
	}

	seen := map[string]bool{}
	for _, p := range got {
		if seen[p] {
			t.Errorf("duplicate candidate %q", p)
		}
		seen[p] = true
	}
	if !seen[""] {
		t.Error("empty password missing from candidates")
	}
}

func TestCredentialCandidatesOperatorOverride(t *testing.T) {
	extra := []CredentialList{{Model: "C654", Passwords: []string{"site-pw"}}}
	got := CredentialCandidates("C654e", extra)
	if got[0] != "site-pw" {
		t.Errorf("first candidate = %q, want operator-supplied password first", got[0])
	}
}

// scanProber fakes SNMP answers per address.
type scanProber struct {
	answers map[string]string
}

func (p *scanProber) Describe(address string) (*snmp.SystemInfo, error) {
	descr, ok := p.answers[address]
	if !ok {
		return nil, fmt.Errorf("timeout")
	}
	return &snmp.SystemInfo{SysDescr: descr}, nil
}

func (p *scanProber) PrinterStatus(address string) (*snmp.PrinterInfo, error) {
	return &snmp.PrinterInfo{State: "idle"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanAddressesSkipsNonFleetDevices(t *testing.T) {
	prober := &scanProber{answers: map[string]string{
		"10.0.0.1": "HP LaserJet 4250",
		"10.0.0.2": "KONICA MINOLTA 2100 printer",
	}}
	s := NewScanner(prober, nil, 4, 80, time.Second, testLogger())

	results := s.ScanAddresses(context.Background(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if results[0].Address != "10.0.0.2" {
		t.Errorf("Address = %q", results[0].Address)
	}
	if results[0].Adapter != models.AdapterRawStream {
		t.Errorf("Adapter = %v, want rawstream", results[0].Adapter)
	}
	if results[0].AuthErr != nil {
		t.Errorf("AuthErr = %v, want nil for raw stream", results[0].AuthErr)
	}
}

func TestScanProbesCredentials(t *testing.T) {
	// Web admin endpoint that accepts only the second candidate.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wcd/login.cgi" {
			http.NotFound(w, r)
			return
		}
		if r.PostFormValue("password") == "1234567812345678" {
			fmt.Fprint(w, "<html>ok</html>")
			return
		}
		fmt.Fprint(w, "<html>The password is incorrect.</html>")
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	addr := u.Hostname()

	prober := &scanProber{answers: map[string]string{
		addr: "KONICA MINOLTA bizhub C654e",
	}}
	s := NewScanner(prober, nil, 1, port, 2*time.Second, testLogger())

	results := s.ScanAddresses(context.Background(), []string{addr})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.PasswordFound {
		t.Fatalf("PasswordFound = false, AuthErr = %v", r.AuthErr)
	}
	if r.Password != "1234567812345678" {
		t.Errorf("Password = %q", r.Password)
	}
}

func TestScanReportsExhaustedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>The password is incorrect.</html>")
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	addr := u.Hostname()

	prober := &scanProber{answers: map[string]string{
		addr: "KONICA MINOLTA bizhub C754e",
	}}
	s := NewScanner(prober, nil, 1, port, 2*time.Second, testLogger())

	results := s.ScanAddresses(context.Background(), []string{addr})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.PasswordFound {
		t.Fatal("PasswordFound = true, want false")
	}
	if !devices.IsKind(r.AuthErr, devices.KindAuthFailed) {
		t.Errorf("AuthErr = %v, want authentication_failed", r.AuthErr)
	}
}

func TestScanInvalidTarget(t *testing.T) {
	s := NewScanner(&scanProber{}, nil, 1, 80, time.Second, testLogger())
	if _, err := s.Scan(context.Background(), "not-a-target"); err == nil {
		t.Fatal("expected error for invalid target")
	}
}
