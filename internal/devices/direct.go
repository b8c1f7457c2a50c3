package devices

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/snmp"
)

// browser-shaped cookies the embedded web server expects before it
// will accept a login
var baseCookies = map[string]string{
	"bv":      "Chrome/138.0.0.0",
	"uatype":  "NN",
	"lang":    "En",
	"favmode": "false",
	"vm":      "Html",
	"param":   "",
	"access":  "",
	"bm":      "Low",
	"selno":   "En",
}

// DirectAdapter drives printers whose embedded controller exposes the
// cookie-session web admin interface. Authentication goes through the
// web UI login form; job payloads go to the raw print port because the
// web interface has no submit endpoint.
type DirectAdapter struct {
	dev     *models.Device
	opts    Options
	session *SessionClient
}

func NewDirectAdapter(dev *models.Device, opts Options) *DirectAdapter {
	return &DirectAdapter{dev: dev, opts: opts}
}

func (a *DirectAdapter) baseURL() string {
	return fmt.Sprintf("http://%s:%d", a.dev.Address, a.opts.WebPort)
}

// Authenticate logs into the web admin interface. A fresh cookie jar
// seeded with the expected browser cookies is used for every attempt;
// the session lives in the cookies the device sets back.
func (a *DirectAdapter) Authenticate(ctx context.Context) error {
	if a.dev.AdminPassword == "" {
		return E(KindAuthFailed, a.dev.ID, fmt.Errorf("no admin password configured"))
	}

	session, err := NewSessionClient(a.baseURL(), a.opts.HTTPTimeout)
	if err != nil {
		return E(KindProtocol, a.dev.ID, err)
	}
	session.SetCookies(baseCookies)

	form := url.Values{}
	form.Set("func", "PSL_LP1_LOG")
	form.Set("password", a.dev.AdminPassword)

	resp, err := session.PostForm(ctx, "/wcd/login.cgi", form)
	if err != nil {
		return E(KindUnreachable, a.dev.ID, err)
	}
	body := ReadBody(resp)

	if resp.StatusCode != 200 {
		return Ef(KindAuthFailed, a.dev.ID, "login rejected with status %d", resp.StatusCode)
	}
	// The login CGI answers 200 even for a wrong password; the error
	// is in the page body.
	if strings.Contains(strings.ToLower(body), "incorrect") {
		return Ef(KindAuthFailed, a.dev.ID, "login rejected: wrong password")
	}

	a.session = session
	now := time.Now()
	a.dev.Session = &models.Session{
		DeviceID:  a.dev.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
	return nil
}

// Status combines an HTTP reachability check with the SNMP printer
// status read. SNMP failures degrade the result, they do not fail it.
func (a *DirectAdapter) Status(ctx context.Context) (*models.StatusInfo, error) {
	info := &models.StatusInfo{
		DeviceID:  a.dev.ID,
		CheckedAt: time.Now(),
	}

	probe, err := NewSessionClient(a.baseURL(), a.opts.HTTPTimeout)
	if err != nil {
		return nil, E(KindProtocol, a.dev.ID, err)
	}
	resp, err := probe.Get(ctx, "/")
	if err != nil {
		return nil, E(KindUnreachable, a.dev.ID, err)
	}
	ReadBody(resp)
	info.Reachable = resp.StatusCode == 200 || resp.StatusCode == 301 || resp.StatusCode == 302

	if a.opts.SNMP != nil {
		if ps, err := a.opts.SNMP.PrinterStatus(a.dev.Address); err == nil {
			info.PrinterState = ps.State
			info.PageCount = ps.PageCount
			info.TonerLevels = ps.Supplies
		}
		if si, err := a.opts.SNMP.Describe(a.dev.Address); err == nil {
			info.Serial = si.SysName
			info.UptimeSecs = int64(si.Uptime.Seconds())
		}
	}

	if a.session != nil {
		if fw, err := a.romVersion(ctx); err == nil {
			info.Firmware = fw
		}
	}

	return info, nil
}

// sessionGet fetches an authenticated page. When the device no longer
// honors the session it re-authenticates once and replays the request;
// a second rejection is final. An invalidated session bounces back to
// the login page with a 200, so the body is checked as well as the
// status code.
func (a *DirectAdapter) sessionGet(ctx context.Context, path string) (string, error) {
	if a.session == nil {
		if err := a.Authenticate(ctx); err != nil {
			return "", err
		}
	}
	body, rejected, err := a.tryGet(ctx, path)
	if err != nil || !rejected {
		return body, err
	}
	if err := a.Authenticate(ctx); err != nil {
		return "", err
	}
	body, rejected, err = a.tryGet(ctx, path)
	if err != nil {
		return "", err
	}
	if rejected {
		return "", Ef(KindAuthFailed, a.dev.ID, "device rejected the session after re-authentication")
	}
	return body, nil
}

func (a *DirectAdapter) tryGet(ctx context.Context, path string) (string, bool, error) {
	resp, err := a.session.Get(ctx, path)
	if err != nil {
		return "", false, E(KindUnreachable, a.dev.ID, err)
	}
	body := ReadBody(resp)
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return "", true, nil
	}
	if strings.Contains(body, "PSL_LP1_LOG") || strings.Contains(strings.ToLower(body), "login.cgi") {
		return "", true, nil
	}
	if resp.StatusCode != 200 {
		return "", false, fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return body, false, nil
}

// romVersion scrapes the firmware version out of the version page.
// The value sits in an inline script assignment.
func (a *DirectAdapter) romVersion(ctx context.Context) (string, error) {
	body, err := a.sessionGet(ctx, "/wcd/version.html")
	if err != nil {
		return "", err
	}

	const marker = `pcm_romversion = "`
	start := strings.Index(body, marker)
	if start < 0 {
		return "", fmt.Errorf("no rom version in page")
	}
	start += len(marker)
	end := strings.Index(body[start:], `"`)
	if end < 0 {
		return "", fmt.Errorf("unterminated rom version")
	}
	return body[start : start+end], nil
}

func (a *DirectAdapter) Capabilities(ctx context.Context) (*models.Capabilities, error) {
	return &models.Capabilities{
		Color:        true,
		Duplex:       true,
		MaxPaperSize: models.PaperA3,
		Formats:      []string{"PDF", "PS", "PCL", "TEXT"},
		MaxDPI:       1200,
		Finisher:     false,
		RequiresAuth: a.dev.AdminPassword != "",
	}, nil
}

// SubmitJob streams the payload to the raw print port. The web admin
// interface is session-only; it cannot carry job data. One silent
// re-authentication is attempted when the session has gone stale
// before giving up.
func (a *DirectAdapter) SubmitJob(ctx context.Context, job *models.PrintJob) (string, error) {
	if a.dev.Session == nil || !a.dev.Session.Valid(time.Now()) {
		if err := a.Authenticate(ctx); err != nil {
			if IsKind(err, KindAuthFailed) {
				return "", err
			}
			return "", E(KindUnreachable, a.dev.ID, err)
		}
	}

	if err := a.checkReady(ctx); err != nil {
		return "", err
	}

	if err := streamRaw(ctx, a.dev, a.opts, job.Payload); err != nil {
		return "", err
	}
	// The controller assigns no job id on the raw port.
	return "", nil
}

// checkReady refuses submission while the engine reports a state that
// would swallow the job.
func (a *DirectAdapter) checkReady(ctx context.Context) error {
	info, err := a.Status(ctx)
	if err != nil {
		return err
	}
	if !info.Reachable {
		return Ef(KindUnreachable, a.dev.ID, "device not reachable")
	}
	switch info.PrinterState {
	case "", "unknown", "idle", "printing":
		return nil
	default:
		return Ef(KindProtocol, a.dev.ID, "device not ready: %s", info.PrinterState)
	}
}

func (a *DirectAdapter) CancelJob(ctx context.Context, remoteID string) error {
	return Ef(KindProtocol, a.dev.ID, "controller does not support remote cancel")
}

func (a *DirectAdapter) TestConnection(ctx context.Context) map[string]models.CheckResult {
	results := map[string]models.CheckResult{}

	probe, err := NewSessionClient(a.baseURL(), a.opts.HTTPTimeout)
	if err == nil {
		if resp, err := probe.Get(ctx, "/"); err != nil {
			results["http_basic"] = models.CheckResult{Status: "error", Message: err.Error()}
		} else {
			ReadBody(resp)
			results["http_basic"] = checkStatus(resp.StatusCode, 200, 301, 302)
		}

		if resp, err := probe.Get(ctx, "/wcd/index.html"); err != nil {
			results["web_admin"] = models.CheckResult{Status: "error", Message: err.Error()}
		} else {
			ReadBody(resp)
			results["web_admin"] = checkStatus(resp.StatusCode, 200)
		}
	}

	results["snmp"] = checkSNMP(a.opts.SNMP, a.dev.Address)

	if a.dev.AdminPassword != "" {
		if err := a.Authenticate(ctx); err != nil {
			results["authentication"] = models.CheckResult{Status: "fail", Message: err.Error()}
		} else {
			results["authentication"] = models.CheckResult{Status: "pass", Message: "admin login successful"}
		}
	}

	return results
}

func checkStatus(code int, ok ...int) models.CheckResult {
	for _, c := range ok {
		if code == c {
			return models.CheckResult{Status: "pass", Message: fmt.Sprintf("HTTP response: %d", code)}
		}
	}
	return models.CheckResult{Status: "fail", Message: fmt.Sprintf("HTTP response: %d", code)}
}

func checkSNMP(prober snmp.Prober, address string) models.CheckResult {
	if prober == nil {
		return models.CheckResult{Status: "fail", Message: "snmp not configured"}
	}
	info, err := prober.Describe(address)
	if err != nil {
		return models.CheckResult{Status: "fail", Message: err.Error()}
	}
	return models.CheckResult{Status: "pass", Message: "SNMP working: " + info.SysDescr}
}

func checkRawPort(dev *models.Device, opts Options) models.CheckResult {
	addr := net.JoinHostPort(dev.Address, fmt.Sprint(opts.RawPort))
	conn, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return models.CheckResult{Status: "fail", Message: err.Error()}
	}
	conn.Close()
	return models.CheckResult{Status: "pass", Message: "raw print port accessible"}
}

// streamRaw writes the payload to the device's raw print port.
func streamRaw(ctx context.Context, dev *models.Device, opts Options, payload []byte) error {
	addr := net.JoinHostPort(dev.Address, fmt.Sprint(opts.RawPort))

	var d net.Dialer
	d.Timeout = opts.DialTimeout
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return E(KindUnreachable, dev.ID, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return E(KindProtocol, dev.ID, fmt.Errorf("raw write failed: %w", err))
	}
	return nil
}
