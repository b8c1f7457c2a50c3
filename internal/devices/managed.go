package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"mime/multipart"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
)

// endpoint fallback chains for managed RIP controllers; controllers
// differ by firmware generation, so every operation walks its chain
// until one endpoint answers
var (
	managedStatusPaths = []string{"/wsi/status", "/status", "/command/status"}
	managedPrintPaths  = []string{"/wsi/print", "/print", "/command/print"}
	managedLoginPaths  = []string{"/wsi/login", "/command/login", "/api/login"}
)

// ManagedAdapter drives printers fronted by a RIP controller that
// exposes a web service API. The controller queues and processes jobs
// itself, so submissions return a controller-assigned job id.
type ManagedAdapter struct {
	dev      *models.Device
	opts     Options
	session  *SessionClient
	username string
}

func NewManagedAdapter(dev *models.Device, opts Options) *ManagedAdapter {
	return &ManagedAdapter{dev: dev, opts: opts, username: "admin"}
}

func (a *ManagedAdapter) baseURL() string {
	return fmt.Sprintf("http://%s:%d", a.dev.Address, a.opts.WebPort)
}

func (a *ManagedAdapter) client() (*SessionClient, error) {
	if a.session != nil {
		return a.session, nil
	}
	s, err := NewSessionClient(a.baseURL(), a.opts.HTTPTimeout)
	if err != nil {
		return nil, E(KindProtocol, a.dev.ID, err)
	}
	a.session = s
	return s, nil
}

// Authenticate negotiates credentials with the controller. Controllers
// accept one of three schemes depending on firmware: HTTP basic, a
// form login, or a JSON API login. Each is tried in turn; a controller
// without a password needs no session at all.
func (a *ManagedAdapter) Authenticate(ctx context.Context) error {
	if a.dev.AdminPassword == "" {
		return nil
	}

	s, err := a.client()
	if err != nil {
		return err
	}
	s.ClearCookies()

	attempts := []func(context.Context, *SessionClient) (bool, error){
		a.tryBasicAuth,
		a.tryFormAuth,
		a.tryAPIAuth,
	}
	var lastErr error
	for _, attempt := range attempts {
		ok, err := attempt(ctx, s)
		if ok {
			now := time.Now()
			a.dev.Session = &models.Session{
				DeviceID:  a.dev.ID,
				IssuedAt:  now,
				ExpiresAt: now.Add(30 * time.Minute),
			}
			return nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return E(KindUnreachable, a.dev.ID, lastErr)
	}
	return Ef(KindAuthFailed, a.dev.ID, "all controller authentication schemes rejected the credentials")
}

func (a *ManagedAdapter) tryBasicAuth(ctx context.Context, s *SessionClient) (bool, error) {
	resp, err := s.GetBasicAuth(ctx, "/status", a.username, a.dev.AdminPassword)
	if err != nil {
		return false, err
	}
	ReadBody(resp)
	return resp.StatusCode == 200 || resp.StatusCode == 301 || resp.StatusCode == 302, nil
}

func (a *ManagedAdapter) tryFormAuth(ctx context.Context, s *SessionClient) (bool, error) {
	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.dev.AdminPassword)
	form.Set("login", "Login")

	resp, err := s.PostForm(ctx, "/login", form)
	if err != nil {
		return false, err
	}
	ReadBody(resp)
	return resp.StatusCode == 200 || resp.StatusCode == 301 || resp.StatusCode == 302, nil
}

func (a *ManagedAdapter) tryAPIAuth(ctx context.Context, s *SessionClient) (bool, error) {
	payload, _ := json.Marshal(map[string]string{
		"user": a.username,
		"pass": a.dev.AdminPassword,
	})

	var lastErr error
	for _, path := range managedLoginPaths {
		resp, err := s.Post(ctx, path, "application/json", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		body := ReadBody(resp)
		if resp.StatusCode == 200 || resp.StatusCode == 201 {
			lower := strings.ToLower(body)
			if strings.Contains(lower, "success") || strings.Contains(lower, "authenticated") {
				return true, nil
			}
		}
	}
	return false, lastErr
}

type managedStatusXML struct {
	Status string `xml:"status,attr"`
	Ready  string `xml:"ready,attr"`
	Jobs   struct {
		Count int `xml:"count,attr"`
	} `xml:"jobs"`
}

// Status asks the controller for its state, walking the endpoint
// chain. A reachable controller that answers on none of the status
// endpoints is still reported online: older firmware serves only the
// web UI.
func (a *ManagedAdapter) Status(ctx context.Context) (*models.StatusInfo, error) {
	s, err := a.client()
	if err != nil {
		return nil, err
	}

	info := &models.StatusInfo{
		DeviceID:  a.dev.ID,
		CheckedAt: time.Now(),
	}

	var answered bool
	var lastErr error
	for _, path := range managedStatusPaths {
		resp, err := s.Get(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		body := ReadBody(resp)
		if resp.StatusCode != 200 {
			continue
		}
		answered = true
		parseManagedStatus(body, info)
		break
	}

	if !answered {
		// Fall back to a bare reachability probe.
		resp, err := s.Get(ctx, "/")
		if err != nil {
			if lastErr != nil {
				err = lastErr
			}
			return nil, E(KindUnreachable, a.dev.ID, err)
		}
		ReadBody(resp)
		info.Reachable = true
		info.PrinterState = "idle"
	}

	if a.opts.SNMP != nil {
		if ps, err := a.opts.SNMP.PrinterStatus(a.dev.Address); err == nil {
			info.PageCount = ps.PageCount
			info.TonerLevels = ps.Supplies
		}
	}

	return info, nil
}

func parseManagedStatus(body string, info *models.StatusInfo) {
	info.Reachable = true
	info.PrinterState = "idle"

	trimmed := strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(trimmed, "<"):
		var st managedStatusXML
		if err := xml.Unmarshal([]byte(trimmed), &st); err == nil {
			if st.Status != "" && st.Status != "online" {
				info.PrinterState = st.Status
			}
			if strings.EqualFold(st.Ready, "false") {
				info.PrinterState = "busy"
			}
			info.JobsPending = st.Jobs.Count
		}
	case strings.HasPrefix(trimmed, "{"):
		var st struct {
			Status      string `json:"status"`
			Ready       *bool  `json:"ready"`
			JobsPending int    `json:"jobs_pending"`
		}
		if err := json.Unmarshal([]byte(trimmed), &st); err == nil {
			if st.Status != "" && st.Status != "online" {
				info.PrinterState = st.Status
			}
			if st.Ready != nil && !*st.Ready {
				info.PrinterState = "busy"
			}
			info.JobsPending = st.JobsPending
		}
	default:
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "busy") || strings.Contains(lower, "processing") {
			info.PrinterState = "busy"
		}
		if strings.Contains(lower, "error") {
			info.PrinterState = "error"
		}
	}
}

func (a *ManagedAdapter) Capabilities(ctx context.Context) (*models.Capabilities, error) {
	return &models.Capabilities{
		Color:        true,
		Duplex:       true,
		MaxPaperSize: models.PaperA3,
		Formats:      []string{"PDF", "PS", "PCL", "TIFF", "JPEG"},
		MaxDPI:       1200,
		Finisher:     true,
		RequiresAuth: a.dev.AdminPassword != "",
	}, nil
}

// SubmitJob uploads the payload as multipart form data. The settings
// ride along as form fields the controller maps onto its job ticket.
func (a *ManagedAdapter) SubmitJob(ctx context.Context, job *models.PrintJob) (string, error) {
	s, err := a.client()
	if err != nil {
		return "", err
	}
	if a.dev.AdminPassword != "" && (a.dev.Session == nil || !a.dev.Session.Valid(time.Now())) {
		if err := a.Authenticate(ctx); err != nil {
			return "", err
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName(job))
	if err != nil {
		return "", E(KindProtocol, a.dev.ID, err)
	}
	if _, err := part.Write(job.Payload); err != nil {
		return "", E(KindProtocol, a.dev.ID, err)
	}
	fields := map[string]string{
		"copies":     fmt.Sprint(job.Settings.Copies),
		"color_mode": string(job.Settings.ColorMode),
		"duplex":     string(job.Settings.Duplex),
		"paper_size": string(job.Settings.PaperSize),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", E(KindProtocol, a.dev.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", E(KindProtocol, a.dev.ID, err)
	}

	remoteID, rejected, err := a.postJob(ctx, s, w.FormDataContentType(), buf.Bytes())
	if err != nil || !rejected {
		return remoteID, err
	}

	// The controller dropped our session server-side even though it
	// still looks valid locally. Log in once and replay; a second
	// rejection is final.
	if err := a.Authenticate(ctx); err != nil {
		return "", err
	}
	remoteID, rejected, err = a.postJob(ctx, s, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	if rejected {
		return "", Ef(KindAuthFailed, a.dev.ID, "controller rejected job after re-authentication")
	}
	return remoteID, nil
}

// postJob walks the known print endpoints once. The bool reports an
// unauthenticated rejection so the caller can re-login and replay.
func (a *ManagedAdapter) postJob(ctx context.Context, s *SessionClient, contentType string, payload []byte) (string, bool, error) {
	var lastErr error
	for _, path := range managedPrintPaths {
		resp, err := s.Post(ctx, path, contentType, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		body := ReadBody(resp)
		if resp.StatusCode == 200 || resp.StatusCode == 201 || resp.StatusCode == 202 {
			return extractJobID(body), false, nil
		}
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return "", true, nil
		}
	}
	if lastErr != nil {
		return "", false, E(KindUnreachable, a.dev.ID, lastErr)
	}
	return "", false, Ef(KindProtocol, a.dev.ID, "no controller endpoint accepted the job")
}

func fileName(job *models.PrintJob) string {
	if job.Title != "" {
		return job.Title
	}
	return job.ID + ".prn"
}

var jobIDPattern = regexp.MustCompile(`(?i)job[_\s]*id[:\s]*([a-zA-Z0-9\-_]+)`)

// extractJobID pulls the controller-assigned job id out of whichever
// response shape the firmware speaks.
func extractJobID(body string) string {
	trimmed := strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(trimmed, "<"):
		var resp struct {
			Job struct {
				ID string `xml:"id,attr"`
			} `xml:"job"`
		}
		if err := xml.Unmarshal([]byte(trimmed), &resp); err == nil && resp.Job.ID != "" {
			return resp.Job.ID
		}
	case strings.HasPrefix(trimmed, "{"):
		var resp struct {
			JobID string `json:"job_id"`
			ID    string `json:"id"`
		}
		if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
			if resp.JobID != "" {
				return resp.JobID
			}
			return resp.ID
		}
	}
	if m := jobIDPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return ""
}

// CancelJob asks the controller to drop a queued job.
func (a *ManagedAdapter) CancelJob(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return Ef(KindProtocol, a.dev.ID, "no controller job id to cancel")
	}
	s, err := a.client()
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("action", "cancel")
	form.Set("job_id", remoteID)

	var lastErr error
	for _, base := range []string{"/wsi/jobs", "/jobs", "/command/jobs"} {
		resp, err := s.PostForm(ctx, base+"/"+remoteID, form)
		if err != nil {
			lastErr = err
			continue
		}
		ReadBody(resp)
		if resp.StatusCode == 200 || resp.StatusCode == 202 || resp.StatusCode == 204 {
			return nil
		}
	}
	if lastErr != nil {
		return E(KindUnreachable, a.dev.ID, lastErr)
	}
	return Ef(KindProtocol, a.dev.ID, "controller refused to cancel job %s", remoteID)
}

func (a *ManagedAdapter) TestConnection(ctx context.Context) map[string]models.CheckResult {
	results := map[string]models.CheckResult{}

	s, err := a.client()
	if err != nil {
		results["http_basic"] = models.CheckResult{Status: "error", Message: err.Error()}
		return results
	}

	if resp, err := s.Get(ctx, "/"); err != nil {
		results["http_basic"] = models.CheckResult{Status: "error", Message: err.Error()}
	} else {
		ReadBody(resp)
		results["http_basic"] = checkStatus(resp.StatusCode, 200, 301, 302)
	}

	var found bool
	for _, path := range managedStatusPaths {
		resp, err := s.Get(ctx, path)
		if err != nil {
			continue
		}
		ReadBody(resp)
		if resp.StatusCode == 200 {
			results["controller_api"] = models.CheckResult{Status: "pass", Message: "controller answered on " + path}
			found = true
			break
		}
	}
	if !found {
		results["controller_api"] = models.CheckResult{Status: "fail", Message: "no controller status endpoint answered"}
	}

	results["snmp"] = checkSNMP(a.opts.SNMP, a.dev.Address)

	if a.dev.AdminPassword != "" {
		if err := a.Authenticate(ctx); err != nil {
			results["authentication"] = models.CheckResult{Status: "fail", Message: err.Error()}
		} else {
			results["authentication"] = models.CheckResult{Status: "pass", Message: "controller login successful"}
		}
	}

	return results
}
