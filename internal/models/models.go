// Package models defines the shared device and print job types.
package models

import "time"

// ControllerType classifies a device's management interface.
type ControllerType string

const (
	// ControllerDirect is the embedded web admin driven through a
	// cookie session (bizhub-style login.cgi flow).
	ControllerDirect ControllerType = "direct"
	// ControllerManaged is a separate RIP/controller web service
	// (EFI Fiery and similar) in front of the print engine.
	ControllerManaged ControllerType = "managed"
)

// AdapterKind names the adapter variant bound to a device at discovery.
type AdapterKind string

const (
	AdapterDirect    AdapterKind = "direct"
	AdapterManaged   AdapterKind = "managed"
	AdapterMonitor   AdapterKind = "monitor"
	AdapterRawStream AdapterKind = "rawstream"
)

// DeviceStatus represents the lifecycle state of a device.
type DeviceStatus string

const (
	StatusUnknown     DeviceStatus = "unknown"
	StatusDiscovering DeviceStatus = "discovering"
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusError       DeviceStatus = "error"
)

// PaperSize is a supported paper size, ordered by paperRank for
// capability comparison.
type PaperSize string

const (
	PaperA4      PaperSize = "A4"
	PaperLetter  PaperSize = "Letter"
	PaperLegal   PaperSize = "Legal"
	PaperA3      PaperSize = "A3"
	PaperTabloid PaperSize = "Tabloid"
)

var paperRank = map[PaperSize]int{
	PaperA4:      1,
	PaperLetter:  1,
	PaperLegal:   2,
	PaperA3:      3,
	PaperTabloid: 3,
}

// Fits reports whether a sheet of size p fits within max.
func (p PaperSize) Fits(max PaperSize) bool {
	pr, ok := paperRank[p]
	if !ok {
		return false
	}
	mr, ok := paperRank[max]
	if !ok {
		return false
	}
	return pr <= mr
}

// ColorMode selects color versus monochrome output.
type ColorMode string

const (
	ColorModeColor      ColorMode = "color"
	ColorModeGrayscale  ColorMode = "grayscale"
	ColorModeMonochrome ColorMode = "monochrome"
)

// DuplexMode selects single or double sided output.
type DuplexMode string

const (
	DuplexSimplex   DuplexMode = "simplex"
	DuplexLongEdge  DuplexMode = "duplex_long_edge"
	DuplexShortEdge DuplexMode = "duplex_short_edge"
)

// Capabilities is the immutable snapshot of a device's supported print
// features, taken at discovery and refreshed on each successful health
// probe. Job admission compares requested settings against it.
type Capabilities struct {
	Color        bool      `json:"color"`
	Duplex       bool      `json:"duplex"`
	MaxPaperSize PaperSize `json:"max_paper_size"`
	Formats      []string  `json:"formats,omitempty"`
	MaxDPI       int       `json:"max_dpi,omitempty"`
	Finisher     bool      `json:"finisher,omitempty"`
	RequiresAuth bool      `json:"requires_auth"`
}

// Session is the short-lived authenticated cookie/token set scoped to
// one device. It is replaced wholesale on re-authentication.
type Session struct {
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the session exists and has not expired at t.
func (s *Session) Valid(t time.Time) bool {
	return s != nil && s.Token != "" && t.Before(s.ExpiresAt)
}

// Device represents one managed printer.
type Device struct {
	ID            string         `json:"id"`
	Address       string         `json:"address"`
	Model         string         `json:"model"`
	Controller    ControllerType `json:"controller"`
	Adapter       AdapterKind    `json:"adapter"`
	Status        DeviceStatus   `json:"status"`
	StatusReason  string         `json:"status_reason,omitempty"`
	Capabilities  Capabilities   `json:"capabilities"`
	AdminPassword string         `json:"-"`
	Session       *Session       `json:"session,omitempty"`
	LastProbe     time.Time      `json:"last_probe,omitzero"`
	Failures      int            `json:"failures"`
	FirstSeen     time.Time      `json:"first_seen,omitzero"`
	LastSeen      time.Time      `json:"last_seen,omitzero"`
}

// StatusInfo is the live status report produced by an adapter probe.
type StatusInfo struct {
	DeviceID     string         `json:"device_id"`
	Reachable    bool           `json:"reachable"`
	PrinterState string         `json:"printer_state,omitempty"`
	PageCount    int64          `json:"page_count,omitempty"`
	TonerLevels  map[string]int `json:"toner_levels,omitempty"`
	Serial       string         `json:"serial,omitempty"`
	Firmware     string         `json:"firmware,omitempty"`
	UptimeSecs   int64          `json:"uptime_seconds,omitempty"`
	JobsPending  int            `json:"jobs_pending,omitempty"`
	CheckedAt    time.Time      `json:"checked_at"`
}

// CheckResult is one probe outcome within a connection test.
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail", "error"
	Message string `json:"message"`
}

// JobStatus is the print job state machine.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDispatching JobStatus = "dispatching"
	JobPrinting    JobStatus = "printing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// PrintSettings are the requested output options for one job.
type PrintSettings struct {
	Copies    int        `json:"copies" validate:"min=1,max=999"`
	ColorMode ColorMode  `json:"color_mode"`
	Duplex    DuplexMode `json:"duplex"`
	PaperSize PaperSize  `json:"paper_size"`
	Quality   string     `json:"quality,omitempty"`
}

// Normalize fills unset fields with defaults.
func (s *PrintSettings) Normalize() {
	if s.Copies == 0 {
		s.Copies = 1
	}
	if s.ColorMode == "" {
		s.ColorMode = ColorModeMonochrome
	}
	if s.Duplex == "" {
		s.Duplex = DuplexSimplex
	}
	if s.PaperSize == "" {
		s.PaperSize = PaperA4
	}
}

// PrintJob is one unit of work against a single device. The payload is
// an opaque print-ready byte stream; format conversion happens upstream.
type PrintJob struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Title      string        `json:"title,omitempty"`
	Payload    []byte        `json:"-"`
	Settings   PrintSettings `json:"settings"`
	Status     JobStatus     `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
