package devices

import (
	"context"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
)

// RawStreamAdapter drives older monochrome engines that expose only
// SNMP and the raw print port. No authentication, no cancel, no
// device-side job ids.
type RawStreamAdapter struct {
	dev  *models.Device
	opts Options
}

func NewRawStreamAdapter(dev *models.Device, opts Options) *RawStreamAdapter {
	return &RawStreamAdapter{dev: dev, opts: opts}
}

func (a *RawStreamAdapter) Authenticate(ctx context.Context) error {
	// These engines have no login surface.
	return nil
}

func (a *RawStreamAdapter) Status(ctx context.Context) (*models.StatusInfo, error) {
	info := &models.StatusInfo{
		DeviceID:  a.dev.ID,
		CheckedAt: time.Now(),
	}
	if a.opts.SNMP == nil {
		return nil, Ef(KindProtocol, a.dev.ID, "snmp not configured")
	}
	ps, err := a.opts.SNMP.PrinterStatus(a.dev.Address)
	if err != nil {
		return nil, E(KindUnreachable, a.dev.ID, err)
	}
	info.Reachable = true
	info.PrinterState = ps.State
	info.PageCount = ps.PageCount
	info.TonerLevels = ps.Supplies
	return info, nil
}

func (a *RawStreamAdapter) Capabilities(ctx context.Context) (*models.Capabilities, error) {
	return &models.Capabilities{
		Color:        false,
		Duplex:       true,
		MaxPaperSize: models.PaperA4,
		Formats:      []string{"PCL", "PS", "TEXT"},
		MaxDPI:       600,
		RequiresAuth: false,
	}, nil
}

func (a *RawStreamAdapter) SubmitJob(ctx context.Context, job *models.PrintJob) (string, error) {
	if err := streamRaw(ctx, a.dev, a.opts, job.Payload); err != nil {
		return "", err
	}
	return "", nil
}

func (a *RawStreamAdapter) CancelJob(ctx context.Context, remoteID string) error {
	return Ef(KindProtocol, a.dev.ID, "raw stream engines cannot cancel submitted jobs")
}

func (a *RawStreamAdapter) TestConnection(ctx context.Context) map[string]models.CheckResult {
	return map[string]models.CheckResult{
		"snmp":         checkSNMP(a.opts.SNMP, a.dev.Address),
		"direct_print": checkRawPort(a.dev, a.opts),
	}
}
