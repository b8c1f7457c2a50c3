package devices

import (
	"context"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
)

// MonitorAdapter covers device families the fleet can observe but not
// drive. Status comes over SNMP; job submission is a capability
// mismatch by definition.
type MonitorAdapter struct {
	dev  *models.Device
	opts Options
}

func NewMonitorAdapter(dev *models.Device, opts Options) *MonitorAdapter {
	return &MonitorAdapter{dev: dev, opts: opts}
}

func (a *MonitorAdapter) Authenticate(ctx context.Context) error {
	return nil
}

func (a *MonitorAdapter) Status(ctx context.Context) (*models.StatusInfo, error) {
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

func (a *MonitorAdapter) Capabilities(ctx context.Context) (*models.Capabilities, error) {
	return &models.Capabilities{
		Color:        false,
		Duplex:       false,
		MaxPaperSize: models.PaperA4,
		Formats:      nil,
		MaxDPI:       600,
		RequiresAuth: false,
	}, nil
}

func (a *MonitorAdapter) SubmitJob(ctx context.Context, job *models.PrintJob) (string, error) {
	return "", Ef(KindCapabilityMismatch, a.dev.ID, "device is monitor-only and cannot accept jobs")
}

func (a *MonitorAdapter) CancelJob(ctx context.Context, remoteID string) error {
	return Ef(KindCapabilityMismatch, a.dev.ID, "device is monitor-only")
}

func (a *MonitorAdapter) TestConnection(ctx context.Context) map[string]models.CheckResult {
	return map[string]models.CheckResult{
		"snmp": checkSNMP(a.opts.SNMP, a.dev.Address),
	}
}
