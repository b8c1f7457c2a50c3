// Package devices contains the per-controller protocol adapters that
// translate the uniform device model into each printer family's native
// interface.
package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/snmp"
)

// Adapter is the uniform protocol surface every controller family
// implements. The caller serializes calls per device; adapters do not
// need to be safe for concurrent use.
type Adapter interface {
	// Authenticate establishes a device session. Adapters whose
	// family needs no authentication return nil immediately.
	Authenticate(ctx context.Context) error

	// Status reports reachability and printer state.
	Status(ctx context.Context) (*models.StatusInfo, error)

	// Capabilities reports what the device can do. Static per family,
	// so adapters may answer without touching the network.
	Capabilities(ctx context.Context) (*models.Capabilities, error)

	// SubmitJob sends the payload to the device and returns the
	// device-side job id when the controller assigns one.
	SubmitJob(ctx context.Context, job *models.PrintJob) (string, error)

	// CancelJob cancels a device-side job where the controller
	// supports it.
	CancelJob(ctx context.Context, remoteID string) error

	// TestConnection runs the family's connectivity checks and
	// returns one result per check.
	TestConnection(ctx context.Context) map[string]models.CheckResult
}

// Options carries the shared collaborators adapters need.
type Options struct {
	SNMP        snmp.Prober
	WebPort     int
	RawPort     int
	HTTPTimeout time.Duration
	DialTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.WebPort == 0 {
		out.WebPort = 80
	}
	if out.RawPort == 0 {
		out.RawPort = 9100
	}
	if out.HTTPTimeout == 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 5 * time.Second
	}
	return out
}

// New builds the adapter for the device's controller family.
func New(dev *models.Device, opts Options) (Adapter, error) {
	o := opts.withDefaults()
	switch dev.Adapter {
	case models.AdapterDirect:
		return NewDirectAdapter(dev, o), nil
	case models.AdapterManaged:
		return NewManagedAdapter(dev, o), nil
	case models.AdapterMonitor:
		return NewMonitorAdapter(dev, o), nil
	case models.AdapterRawStream:
		return NewRawStreamAdapter(dev, o), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", dev.Adapter)
	}
}
