// Package channels provides typed Go channels for the fleet's internal
// events. Each event type has its own channel, so consumers never need
// runtime type assertions.
package channels

import (
	"time"

	"github.com/kmbridge/kmbridge/internal/models"
)

// DeviceDiscoveredEvent is published when discovery registers a device.
type DeviceDiscoveredEvent struct {
	DeviceID  string
	Address   string
	Model     string
	Adapter   models.AdapterKind
	New       bool
	Timestamp time.Time
}

// DeviceStateEvent is published when a device transitions between
// online and offline.
type DeviceStateEvent struct {
	DeviceID  string
	Address   string
	Previous  models.DeviceStatus
	Current   models.DeviceStatus
	Reason    string
	Failures  int
	Timestamp time.Time
}

// JobStateEvent is published on every job status transition.
type JobStateEvent struct {
	JobID     string
	DeviceID  string
	RemoteID  string
	Previous  models.JobStatus
	Current   models.JobStatus
	Error     string
	Timestamp time.Time
}

// SystemEvent covers lifecycle notifications such as startup.
type SystemEvent struct {
	Kind      string // "system_started", "system_stopping"
	Message   string
	Timestamp time.Time
}

// Config configures buffer sizes for the event channels.
type Config struct {
	DeviceBufferSize int
	JobBufferSize    int
	SystemBufferSize int
}

// DefaultConfig returns buffer sizes suitable for a mid-size fleet.
func DefaultConfig() Config {
	return Config{
		DeviceBufferSize: 64,
		JobBufferSize:    128,
		SystemBufferSize: 8,
	}
}

// EventChannels is the hub the subsystems publish through.
type EventChannels struct {
	DeviceDiscovered chan DeviceDiscoveredEvent
	DeviceState      chan DeviceStateEvent
	JobState         chan JobStateEvent
	System           chan SystemEvent

	done chan struct{}
}

// NewEventChannels creates a hub with the configured buffer sizes.
func NewEventChannels(cfg Config) *EventChannels {
	return &EventChannels{
		DeviceDiscovered: make(chan DeviceDiscoveredEvent, cfg.DeviceBufferSize),
		DeviceState:      make(chan DeviceStateEvent, cfg.DeviceBufferSize),
		JobState:         make(chan JobStateEvent, cfg.JobBufferSize),
		System:           make(chan SystemEvent, cfg.SystemBufferSize),
		done:             make(chan struct{}),
	}
}

// PublishDeviceState sends a state event without blocking the caller.
// Events are dropped when no consumer keeps up; state is always
// recoverable from the registry.
func (ec *EventChannels) PublishDeviceState(ev DeviceStateEvent) {
	select {
	case ec.DeviceState <- ev:
	default:
	}
}

// PublishJobState sends a job transition without blocking the caller.
func (ec *EventChannels) PublishJobState(ev JobStateEvent) {
	select {
	case ec.JobState <- ev:
	default:
	}
}

// PublishDeviceDiscovered sends a discovery event without blocking.
func (ec *EventChannels) PublishDeviceDiscovered(ev DeviceDiscoveredEvent) {
	select {
	case ec.DeviceDiscovered <- ev:
	default:
	}
}

// PublishSystem sends a lifecycle event without blocking.
func (ec *EventChannels) PublishSystem(ev SystemEvent) {
	select {
	case ec.System <- ev:
	default:
	}
}

// Close shuts down all channels, signalling consumers to exit.
func (ec *EventChannels) Close() error {
	close(ec.done)
	close(ec.DeviceDiscovered)
	close(ec.DeviceState)
	close(ec.JobState)
	close(ec.System)
	return nil
}

// Done returns a channel that is closed when the hub is shutting down.
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}
