// Package registry holds the in-memory device table and the per-device
// locks that serialize adapter access.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/models"
)

// Record pairs a device with its adapter. Mu serializes every adapter
// call for the device; the health loop and the job dispatcher both
// take it before touching the adapter.
type Record struct {
	Mu      sync.Mutex
	Device  *models.Device
	Adapter devices.Adapter
}

// Registry is the authoritative in-memory device table. The address is
// the identity during discovery: re-discovering a known address
// refreshes the record instead of minting a new id.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Record
	byAddress map[string]*Record
}

func New() *Registry {
	return &Registry{
		byID:      make(map[string]*Record),
		byAddress: make(map[string]*Record),
	}
}

// Upsert registers a device. When the address is already known the
// existing record keeps its id and timestamps and absorbs the new
// model, adapter and credentials; otherwise a new record is created.
// The boolean reports whether the device is new.
func (r *Registry) Upsert(dev *models.Device, adapter devices.Adapter) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAddress[dev.Address]; ok {
		existing.Mu.Lock()
		prev := existing.Device
		dev.ID = prev.ID
		dev.FirstSeen = prev.FirstSeen
		dev.Failures = prev.Failures
		if dev.Status == models.StatusUnknown {
			dev.Status = prev.Status
		}
		dev.LastSeen = time.Now()
		existing.Device = dev
		existing.Adapter = adapter
		existing.Mu.Unlock()
		return existing, false
	}

	now := time.Now()
	if dev.FirstSeen.IsZero() {
		dev.FirstSeen = now
	}
	dev.LastSeen = now

	rec := &Record{Device: dev, Adapter: adapter}
	r.byID[dev.ID] = rec
	r.byAddress[dev.Address] = rec
	return rec, true
}

// Get returns the record for a device id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// GetByAddress returns the record for a network address.
func (r *Registry) GetByAddress(address string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byAddress[address]
	return rec, ok
}

// List returns all records ordered by address for stable output.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.Address < out[j].Device.Address
	})
	return out
}

// Remove drops a device from the table.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byAddress, rec.Device.Address)
	return true
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
