// Package registry maps logical device names onto the upstream channel
// identifiers that are authoritative for a given point in time. Sensors get
// replaced or relocated, so one device may carry several descriptors with
// non-overlapping validity windows.
package registry

import (
	"fmt"
	"sort"
	"time"
)

// ErrUnknownDevice is returned when no descriptor matches a lookup.
var ErrUnknownDevice = fmt.Errorf("unknown device")

// Descriptor identifies one physical sensor stream during its validity
// window. ValidFrom/ValidTo form a half-open interval; a zero ValidTo means
// the descriptor is still current.
type Descriptor struct {
	DeviceID  string
	SetupID   string
	Channels  map[string]string // measured quantity -> upstream channel ID (TDID)
	ValidFrom time.Time
	ValidTo   time.Time
	Crop      string
	Variety   string
	Location  string
}

// active reports whether the descriptor is authoritative at t.
func (d Descriptor) active(t time.Time) bool {
	if t.Before(d.ValidFrom) {
		return false
	}
	return d.ValidTo.IsZero() || t.Before(d.ValidTo)
}

// Registry is an immutable lookup table of device descriptors, built once
// at startup and shared read-only afterwards.
type Registry struct {
	byDevice map[string][]Descriptor
	order    []string
}

// New builds a registry and validates that descriptors for the same device
// never have overlapping validity windows.
func New(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{byDevice: make(map[string][]Descriptor)}
	for _, d := range descriptors {
		if d.DeviceID == "" {
			return nil, fmt.Errorf("descriptor with empty device_id")
		}
		if len(d.Channels) == 0 {
			return nil, fmt.Errorf("device %q: no channels configured", d.DeviceID)
		}
		if !d.ValidTo.IsZero() && !d.ValidFrom.Before(d.ValidTo) {
			return nil, fmt.Errorf("device %q: valid_from %s is not before valid_to %s",
				d.DeviceID, d.ValidFrom.Format(time.RFC3339), d.ValidTo.Format(time.RFC3339))
		}
		if _, seen := r.byDevice[d.DeviceID]; !seen {
			r.order = append(r.order, d.DeviceID)
		}
		r.byDevice[d.DeviceID] = append(r.byDevice[d.DeviceID], d)
	}

	for id, ds := range r.byDevice {
		sort.Slice(ds, func(i, j int) bool { return ds[i].ValidFrom.Before(ds[j].ValidFrom) })
		for i := 1; i < len(ds); i++ {
			prev := ds[i-1]
			if prev.ValidTo.IsZero() || ds[i].ValidFrom.Before(prev.ValidTo) {
				return nil, fmt.Errorf("device %q: validity windows overlap at %s",
					id, ds[i].ValidFrom.Format(time.RFC3339))
			}
		}
	}
	return r, nil
}

// Resolve returns the descriptor whose validity window contains at.
func (r *Registry) Resolve(deviceID string, at time.Time) (Descriptor, error) {
	for _, d := range r.byDevice[deviceID] {
		if d.active(at) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q at %s", ErrUnknownDevice, deviceID, at.Format(time.RFC3339))
}

// Current returns the descriptor with the most recent ValidFrom, used for
// queries that do not pin a point in time.
func (r *Registry) Current(deviceID string) (Descriptor, error) {
	ds := r.byDevice[deviceID]
	if len(ds) == 0 {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	return ds[len(ds)-1], nil
}

// ResolveChannel resolves the upstream channel ID for one measured quantity
// of a device at time at.
func (r *Registry) ResolveChannel(deviceID, quantity string, at time.Time) (Descriptor, string, error) {
	d, err := r.Resolve(deviceID, at)
	if err != nil {
		return Descriptor{}, "", err
	}
	ch, ok := d.Channels[quantity]
	if !ok {
		return Descriptor{}, "", fmt.Errorf("%w: device %q has no %q channel", ErrUnknownDevice, deviceID, quantity)
	}
	return d, ch, nil
}

// Devices returns device IDs in configuration order.
func (r *Registry) Devices() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
