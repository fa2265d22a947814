// Package inventory provides the file-backed device registry and credential
// store used by the CLI. Production deployments replace these with their own
// implementations of the core interfaces; the engine only ever sees the
// interfaces.
package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/netward/netward/pkg/core"
)

// deviceEntry is one device in the inventory file.
type deviceEntry struct {
	ID               string   `yaml:"id"`
	Address          string   `yaml:"address"`
	Environment      string   `yaml:"environment"`
	Capabilities     []string `yaml:"capabilities"`
	CredentialHandle string   `yaml:"credential_handle"`
}

type inventoryFile struct {
	Devices []deviceEntry `yaml:"devices"`
}

// Registry is a read-only device registry loaded from a YAML inventory.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*core.Device
}

// LoadRegistry reads the inventory file at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	devices := make(map[string]*core.Device, len(file.Devices))
	for _, e := range file.Devices {
		if e.ID == "" || e.Address == "" {
			return nil, fmt.Errorf("inventory entry missing id or address")
		}
		env := core.Environment(e.Environment)
		if !env.Valid() {
			return nil, fmt.Errorf("device %s: unknown environment %q", e.ID, e.Environment)
		}
		caps := make(map[core.Capability]bool, len(e.Capabilities))
		for _, c := range e.Capabilities {
			caps[core.Capability(c)] = true
		}
		devices[e.ID] = &core.Device{
			ID:               e.ID,
			Address:          e.Address,
			Environment:      env,
			Capabilities:     caps,
			CredentialHandle: e.CredentialHandle,
			Health:           core.HealthUnknown,
		}
	}

	return &Registry{devices: devices}, nil
}

// LookupDevice retrieves a device by ID.
func (r *Registry) LookupDevice(ctx context.Context, id string) (*core.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "device is not in the inventory").WithDevice(id)
	}
	cp := *d
	return &cp, nil
}

// ListDevices lists devices matching the filter, ordered by ID.
func (r *Registry) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]core.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Device
	for _, d := range r.devices {
		if filter.Environment != "" && d.Environment != filter.Environment {
			continue
		}
		if filter.Capability != "" && !d.Capabilities[filter.Capability] {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EnvCredentialStore resolves credentials from environment variables. The
// device's credential handle names a variable prefix: <HANDLE>_USER and
// <HANDLE>_SECRET. Values are read fresh on every call and never stored.
type EnvCredentialStore struct {
	registry core.DeviceRegistry
}

// NewEnvCredentialStore creates a credential store over the registry.
func NewEnvCredentialStore(registry core.DeviceRegistry) *EnvCredentialStore {
	return &EnvCredentialStore{registry: registry}
}

// Resolve returns credentials for a device.
func (s *EnvCredentialStore) Resolve(ctx context.Context, deviceID string) (core.Credentials, error) {
	device, err := s.registry.LookupDevice(ctx, deviceID)
	if err != nil {
		return core.Credentials{}, err
	}
	if device.CredentialHandle == "" {
		return core.Credentials{}, core.NewError(core.ErrDeviceAuth, "device has no credential handle").WithDevice(deviceID)
	}

	user := os.Getenv(device.CredentialHandle + "_USER")
	secret := os.Getenv(device.CredentialHandle + "_SECRET")
	if user == "" || secret == "" {
		return core.Credentials{}, core.NewError(core.ErrDeviceAuth, "credentials not available for device").WithDevice(deviceID)
	}
	return core.Credentials{Username: user, Secret: secret}, nil
}

// TransportHealthChecker verifies device health by reading diagnostic state
// through the adapter. A device that answers a read is considered healthy.
type TransportHealthChecker struct {
	registry  core.DeviceRegistry
	transport core.DeviceTransport
}

// NewTransportHealthChecker creates a health checker over the adapter.
func NewTransportHealthChecker(registry core.DeviceRegistry, transport core.DeviceTransport) *TransportHealthChecker {
	return &TransportHealthChecker{registry: registry, transport: transport}
}

// Check returns nil if the device answers a diagnostic read.
func (h *TransportHealthChecker) Check(ctx context.Context, deviceID string) error {
	device, err := h.registry.LookupDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, err := h.transport.ReadState(ctx, device, core.OpRunDiagnostic); err != nil {
		return err
	}
	return nil
}
