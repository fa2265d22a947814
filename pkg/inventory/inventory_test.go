package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/netward/netward/pkg/core"
)

const sampleInventory = `
devices:
  - id: edge-1
    address: 10.1.0.1
    environment: production
    capabilities: [config-write, service-restart]
    credential_handle: EDGE
  - id: lab-1
    address: 10.2.0.1
    environment: lab
    capabilities: [config-write, firmware]
    credential_handle: LAB
`

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write inventory: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry(writeInventory(t, sampleInventory))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	device, err := reg.LookupDevice(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if device.Environment != core.EnvironmentProduction {
		t.Errorf("unexpected environment %s", device.Environment)
	}
	if !device.Capabilities[core.CapabilityConfigWrite] || device.Capabilities[core.CapabilityFirmware] {
		t.Errorf("unexpected capabilities %v", device.Capabilities)
	}

	if _, err := reg.LookupDevice(context.Background(), "ghost"); !core.IsCode(err, core.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestLoadRegistryRejectsBadEnvironment(t *testing.T) {
	_, err := LoadRegistry(writeInventory(t, `
devices:
  - id: edge-1
    address: 10.1.0.1
    environment: sandbox
`))
	if err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestListDevicesFilters(t *testing.T) {
	reg, err := LoadRegistry(writeInventory(t, sampleInventory))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	lab, err := reg.ListDevices(context.Background(), core.DeviceFilter{Environment: core.EnvironmentLab})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(lab) != 1 || lab[0].ID != "lab-1" {
		t.Fatalf("unexpected lab devices %v", lab)
	}

	firmware, err := reg.ListDevices(context.Background(), core.DeviceFilter{Capability: core.CapabilityFirmware})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(firmware) != 1 || firmware[0].ID != "lab-1" {
		t.Fatalf("unexpected firmware devices %v", firmware)
	}
}

func TestEnvCredentialStore(t *testing.T) {
	reg, err := LoadRegistry(writeInventory(t, sampleInventory))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	store := NewEnvCredentialStore(reg)

	t.Setenv("EDGE_USER", "admin")
	t.Setenv("EDGE_SECRET", "hunter2")

	creds, err := store.Resolve(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if creds.Username != "admin" || creds.Secret != "hunter2" {
		t.Fatal("unexpected credentials")
	}

	if _, err := store.Resolve(context.Background(), "lab-1"); !core.IsCode(err, core.ErrDeviceAuth) {
		t.Fatalf("expected DEVICE_AUTH_FAILED for missing variables, got %v", err)
	}
}
