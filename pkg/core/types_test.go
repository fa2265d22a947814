package core

import (
	"encoding/json"
	"testing"
)

func TestPlanStatusTransitions(t *testing.T) {
	all := []PlanStatus{
		PlanDraft, PlanValidated, PlanApproved, PlanExecuting,
		PlanCompleted, PlanFailed, PlanRolledBack,
	}
	legal := map[PlanStatus][]PlanStatus{
		PlanDraft:     {PlanValidated},
		PlanValidated: {PlanApproved},
		PlanApproved:  {PlanExecuting},
		PlanExecuting: {PlanCompleted, PlanRolledBack, PlanFailed},
	}

	for _, from := range all {
		allowed := make(map[PlanStatus]bool)
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, s := range []PlanStatus{PlanCompleted, PlanFailed, PlanRolledBack} {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
		for _, next := range []PlanStatus{PlanDraft, PlanValidated, PlanApproved, PlanExecuting, PlanCompleted, PlanFailed, PlanRolledBack} {
			if s.CanTransitionTo(next) {
				t.Errorf("terminal %s must not transition to %s", s, next)
			}
		}
	}
	for _, s := range []PlanStatus{PlanDraft, PlanValidated, PlanApproved, PlanExecuting} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestIdempotencyKeyStability(t *testing.T) {
	a := IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{"mtu":9000,"name":"uplink"}`))
	b := IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{"name":"uplink","mtu":9000}`))
	if a != b {
		t.Error("key must not depend on JSON key order")
	}

	if IdempotencyKey("dev-2", OpSetConfig, json.RawMessage(`{"mtu":9000}`)) == IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{"mtu":9000}`)) {
		t.Error("key must depend on device")
	}
	if IdempotencyKey("dev-1", OpRestartService, json.RawMessage(`{}`)) == IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{}`)) {
		t.Error("key must depend on operation kind")
	}
	if IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{"mtu":9000}`)) == IdempotencyKey("dev-1", OpSetConfig, json.RawMessage(`{"mtu":1500}`)) {
		t.Error("key must depend on target values")
	}
}

func TestOperationKindCapabilities(t *testing.T) {
	cases := map[OperationKind]Capability{
		OpSetConfig:      CapabilityConfigWrite,
		OpRestartService: CapabilityServiceRestart,
		OpUpdateFirmware: CapabilityFirmware,
		OpRunDiagnostic:  CapabilityDiagnostics,
	}
	for kind, want := range cases {
		if got := kind.RequiredCapability(); got != want {
			t.Errorf("%s: got %s, want %s", kind, got, want)
		}
	}
}

func TestChangesFor(t *testing.T) {
	plan := &Plan{
		Changes: []Change{
			{DeviceID: "dev-1", Kind: OpSetConfig},
			{DeviceID: "dev-2", Kind: OpSetConfig},
			{DeviceID: "dev-1", Kind: OpRestartService},
		},
	}
	got := plan.ChangesFor("dev-1")
	if len(got) != 2 || got[0].Kind != OpSetConfig || got[1].Kind != OpRestartService {
		t.Fatalf("unexpected changes %+v", got)
	}
}
