package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

type memStore struct {
	mu    sync.Mutex
	plans map[string]*core.Plan
	log   []core.ExecutionLogEntry
}

func newMemStore() *memStore {
	return &memStore{plans: make(map[string]*core.Plan)}
}

func (s *memStore) CreatePlan(ctx context.Context, plan *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "plan not found").WithPlan(id)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPlans(ctx context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	return nil, nil
}

func (s *memStore) UpdatePlan(ctx context.Context, plan *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[plan.ID]
	if !ok {
		return core.NewError(core.ErrNotFound, "plan not found").WithPlan(plan.ID)
	}
	status := p.Status
	cp := *plan
	cp.Status = status
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) SwapPlanStatus(ctx context.Context, id string, from, to core.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return core.NewError(core.ErrNotFound, "plan not found").WithPlan(id)
	}
	if p.Status != from {
		if p.Status == core.PlanExecuting || p.Status.IsTerminal() {
			return core.NewError(core.ErrAlreadyExecuting, "plan already claimed").WithPlan(id)
		}
		return core.NewError(core.ErrValidationFailed, "plan status conflict").WithPlan(id)
	}
	p.Status = to
	p.Version++
	return nil
}

func (s *memStore) CreateToken(ctx context.Context, token *core.ApprovalToken) error { return nil }

func (s *memStore) GetToken(ctx context.Context, id string) (*core.ApprovalToken, error) {
	return nil, core.NewError(core.ErrNotFound, "token not found")
}

func (s *memStore) ConsumeToken(ctx context.Context, id string) error { return nil }

func (s *memStore) AppendExecutionLog(ctx context.Context, entry *core.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, *entry)
	return nil
}

func (s *memStore) GetExecutionLog(ctx context.Context, planID string) ([]core.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ExecutionLogEntry
	for _, e := range s.log {
		if e.PlanID == planID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	devices map[string]*core.Device
}

func (f *fakeRegistry) LookupDevice(ctx context.Context, id string) (*core.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, core.NewError(core.ErrNotFound, "device not found").WithDevice(id)
}

func (f *fakeRegistry) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]core.Device, error) {
	return nil, nil
}

type writeCall struct {
	deviceID string
	kind     core.OperationKind
	payload  string
}

// fakeTransport records writes and tracks the state each device converges
// to, so tests can assert rollback restored the before-state. Failures are
// scripted per device and payload.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []writeCall
	states   map[string]string
	failures map[string]error // keyed by deviceID + "|" + payload
	delay    time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		states:   make(map[string]string),
		failures: make(map[string]error),
	}
}

func (f *fakeTransport) failOn(deviceID, payload string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[deviceID+"|"+payload] = err
}

func (f *fakeTransport) Execute(ctx context.Context, device *core.Device, op core.Operation) (*core.OperationResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := string(op.Payload)
	f.calls = append(f.calls, writeCall{deviceID: device.ID, kind: op.Kind, payload: payload})
	if err, ok := f.failures[device.ID+"|"+payload]; ok {
		return nil, err
	}
	f.states[device.ID] = payload
	return &core.OperationResult{DeviceID: device.ID, Kind: op.Kind, Transport: "api"}, nil
}

func (f *fakeTransport) ReadState(ctx context.Context, device *core.Device, kind core.OperationKind) (*core.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &core.OperationResult{
		DeviceID:  device.ID,
		Kind:      kind,
		Transport: "api",
		State:     json.RawMessage(f.states[device.ID]),
	}, nil
}

func (f *fakeTransport) callsFor(deviceID string) []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []writeCall
	for _, c := range f.calls {
		if c.deviceID == deviceID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) state(deviceID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[deviceID]
}

type fakeHealth struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

func (f *fakeHealth) Check(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[deviceID] {
		return core.NewError(core.ErrUnreachable, "device unhealthy").WithDevice(deviceID)
	}
	return nil
}

func (f *fakeHealth) markUnhealthy(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy == nil {
		f.unhealthy = make(map[string]bool)
	}
	f.unhealthy[deviceID] = true
}

type memorySink struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func (m *memorySink) Append(ctx context.Context, event *core.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memorySink) Events(ctx context.Context, correlationID string) ([]core.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.AuditEvent(nil), m.events...), nil
}

func (m *memorySink) transitions() []core.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.AuditEvent
	for _, ev := range m.events {
		if ev.Action == "plan.transition" {
			out = append(out, ev)
		}
	}
	return out
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

const (
	beforeState = `{"mtu":1500}`
	afterState  = `{"mtu":9000}`
)

type fixture struct {
	orch      *Orchestrator
	store     *memStore
	transport *fakeTransport
	health    *fakeHealth
	sink      *memorySink
}

func newFixture(t *testing.T, cfg Config, deviceIDs ...string) *fixture {
	t.Helper()
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 100 * time.Millisecond
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 10 * time.Millisecond
	}

	devices := make(map[string]*core.Device, len(deviceIDs))
	for i, id := range deviceIDs {
		devices[id] = &core.Device{
			ID:          id,
			Address:     fmt.Sprintf("10.0.0.%d", i+1),
			Environment: core.EnvironmentLab,
			Capabilities: map[core.Capability]bool{
				core.CapabilityConfigWrite: true,
			},
		}
	}

	store := newMemStore()
	transport := newFakeTransport()
	health := &fakeHealth{}
	sink := &memorySink{}
	logger := testLogger(t)

	orch := New(cfg, store, &fakeRegistry{devices: devices}, transport, health,
		audit.NewRecorder(sink, logger), logger, nil, nil)

	return &fixture{orch: orch, store: store, transport: transport, health: health, sink: sink}
}

func (f *fixture) seedApprovedPlan(t *testing.T, deviceIDs ...string) {
	t.Helper()
	plan := &core.Plan{
		ID:        "plan-1",
		Status:    core.PlanApproved,
		DeviceIDs: deviceIDs,
	}
	for _, id := range deviceIDs {
		plan.Changes = append(plan.Changes, core.Change{
			DeviceID:       id,
			Kind:           core.OpSetConfig,
			Before:         json.RawMessage(beforeState),
			After:          json.RawMessage(afterState),
			IdempotencyKey: core.IdempotencyKey(id, core.OpSetConfig, json.RawMessage(afterState)),
		})
		f.transport.states[id] = beforeState
	}
	if err := f.store.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("failed to seed plan: %v", err)
	}
}

func TestApplyCompletesPlan(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 3}, "dev-1", "dev-2", "dev-3")
	f.seedApprovedPlan(t, "dev-1", "dev-2", "dev-3")

	plan, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if plan.Status != core.PlanCompleted {
		t.Fatalf("expected completed, got %s", plan.Status)
	}

	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		if got := f.transport.state(id); got != afterState {
			t.Errorf("device %s state = %s, want %s", id, got, afterState)
		}
	}

	transitions := f.sink.transitions()
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transition events, got %d", len(transitions))
	}
	if transitions[0].Payload["to"] != "executing" || transitions[1].Payload["to"] != "completed" {
		t.Fatalf("unexpected transition sequence: %+v", transitions)
	}

	log, err := f.store.GetExecutionLog(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}
	var applies, healths int
	for _, e := range log {
		switch e.Phase {
		case core.PhaseApply:
			applies++
		case core.PhaseHealth:
			healths++
		}
	}
	if applies != 3 || healths != 1 {
		t.Fatalf("expected 3 apply and 1 health entries, got %d/%d", applies, healths)
	}
}

func TestBatchFailureRollsBackAndSparesLaterBatches(t *testing.T) {
	// Three devices, batch size 1: device 2 fails apply, so device 1 must
	// be rolled back to its before-state and device 3 never touched.
	f := newFixture(t, Config{BatchSize: 1}, "dev-1", "dev-2", "dev-3")
	f.seedApprovedPlan(t, "dev-1", "dev-2", "dev-3")
	f.transport.failOn("dev-2", afterState, core.NewError(core.ErrDeviceRejected, "device rejected change").WithDevice("dev-2"))

	plan, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if plan.Status != core.PlanRolledBack {
		t.Fatalf("expected rolled_back, got %s", plan.Status)
	}

	if got := f.transport.state("dev-1"); got != beforeState {
		t.Errorf("dev-1 state = %s, want before-state %s", got, beforeState)
	}
	if calls := f.transport.callsFor("dev-3"); len(calls) != 0 {
		t.Errorf("dev-3 must never be touched, got %d calls", len(calls))
	}

	// dev-1: apply then rollback, in that order.
	calls := f.transport.callsFor("dev-1")
	if len(calls) != 2 || calls[0].payload != afterState || calls[1].payload != beforeState {
		t.Fatalf("unexpected dev-1 call sequence: %+v", calls)
	}
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	// Batch of two applies dev-1 and dev-2; the health check then fails,
	// so both are reverted, most recently applied first.
	f := newFixture(t, Config{BatchSize: 2, Concurrency: 1}, "dev-1", "dev-2")
	f.seedApprovedPlan(t, "dev-1", "dev-2")
	f.health.markUnhealthy("dev-2")

	plan, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if plan.Status != core.PlanFailed {
		// dev-2 stays unhealthy, so its reversion cannot verify.
		t.Fatalf("expected failed, got %s", plan.Status)
	}

	var rollbacks []string
	f.transport.mu.Lock()
	for _, c := range f.transport.calls {
		if c.payload == beforeState {
			rollbacks = append(rollbacks, c.deviceID)
		}
	}
	f.transport.mu.Unlock()
	if len(rollbacks) != 2 || rollbacks[0] != "dev-2" || rollbacks[1] != "dev-1" {
		t.Fatalf("expected reverse-order rollback [dev-2 dev-1], got %v", rollbacks)
	}
}

func TestHealthFailureTriggersRollback(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1}, "dev-1", "dev-2")
	f.seedApprovedPlan(t, "dev-1", "dev-2")
	f.health.markUnhealthy("dev-1")

	// dev-1 applies but never reports healthy; its reversion cannot
	// health-verify either, so the plan ends Failed with dev-1 flagged.
	plan, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if plan.Status != core.PlanFailed {
		t.Fatalf("expected failed, got %s", plan.Status)
	}
	if len(plan.FailedDevices) != 1 || plan.FailedDevices[0] != "dev-1" {
		t.Fatalf("expected dev-1 flagged for manual remediation, got %v", plan.FailedDevices)
	}
	if calls := f.transport.callsFor("dev-2"); len(calls) != 0 {
		t.Errorf("dev-2 must never be touched, got %d calls", len(calls))
	}
}

func TestRollbackFailureFlagsManualRemediation(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1}, "dev-1", "dev-2")
	f.seedApprovedPlan(t, "dev-1", "dev-2")
	f.transport.failOn("dev-2", afterState, core.NewError(core.ErrDeviceRejected, "device rejected change").WithDevice("dev-2"))
	f.transport.failOn("dev-1", beforeState, core.NewError(core.ErrUnreachable, "device unreachable").WithDevice("dev-1"))

	plan, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if plan.Status != core.PlanFailed {
		t.Fatalf("expected failed, got %s", plan.Status)
	}
	if len(plan.FailedDevices) != 1 || plan.FailedDevices[0] != "dev-1" {
		t.Fatalf("expected dev-1 flagged, got %v", plan.FailedDevices)
	}

	transitions := f.sink.transitions()
	last := transitions[len(transitions)-1]
	if last.Payload["to"] != "failed" {
		t.Fatalf("expected failed transition, got %+v", last)
	}
	flagged, ok := last.Payload["manual_remediation"].([]string)
	if !ok || len(flagged) != 1 || flagged[0] != "dev-1" {
		t.Fatalf("expected manual_remediation payload, got %+v", last.Payload)
	}
}

func TestTerminalPlanRejectedWithoutSideEffects(t *testing.T) {
	for _, status := range []core.PlanStatus{core.PlanCompleted, core.PlanFailed, core.PlanRolledBack} {
		f := newFixture(t, Config{}, "dev-1")
		plan := &core.Plan{ID: "plan-1", Status: status, DeviceIDs: []string{"dev-1"}}
		if err := f.store.CreatePlan(context.Background(), plan); err != nil {
			t.Fatalf("failed to seed plan: %v", err)
		}

		_, err := f.orch.Apply(context.Background(), "plan-1", "alice")
		if !core.IsCode(err, core.ErrValidationFailed) {
			t.Errorf("status %s: expected VALIDATION_FAILED, got %v", status, err)
		}
		if len(f.transport.calls) != 0 {
			t.Errorf("status %s: terminal re-apply must have no side effects, got %d calls", status, len(f.transport.calls))
		}
		if got, _ := f.store.GetPlan(context.Background(), "plan-1"); got.Status != status {
			t.Errorf("status %s: plan status changed to %s", status, got.Status)
		}
	}
}

func TestUnapprovedPlanRejected(t *testing.T) {
	f := newFixture(t, Config{}, "dev-1")
	plan := &core.Plan{ID: "plan-1", Status: core.PlanValidated, DeviceIDs: []string{"dev-1"}}
	if err := f.store.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("failed to seed plan: %v", err)
	}

	_, err := f.orch.Apply(context.Background(), "plan-1", "alice")
	if !core.IsCode(err, core.ErrPlanNotApproved) {
		t.Fatalf("expected PLAN_NOT_APPROVED, got %v", err)
	}
}

func TestConcurrentApplyExactlyOneClaims(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 3}, "dev-1", "dev-2", "dev-3")
	f.seedApprovedPlan(t, "dev-1", "dev-2", "dev-3")
	// Slow the transport so the losing caller races the claim, not the
	// finished plan.
	f.transport.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.Apply(context.Background(), "plan-1", "alice")
		}(i)
	}
	wg.Wait()

	var claimed, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			claimed++
		case core.IsCode(err, core.ErrAlreadyExecuting):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if claimed != 1 || rejected != 1 {
		t.Fatalf("expected exactly one claim and one rejection, got %d/%d", claimed, rejected)
	}

	plan, err := f.store.GetPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if plan.Status != core.PlanCompleted {
		t.Fatalf("expected completed, got %s", plan.Status)
	}
}

func TestPartition(t *testing.T) {
	batches := partition([]string{"a", "b", "c", "d", "e"}, 2)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[1]) != 2 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batch sizes: %v", batches)
	}
}
