// Package orchestrator drives approved plans through execution.
//
// Devices are partitioned into fixed-size batches to bound blast radius.
// Batches run strictly in sequence; inside a batch, devices are applied
// concurrently by a bounded worker pool. After every batch the health of all
// devices touched so far is verified with a bounded poll. Any apply or health
// failure halts forward progress and rolls back everything already applied,
// in reverse application order, verifying health after each reverted device.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// Config controls batching and health verification.
type Config struct {
	// BatchSize is the number of devices per batch. Defaults to 3.
	BatchSize int

	// Concurrency caps how many devices of one batch are applied at once.
	// Keep at or below the adapter's per-device ceiling times the batch
	// size. Defaults to 4.
	Concurrency int

	// HealthTimeout bounds the post-batch health poll. Defaults to 30s.
	HealthTimeout time.Duration

	// HealthInterval is the poll interval inside the health window.
	// Defaults to 2s.
	HealthInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
}

// Orchestrator executes approved plans.
type Orchestrator struct {
	cfg       Config
	store     core.PlanStore
	registry  core.DeviceRegistry
	transport core.DeviceTransport
	health    core.HealthChecker
	recorder  *audit.Recorder
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// New creates an orchestrator.
func New(cfg Config, store core.PlanStore, registry core.DeviceRegistry, transport core.DeviceTransport, health core.HealthChecker, recorder *audit.Recorder, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		transport: transport,
		health:    health,
		recorder:  recorder,
		logger:    logger.NewComponentLogger("orchestrator"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// appliedChange is one change that was successfully applied, remembered for
// rollback.
type appliedChange struct {
	device *core.Device
	change core.Change
}

// Apply claims an approved plan and executes it to a terminal state. The
// claim is a compare-and-swap on the status field, so of two concurrent
// calls exactly one proceeds; the other fails with ALREADY_EXECUTING.
// Re-applying a plan in Executing or any terminal state is rejected without
// side effects.
func (o *Orchestrator) Apply(ctx context.Context, planID, actor string) (*core.Plan, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	switch {
	case plan.Status.IsTerminal():
		return nil, core.NewError(core.ErrValidationFailed,
			fmt.Sprintf("plan is %s; terminal plans are never re-applied, create a new plan", plan.Status)).WithPlan(planID)
	case plan.Status == core.PlanExecuting:
		return nil, core.NewError(core.ErrAlreadyExecuting, "plan is already executing").WithPlan(planID)
	case plan.Status != core.PlanApproved:
		return nil, core.NewError(core.ErrPlanNotApproved,
			fmt.Sprintf("plan is %s; only an approved plan can be applied", plan.Status)).WithPlan(planID)
	}

	// The claim. Losing a concurrent race surfaces here as ALREADY_EXECUTING.
	if err := o.store.SwapPlanStatus(ctx, planID, core.PlanApproved, core.PlanExecuting); err != nil {
		return nil, err
	}
	o.recordTransition(ctx, planID, actor, core.PlanApproved, core.PlanExecuting, nil)
	o.metrics.ExecutionStarted()

	ctx, span := o.tracer.StartApplySpan(ctx, planID)
	defer span.End()

	start := time.Now()
	plan.Status = core.PlanExecuting

	final, execErr := o.execute(ctx, plan, actor)
	o.metrics.ExecutionFinished(string(final.Status), time.Since(start))
	if execErr != nil {
		telemetry.RecordError(span, execErr)
		return final, execErr
	}
	telemetry.RecordSuccess(span)
	return final, nil
}

// execute runs all batches and settles the plan in a terminal state.
func (o *Orchestrator) execute(ctx context.Context, plan *core.Plan, actor string) (*core.Plan, error) {
	batches := partition(plan.DeviceIDs, o.cfg.BatchSize)
	logger := o.logger.WithPlanID(plan.ID)
	logger.WithField("batches", len(batches)).WithField("devices", len(plan.DeviceIDs)).Info("Plan execution started")

	var applied []appliedChange
	var touched []string

	for i, batch := range batches {
		batchStart := time.Now()
		batchApplied, batchErr := o.runBatch(ctx, plan, i, batch)
		applied = append(applied, batchApplied...)
		touched = append(touched, devicesOf(batchApplied)...)
		o.metrics.RecordBatch(time.Since(batchStart))

		if batchErr == nil {
			batchErr = o.verifyHealth(ctx, plan, i, touched)
		}

		if batchErr != nil {
			logger.WithBatch(i).WithError(batchErr).Warn("batch failed, rolling back")
			return o.rollback(ctx, plan, actor, applied, batchErr)
		}
	}

	if err := o.settle(ctx, plan, actor, core.PlanCompleted, nil); err != nil {
		return plan, err
	}
	logger.Info("Plan execution completed")
	return o.store.GetPlan(ctx, plan.ID)
}

// runBatch applies every change for the batch's devices, devices concurrent
// up to the configured ceiling. It returns the changes that were applied, in
// completion order, and the first error encountered.
func (o *Orchestrator) runBatch(ctx context.Context, plan *core.Plan, batchIdx int, deviceIDs []string) ([]appliedChange, error) {
	jobs := make(chan string, len(deviceIDs))
	results := make(chan deviceOutcome, len(deviceIDs))

	workers := o.cfg.Concurrency
	if workers > len(deviceIDs) {
		workers = len(deviceIDs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for deviceID := range jobs {
				results <- o.applyDevice(ctx, plan, batchIdx, deviceID)
			}
		}()
	}

	for _, id := range deviceIDs {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(results)

	var applied []appliedChange
	var firstErr error
	for outcome := range results {
		applied = append(applied, outcome.applied...)
		if outcome.err != nil && firstErr == nil {
			firstErr = outcome.err
		}
	}
	return applied, firstErr
}

type deviceOutcome struct {
	applied []appliedChange
	err     error
}

// applyDevice applies one device's changes in plan order. On the first
// failure it stops and reports the changes that did land, so rollback can
// revert them.
func (o *Orchestrator) applyDevice(ctx context.Context, plan *core.Plan, batchIdx int, deviceID string) deviceOutcome {
	device, err := o.registry.LookupDevice(ctx, deviceID)
	if err != nil {
		o.appendLog(ctx, plan.ID, deviceID, batchIdx, core.PhaseApply, err, "device lookup failed", 0)
		return deviceOutcome{err: err}
	}

	var outcome deviceOutcome
	for _, change := range plan.ChangesFor(deviceID) {
		if err := ctx.Err(); err != nil {
			outcome.err = core.WrapError(core.ErrTimeout, "execution cancelled", err).WithDevice(deviceID).WithPlan(plan.ID)
			return outcome
		}

		start := time.Now()
		spanCtx, span := o.tracer.StartDeviceSpan(ctx, deviceID, string(change.Kind))
		_, err := o.transport.Execute(spanCtx, device, core.Operation{
			Kind:    change.Kind,
			Payload: change.After,
			Write:   true,
		})
		duration := time.Since(start)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			o.appendLog(ctx, plan.ID, deviceID, batchIdx, core.PhaseApply, err, "", duration)
			outcome.err = err
			return outcome
		}
		telemetry.RecordSuccess(span)
		span.End()

		o.appendLog(ctx, plan.ID, deviceID, batchIdx, core.PhaseApply, nil, "", duration)
		outcome.applied = append(outcome.applied, appliedChange{device: device, change: change})
	}
	return outcome
}

// verifyHealth polls every touched device until all report healthy or the
// window closes.
func (o *Orchestrator) verifyHealth(ctx context.Context, plan *core.Plan, batchIdx int, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	pending := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		pending[id] = true
	}

	start := time.Now()
	for {
		for id := range pending {
			if err := o.health.Check(ctx, id); err == nil {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			o.appendLog(ctx, plan.ID, "", batchIdx, core.PhaseHealth, nil,
				fmt.Sprintf("%d devices healthy", len(deviceIDs)), time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			unhealthy := sortedKeys(pending)
			err := core.NewError(core.ErrValidationFailed,
				fmt.Sprintf("health check failed for devices %s", strings.Join(unhealthy, ", "))).WithPlan(plan.ID)
			for _, id := range unhealthy {
				o.appendLog(ctx, plan.ID, id, batchIdx, core.PhaseHealth, err, "unhealthy after batch", time.Since(start))
			}
			return err
		case <-time.After(o.cfg.HealthInterval):
		}
	}
}

// rollback reverts applied changes in reverse application order, verifying
// health after each reverted device. Devices whose reversion fails are
// flagged for manual remediation while the rest proceed best-effort.
func (o *Orchestrator) rollback(ctx context.Context, plan *core.Plan, actor string, applied []appliedChange, cause error) (*core.Plan, error) {
	logger := o.logger.WithPlanID(plan.ID)
	logger.WithField("applied", len(applied)).Warn("rolling back applied changes")

	// Rollback must run even when the apply context was cancelled.
	ctx = context.WithoutCancel(ctx)

	failedSet := make(map[string]bool)
	for i := len(applied) - 1; i >= 0; i-- {
		ac := applied[i]
		start := time.Now()
		_, err := o.transport.Execute(ctx, ac.device, core.Operation{
			Kind:    ac.change.Kind,
			Payload: ac.change.Before,
			Write:   true,
		})
		if err == nil {
			err = o.waitHealthy(ctx, ac.device.ID)
		}
		o.appendLog(ctx, plan.ID, ac.device.ID, -1, core.PhaseRollback, err, "", time.Since(start))
		if err != nil {
			logger.WithDeviceID(ac.device.ID).WithError(err).Error("rollback failed for device")
			failedSet[ac.device.ID] = true
		}
	}

	if len(failedSet) > 0 {
		plan.FailedDevices = sortedKeys(failedSet)
		if err := o.settle(ctx, plan, actor, core.PlanFailed, map[string]interface{}{
			"cause":              core.AsCoreError(cause).Message,
			"manual_remediation": plan.FailedDevices,
		}); err != nil {
			return plan, err
		}
		if err := o.store.UpdatePlan(ctx, plan); err != nil {
			return plan, err
		}
		return o.store.GetPlan(ctx, plan.ID)
	}

	if err := o.settle(ctx, plan, actor, core.PlanRolledBack, map[string]interface{}{
		"cause": core.AsCoreError(cause).Message,
	}); err != nil {
		return plan, err
	}
	return o.store.GetPlan(ctx, plan.ID)
}

// waitHealthy polls one device inside the health window.
func (o *Orchestrator) waitHealthy(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()
	for {
		if err := o.health.Check(ctx, deviceID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return core.NewError(core.ErrValidationFailed, "device unhealthy after reversion").WithDevice(deviceID)
		case <-time.After(o.cfg.HealthInterval):
		}
	}
}

// settle moves an executing plan to its terminal state.
func (o *Orchestrator) settle(ctx context.Context, plan *core.Plan, actor string, to core.PlanStatus, payload map[string]interface{}) error {
	if err := o.store.SwapPlanStatus(ctx, plan.ID, core.PlanExecuting, to); err != nil {
		return err
	}
	plan.Status = to
	o.recordTransition(ctx, plan.ID, actor, core.PlanExecuting, to, payload)
	return nil
}

// recordTransition emits the single audit event for one status transition.
func (o *Orchestrator) recordTransition(ctx context.Context, planID, actor string, from, to core.PlanStatus, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.recorder.Record(ctx, audit.Event{
		PlanID:  planID,
		Actor:   actor,
		Action:  "plan.transition",
		Payload: payload,
	})
	o.metrics.RecordPlanTransition(string(to))
}

func (o *Orchestrator) appendLog(ctx context.Context, planID, deviceID string, batch int, phase string, err error, detail string, duration time.Duration) {
	result := core.AuditResultOK
	if err != nil {
		result = core.AuditResultError
		if detail == "" {
			detail = core.AsCoreError(err).Message
		}
	}
	entry := &core.ExecutionLogEntry{
		PlanID:    planID,
		DeviceID:  deviceID,
		Batch:     batch,
		Phase:     phase,
		Result:    result,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
		Duration:  duration,
	}
	// Log entries must land even when the triggering context has expired.
	if err := o.store.AppendExecutionLog(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.WithPlanID(planID).WithError(err).Warn("failed to append execution log entry")
	}
}

func partition(deviceIDs []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(deviceIDs); start += size {
		end := start + size
		if end > len(deviceIDs) {
			end = len(deviceIDs)
		}
		batches = append(batches, deviceIDs[start:end])
	}
	return batches
}

func devicesOf(applied []appliedChange) []string {
	seen := make(map[string]bool, len(applied))
	var out []string
	for _, ac := range applied {
		if !seen[ac.device.ID] {
			seen[ac.device.ID] = true
			out = append(out, ac.device.ID)
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
