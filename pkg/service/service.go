// Package service is the façade over the plan lifecycle. It wires the
// builder, validator, approval gate, and orchestrator together and is the
// only surface outer transports call. Every request carries a correlation ID
// that threads through logging and the audit trail.
package service

import (
	"context"
	"time"

	"github.com/netward/netward/pkg/approval"
	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/orchestrator"
	"github.com/netward/netward/pkg/planner"
	"github.com/netward/netward/pkg/telemetry"
	"github.com/netward/netward/pkg/validator"
)

// Service exposes the plan lifecycle operations.
type Service struct {
	builder   *planner.Builder
	validator *validator.Validator
	gate      *approval.Gate
	orch      *orchestrator.Orchestrator
	store     core.PlanStore
	recorder  *audit.Recorder
	logger    *telemetry.Logger
}

// New assembles the service from its components.
func New(builder *planner.Builder, v *validator.Validator, gate *approval.Gate, orch *orchestrator.Orchestrator, store core.PlanStore, recorder *audit.Recorder, logger *telemetry.Logger) *Service {
	return &Service{
		builder:   builder,
		validator: v,
		gate:      gate,
		orch:      orch,
		store:     store,
		recorder:  recorder,
		logger:    logger.NewComponentLogger("service"),
	}
}

// CreatePlanRequest describes the desired end state for a set of devices.
type CreatePlanRequest struct {
	Changes []planner.DesiredChange `json:"changes"`
	Creator string                  `json:"creator"`
}

// CreatePlan computes and persists a draft plan by diffing the desired state
// against each device's current state. No writes reach any device.
func (s *Service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*core.Plan, error) {
	ctx = telemetry.EnsureCorrelation(ctx)

	plan, err := s.builder.ComputePlan(ctx, req.Changes, req.Creator)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		PlanID: plan.ID,
		Actor:  req.Creator,
		Action: "plan.create",
		Payload: map[string]interface{}{
			"devices": len(plan.DeviceIDs),
			"changes": len(plan.Changes),
			"risk":    string(plan.Risk),
		},
	})
	s.logger.WithPlanID(plan.ID).WithField("devices", len(plan.DeviceIDs)).Info("Plan created")
	return plan, nil
}

// ValidateResult bundles the plan with its validation outcome.
type ValidateResult struct {
	Plan   *core.Plan       `json:"plan"`
	Result validator.Result `json:"result"`
}

// Validate runs every check against a draft plan and, when all blocking
// checks pass, moves it to Validated. Violations are returned in full, never
// just the first.
func (s *Service) Validate(ctx context.Context, planID, actor string, opts validator.Options) (*ValidateResult, error) {
	ctx = telemetry.EnsureCorrelation(ctx)

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != core.PlanDraft && plan.Status != core.PlanValidated {
		return nil, core.NewError(core.ErrValidationFailed,
			"only a draft plan can be validated").WithPlan(planID).WithDetail("status", string(plan.Status))
	}

	result, err := s.validator.Validate(ctx, plan, opts)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		PlanID: planID,
		Actor:  actor,
		Action: "plan.validate",
		Payload: map[string]interface{}{
			"violations": len(result.Violations),
			"ok":         result.OK(),
		},
	})

	if result.OK() && plan.Status == core.PlanDraft {
		if err := s.store.SwapPlanStatus(ctx, planID, core.PlanDraft, core.PlanValidated); err != nil {
			return nil, err
		}
		s.recorder.Record(ctx, audit.Event{
			PlanID:  planID,
			Actor:   actor,
			Action:  "plan.transition",
			Payload: map[string]interface{}{"from": string(core.PlanDraft), "to": string(core.PlanValidated)},
		})
		plan, err = s.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
	}

	return &ValidateResult{Plan: plan, Result: result}, nil
}

// IssueApproval signs a single-use approval token for a validated plan and
// returns its opaque encoding.
func (s *Service) IssueApproval(ctx context.Context, planID string, ttl time.Duration, actor string) (string, *core.ApprovalToken, error) {
	ctx = telemetry.EnsureCorrelation(ctx)
	return s.gate.IssueToken(ctx, planID, ttl, actor)
}

// Apply consumes the approval token, claims the plan, and executes it to a
// terminal state. With an empty token, the plan is self-approved when that
// mode is enabled, or must already be Approved.
func (s *Service) Apply(ctx context.Context, planID, token, actor string) (*core.Plan, error) {
	ctx = telemetry.EnsureCorrelation(ctx)

	if token != "" {
		plan, err := s.gate.VerifyAndConsume(ctx, token, actor)
		switch {
		case err == nil:
			if plan.ID != planID {
				return nil, core.NewError(core.ErrForbidden, "approval token is bound to a different plan").WithPlan(planID)
			}
		case core.IsCode(err, core.ErrTokenConsumed):
			// A concurrent caller with the same token already moved the
			// plan to Approved. Fall through to the claim: the status
			// swap decides who executes and the loser gets
			// ALREADY_EXECUTING.
			current, getErr := s.store.GetPlan(ctx, planID)
			if getErr != nil || (current.Status != core.PlanApproved && current.Status != core.PlanExecuting) {
				return nil, err
			}
		default:
			return nil, err
		}
	} else {
		plan, err := s.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if plan.Status == core.PlanValidated {
			if _, err := s.gate.SelfApprove(ctx, planID, actor); err != nil {
				return nil, err
			}
		}
	}

	return s.orch.Apply(ctx, planID, actor)
}

// GetPlan returns a plan by ID.
func (s *Service) GetPlan(ctx context.Context, planID string) (*core.Plan, error) {
	return s.store.GetPlan(ctx, planID)
}

// ListPlans returns plans matching the filter, newest first.
func (s *Service) ListPlans(ctx context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	return s.store.ListPlans(ctx, filter)
}

// ExecutionLog returns the per-device execution history of a plan.
func (s *Service) ExecutionLog(ctx context.Context, planID string) ([]core.ExecutionLogEntry, error) {
	return s.store.GetExecutionLog(ctx, planID)
}

// AuditTrail returns every audit event recorded under a correlation ID.
func (s *Service) AuditTrail(ctx context.Context, correlationID string) ([]core.AuditEvent, error) {
	return s.recorder.Events(ctx, correlationID)
}
