// Package validator performs pre-approval checks on draft plans.
//
// Validation never fails fast: every check runs and every violation is
// collected, so an operator can fix a rejected plan in a single pass. The
// structural checks (device resolution, capability flags, duplicate
// idempotency keys) are implemented directly; environment and safety rules
// are Rego policies evaluated by the embedded policy engine, which also
// accepts external policy directories with hot reload.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// Violation describes one reason a plan failed validation.
type Violation struct {
	// Check names the failed check or policy.
	Check string `json:"check"`

	// Severity of the violation. Only error and critical violations block
	// the Draft to Validated transition.
	Severity Severity `json:"severity"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// DeviceID is set when the violation concerns a single device.
	DeviceID string `json:"device_id,omitempty"`
}

// Blocking reports whether the violation prevents validation.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// Result is the outcome of validating a plan.
type Result struct {
	// Violations holds every violation found, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds policy engine evaluation problems that did not
	// produce violations.
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the plan may transition to Validated.
func (r Result) OK() bool {
	for _, v := range r.Violations {
		if v.Blocking() {
			return false
		}
	}
	return true
}

// Options control per-plan validation behavior.
type Options struct {
	// AllowCrossEnvironment permits a plan to span environment tags.
	AllowCrossEnvironment bool
}

// Validator validates draft plans against structural checks and policies.
type Validator struct {
	registry core.DeviceRegistry
	engine   *Engine
	logger   *telemetry.Logger
}

// New creates a Validator backed by the given registry and policy engine.
func New(registry core.DeviceRegistry, engine *Engine, logger *telemetry.Logger) *Validator {
	return &Validator{
		registry: registry,
		engine:   engine,
		logger:   logger.NewComponentLogger("validator"),
	}
}

// Validate runs every check against the plan and returns the complete set of
// violations. It never stops at the first failure. The returned error is
// reserved for infrastructure problems; a plan that merely violates checks
// yields a Result with OK() == false and a nil error.
func (v *Validator) Validate(ctx context.Context, plan *core.Plan, opts Options) (Result, error) {
	var result Result

	devices := v.resolveDevices(ctx, plan, &result)

	v.checkChangesTargetListedDevices(plan, &result)
	v.checkCapabilities(plan, devices, &result)
	v.checkDuplicateIdempotencyKeys(plan, &result)

	input, err := policyInput(plan, devices, opts)
	if err != nil {
		return result, core.WrapError(core.ErrInternal, "build policy input", err).WithPlan(plan.ID)
	}

	policyViolations, warnings, err := v.engine.Evaluate(ctx, input)
	if err != nil {
		return result, core.WrapError(core.ErrInternal, "evaluate policies", err).WithPlan(plan.ID)
	}
	result.Violations = append(result.Violations, policyViolations...)
	result.Warnings = append(result.Warnings, warnings...)

	v.logger.WithPlanID(plan.ID).
		WithField("violations", len(result.Violations)).
		WithField("ok", result.OK()).
		Info("Plan validated")

	return result, nil
}

// resolveDevices looks up every targeted device. Unknown devices become
// violations rather than an immediate error so the remaining checks still run
// for the devices that do resolve.
func (v *Validator) resolveDevices(ctx context.Context, plan *core.Plan, result *Result) map[string]*core.Device {
	devices := make(map[string]*core.Device, len(plan.DeviceIDs))
	for _, id := range plan.DeviceIDs {
		device, err := v.registry.LookupDevice(ctx, id)
		if err != nil {
			result.Violations = append(result.Violations, Violation{
				Check:    "device-exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("device %s is not registered", id),
				DeviceID: id,
			})
			continue
		}
		devices[id] = device
	}
	return devices
}

func (v *Validator) checkChangesTargetListedDevices(plan *core.Plan, result *Result) {
	listed := make(map[string]bool, len(plan.DeviceIDs))
	for _, id := range plan.DeviceIDs {
		listed[id] = true
	}
	for i := range plan.Changes {
		if !listed[plan.Changes[i].DeviceID] {
			result.Violations = append(result.Violations, Violation{
				Check:    "change-device-listed",
				Severity: SeverityError,
				Message:  fmt.Sprintf("change %d targets device %s which is not in the plan's device set", i, plan.Changes[i].DeviceID),
				DeviceID: plan.Changes[i].DeviceID,
			})
		}
	}
}

func (v *Validator) checkCapabilities(plan *core.Plan, devices map[string]*core.Device, result *Result) {
	for i := range plan.Changes {
		change := &plan.Changes[i]
		device, ok := devices[change.DeviceID]
		if !ok {
			continue
		}
		required := change.Kind.RequiredCapability()
		if !device.Capabilities[required] {
			result.Violations = append(result.Violations, Violation{
				Check:    "capability",
				Severity: SeverityError,
				Message:  fmt.Sprintf("device %s lacks capability %s required by operation %s", change.DeviceID, required, change.Kind),
				DeviceID: change.DeviceID,
			})
		}
	}
}

func (v *Validator) checkDuplicateIdempotencyKeys(plan *core.Plan, result *Result) {
	seen := make(map[string]int, len(plan.Changes))
	for i := range plan.Changes {
		key := plan.Changes[i].IdempotencyKey
		if first, dup := seen[key]; dup {
			result.Violations = append(result.Violations, Violation{
				Check:    "duplicate-idempotency-key",
				Severity: SeverityError,
				Message:  fmt.Sprintf("changes %d and %d share idempotency key %s", first, i, key),
				DeviceID: plan.Changes[i].DeviceID,
			})
			continue
		}
		seen[key] = i
	}
}

// policyInput builds the Rego input document. The plan and devices are passed
// through JSON so policies see the same field names as the wire format.
func policyInput(plan *core.Plan, devices map[string]*core.Device, opts Options) (map[string]any, error) {
	var planDoc map[string]any
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &planDoc); err != nil {
		return nil, err
	}

	deviceDocs := make(map[string]any, len(devices))
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		raw, err := json.Marshal(devices[id])
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		deviceDocs[id] = doc
	}

	return map[string]any{
		"plan":                    planDoc,
		"devices":                 deviceDocs,
		"allow_cross_environment": opts.AllowCrossEnvironment,
	}, nil
}
