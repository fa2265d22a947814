package core

import (
	"context"
)

// DeviceRegistry is the external device inventory, read-only from the
// engine's perspective.
type DeviceRegistry interface {
	// LookupDevice retrieves a device by ID.
	LookupDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices lists devices matching the filter.
	ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error)
}

// Credentials is an opaque credential bundle resolved per call. Instances
// must never be logged or persisted; they live only for the call that
// resolved them.
type Credentials struct {
	// Username is the account used for device access.
	Username string

	// Secret is the password or key material.
	Secret string
}

// CredentialStore resolves device credentials from an opaque handle.
type CredentialStore interface {
	// Resolve returns credentials for a device. Results are read fresh on
	// every call and never cached in plaintext beyond the call's lifetime.
	Resolve(ctx context.Context, deviceID string) (Credentials, error)
}

// HealthChecker verifies device health, reused for post-batch verification.
type HealthChecker interface {
	// Check returns nil if the device is healthy.
	Check(ctx context.Context, deviceID string) error
}

// DeviceTransport executes operations against devices. Implementations are
// transport-agnostic to callers: the adapter selects the structured API or
// the restricted command fallback internally.
type DeviceTransport interface {
	// Execute runs an operation against a device and returns its result.
	Execute(ctx context.Context, device *Device, op Operation) (*OperationResult, error)

	// ReadState reads the current state of a device for an operation kind.
	// Read-only; retried transparently on transient failure.
	ReadState(ctx context.Context, device *Device, kind OperationKind) (*OperationResult, error)
}

// PlanStore persists plans, tokens, and execution logs.
type PlanStore interface {
	// CreatePlan persists a new plan in draft state.
	CreatePlan(ctx context.Context, plan *Plan) error

	// GetPlan retrieves a plan by ID.
	GetPlan(ctx context.Context, id string) (*Plan, error)

	// ListPlans lists plans matching the filter, newest first.
	ListPlans(ctx context.Context, filter PlanFilter) ([]Plan, error)

	// UpdatePlan persists plan fields other than status.
	UpdatePlan(ctx context.Context, plan *Plan) error

	// SwapPlanStatus atomically moves a plan from one status to another.
	// Returns ErrAlreadyExecuting-classified conflict when the plan is not
	// in the expected state, so exactly one caller wins a claim.
	SwapPlanStatus(ctx context.Context, id string, from, to PlanStatus) error

	// CreateToken persists an approval token.
	CreateToken(ctx context.Context, token *ApprovalToken) error

	// GetToken retrieves a token by ID.
	GetToken(ctx context.Context, id string) (*ApprovalToken, error)

	// ConsumeToken atomically flips the consumed flag. Returns a
	// TOKEN_ALREADY_USED error when the token was consumed before.
	ConsumeToken(ctx context.Context, id string) error

	// AppendExecutionLog appends one execution log entry.
	AppendExecutionLog(ctx context.Context, entry *ExecutionLogEntry) error

	// GetExecutionLog returns the execution log for a plan, in order.
	GetExecutionLog(ctx context.Context, planID string) ([]ExecutionLogEntry, error)
}

// AuditSink records append-only audit events. There are no updates or
// deletes; every state transition, adapter write attempt, and token
// issuance or consumption produces exactly one event.
type AuditSink interface {
	// Append records one audit event.
	Append(ctx context.Context, event *AuditEvent) error

	// Events returns events for a correlation ID, in append order.
	Events(ctx context.Context, correlationID string) ([]AuditEvent, error)
}
