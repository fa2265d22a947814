package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Environment classifies a device into a deployment tier. The set is closed
// and a device's environment never changes after registration.
type Environment string

const (
	EnvironmentLab        Environment = "lab"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether the environment is one of the known tiers.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentLab, EnvironmentStaging, EnvironmentProduction:
		return true
	}
	return false
}

// Capability names a class of operations a device permits.
type Capability string

const (
	CapabilityConfigWrite    Capability = "config-write"
	CapabilityServiceRestart Capability = "service-restart"
	CapabilityFirmware       Capability = "firmware"
	CapabilityDiagnostics    Capability = "diagnostics"
)

// OperationKind identifies the kind of change applied to a device.
type OperationKind string

const (
	OpSetConfig      OperationKind = "set-config"
	OpRestartService OperationKind = "restart-service"
	OpUpdateFirmware OperationKind = "update-firmware"
	OpRunDiagnostic  OperationKind = "run-diagnostic"
)

// RequiredCapability returns the capability flag that gates an operation kind.
func (k OperationKind) RequiredCapability() Capability {
	switch k {
	case OpSetConfig:
		return CapabilityConfigWrite
	case OpRestartService:
		return CapabilityServiceRestart
	case OpUpdateFirmware:
		return CapabilityFirmware
	case OpRunDiagnostic:
		return CapabilityDiagnostics
	}
	return Capability(k)
}

// HealthStatus is the last known health of a device.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Device describes a managed network device. Devices are owned by the
// external registry; the engine references them and never mutates them.
type Device struct {
	// ID is the registry identifier of the device.
	ID string `json:"id"`

	// Address is the management address used by the structured API transport.
	Address string `json:"address"`

	// Environment is the immutable deployment tier of the device.
	Environment Environment `json:"environment"`

	// Capabilities gates which operation classes may target the device.
	Capabilities map[Capability]bool `json:"capabilities"`

	// CredentialHandle is an opaque reference resolved by the credential
	// store per call. Never a credential itself.
	CredentialHandle string `json:"credential_handle"`

	// Health is the last known health status.
	Health HealthStatus `json:"health"`
}

// HasCapability reports whether the device permits the given capability.
func (d *Device) HasCapability(c Capability) bool {
	return d.Capabilities[c]
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanValidated  PlanStatus = "validated"
	PlanApproved   PlanStatus = "approved"
	PlanExecuting  PlanStatus = "executing"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
)

// IsTerminal reports whether the status is a terminal state.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	switch s {
	case PlanDraft:
		return next == PlanValidated
	case PlanValidated:
		return next == PlanApproved
	case PlanApproved:
		return next == PlanExecuting
	case PlanExecuting:
		return next == PlanCompleted || next == PlanRolledBack || next == PlanFailed
	}
	return false
}

// RiskRating is a coarse risk classification derived at plan build time.
type RiskRating string

const (
	RiskLow    RiskRating = "low"
	RiskMedium RiskRating = "medium"
	RiskHigh   RiskRating = "high"
)

// Change is one device-scoped operation within a plan, with the state
// captured before the change and the state desired after it.
type Change struct {
	// DeviceID is the target device.
	DeviceID string `json:"device_id"`

	// Kind is the operation kind.
	Kind OperationKind `json:"kind"`

	// Before is the device state captured when the plan was built.
	Before json.RawMessage `json:"before,omitempty"`

	// After is the desired state.
	After json.RawMessage `json:"after"`

	// IdempotencyKey is a stable hash over device, kind, and target values,
	// used to detect duplicate or retried steps.
	IdempotencyKey string `json:"idempotency_key"`
}

// IdempotencyKey computes the stable key for a change. Target values are
// canonicalized through their JSON encoding so that semantically identical
// changes hash identically.
func IdempotencyKey(deviceID string, kind OperationKind, after json.RawMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", deviceID, kind)
	h.Write(canonicalJSON(after))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes a JSON document with sorted object keys.
// Falls back to the raw bytes if the document does not parse.
func canonicalJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sortKeys(v))
	if err != nil {
		return raw
	}
	return out
}

func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]interface{}, len(t))
		for _, k := range keys {
			m[k] = sortKeys(t[k])
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = sortKeys(t[i])
		}
		return t
	}
	return v
}

// Plan is a proposal to change one or more devices. It is immutable once
// approved and never deleted, only retained per audit policy.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// Status is the lifecycle state. It is the sole arbiter of who may act
	// on the plan next and is only updated through compare-and-swap.
	Status PlanStatus `json:"status"`

	// DeviceIDs is the target device set, bounded by the configured ceiling.
	DeviceIDs []string `json:"device_ids"`

	// Changes is the ordered change list.
	Changes []Change `json:"changes"`

	// Summary is a human-readable description of what the plan will do.
	Summary string `json:"summary"`

	// Risk is the derived risk rating.
	Risk RiskRating `json:"risk"`

	// Creator is the actor that created the plan.
	Creator string `json:"creator"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// TokenID references the approval token bound to this plan, if issued.
	TokenID string `json:"token_id,omitempty"`

	// TokenExpiry is when the bound approval token expires.
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`

	// FailedDevices lists devices whose rollback could not complete and
	// require manual remediation. Only set on plans in the failed state.
	FailedDevices []string `json:"failed_devices,omitempty"`

	// Version is incremented on every status change for optimistic locking.
	Version int64 `json:"version"`
}

// ChangesFor returns the plan's changes targeting the given device, in order.
func (p *Plan) ChangesFor(deviceID string) []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out
}

// ApprovalToken authorizes execution of one specific plan. Tokens are
// short-lived, single-use, and signed with a server-held secret; the signed
// form handed to callers is opaque.
type ApprovalToken struct {
	// ID is the token identifier.
	ID string `json:"id"`

	// PlanID is the plan this token authorizes.
	PlanID string `json:"plan_id"`

	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the token stops authorizing execution.
	ExpiresAt time.Time `json:"expires_at"`

	// Consumed is flipped exactly once, on successful verification.
	Consumed bool `json:"consumed"`
}

// AuditEvent is one append-only entry in the audit trail.
type AuditEvent struct {
	// ID is the event identifier.
	ID string `json:"id"`

	// CorrelationID threads one logical request through every component.
	CorrelationID string `json:"correlation_id"`

	// PlanID is the related plan, if any.
	PlanID string `json:"plan_id,omitempty"`

	// DeviceID is the related device, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Actor is who or what performed the action.
	Actor string `json:"actor"`

	// Action names the action taken, e.g. "plan.apply" or "adapter.write".
	Action string `json:"action"`

	// Result is the outcome: "ok" or "error".
	Result string `json:"result"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries redacted structured context. Credentials and raw
	// upstream bodies are scrubbed before the event is appended.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Audit result values.
const (
	AuditResultOK    = "ok"
	AuditResultError = "error"
)

// Operation is a single transport-level operation executed against a device.
type Operation struct {
	// Kind is the operation kind.
	Kind OperationKind `json:"kind"`

	// Payload is the operation body delivered to the device.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Write indicates the operation mutates device state. Writes are never
	// automatically retried.
	Write bool `json:"write"`
}

// OperationResult is the outcome of one adapter execution.
type OperationResult struct {
	// DeviceID is the device the operation ran against.
	DeviceID string `json:"device_id"`

	// Kind is the operation kind.
	Kind OperationKind `json:"kind"`

	// Transport records which channel served the call ("api" or "cli").
	Transport string `json:"transport"`

	// State is the device state returned by the operation, if any.
	State json.RawMessage `json:"state,omitempty"`

	// Duration is how long the call took.
	Duration time.Duration `json:"duration"`
}

// ExecutionLogEntry records one applied or reverted change during a run.
type ExecutionLogEntry struct {
	// PlanID is the plan being executed.
	PlanID string `json:"plan_id"`

	// DeviceID is the device the entry refers to.
	DeviceID string `json:"device_id"`

	// Batch is the zero-based batch index.
	Batch int `json:"batch"`

	// Phase is "apply", "health", or "rollback".
	Phase string `json:"phase"`

	// Result is "ok" or "error".
	Result string `json:"result"`

	// Detail is a short human-readable note (never raw upstream bodies).
	Detail string `json:"detail,omitempty"`

	// Timestamp is when the entry was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

// Execution phases recorded in the log.
const (
	PhaseApply    = "apply"
	PhaseHealth   = "health"
	PhaseRollback = "rollback"
)

// PlanFilter selects plans in list queries.
type PlanFilter struct {
	// Status restricts results to a lifecycle state.
	Status PlanStatus `json:"status,omitempty"`

	// Creator restricts results to plans created by an actor.
	Creator string `json:"creator,omitempty"`

	// DeviceID restricts results to plans targeting a device.
	DeviceID string `json:"device_id,omitempty"`

	// Limit caps the number of results. Zero means the store default.
	Limit int `json:"limit,omitempty"`

	// Offset skips results for pagination.
	Offset int `json:"offset,omitempty"`
}

// DeviceFilter selects devices in registry queries.
type DeviceFilter struct {
	// Environment restricts results to a deployment tier.
	Environment Environment `json:"environment,omitempty"`

	// Capability restricts results to devices carrying a capability.
	Capability Capability `json:"capability,omitempty"`
}
