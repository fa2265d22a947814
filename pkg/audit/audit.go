// Package audit records the append-only audit trail for NetWard.
// Every plan transition, adapter write attempt, and token issuance or
// consumption produces exactly one event, stamped with the correlation ID
// threaded from the originating request. Payloads are redacted before they
// are persisted; credentials never reach the trail.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// redactedKeys are payload key substrings whose values are scrubbed.
var redactedKeys = []string{
	"password", "secret", "credential", "token", "key", "auth",
}

const redactedValue = "[REDACTED]"

// Recorder writes audit events to a sink and mirrors them to the log.
type Recorder struct {
	sink   core.AuditSink
	logger *telemetry.Logger
}

// NewRecorder creates a recorder over the given sink.
func NewRecorder(sink core.AuditSink, logger *telemetry.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.NewComponentLogger("audit"),
	}
}

// Event is the builder input for one audit record.
type Event struct {
	PlanID   string
	DeviceID string
	Actor    string
	Action   string
	Err      error
	Payload  map[string]interface{}
}

// Record appends one audit event. The correlation ID is taken from the
// context. Recording failures are logged but do not fail the caller's
// operation; the caller's own error path already surfaces the root cause.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	result := core.AuditResultOK
	payload := Redact(ev.Payload)
	if ev.Err != nil {
		result = core.AuditResultError
		if payload == nil {
			payload = make(map[string]interface{})
		}
		ce := core.AsCoreError(ev.Err)
		payload["error_code"] = string(ce.Code)
		payload["error"] = ce.Message
	}

	event := &core.AuditEvent{
		ID:            uuid.New().String(),
		CorrelationID: telemetry.CorrelationID(ctx),
		PlanID:        ev.PlanID,
		DeviceID:      ev.DeviceID,
		Actor:         ev.Actor,
		Action:        ev.Action,
		Result:        result,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}

	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.WithError(err).
			WithCorrelationID(event.CorrelationID).
			Errorf("failed to append audit event for action %s", ev.Action)
		return
	}

	r.logger.Zerolog().Info().
		Str("correlation_id", event.CorrelationID).
		Str("action", event.Action).
		Str("actor", event.Actor).
		Str("result", event.Result).
		Str("plan_id", event.PlanID).
		Str("device_id", event.DeviceID).
		Msg("audit event")
}

// Events returns the audit trail for a correlation ID.
func (r *Recorder) Events(ctx context.Context, correlationID string) ([]core.AuditEvent, error) {
	return r.sink.Events(ctx, correlationID)
}

// Redact returns a copy of the payload with sensitive values scrubbed.
// Nested maps are redacted recursively. The input map is not modified.
func Redact(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range redactedKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
