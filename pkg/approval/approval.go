// Package approval implements the gate between a validated plan and its
// execution. Tokens are HMAC-signed, short-lived, and single-use; the signed
// fields travel inside the opaque token string, so the caller never handles
// signature material directly.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// Config controls gate behavior.
type Config struct {
	// Secret is the server-held key used to sign tokens. Required unless
	// SelfApproval is set.
	Secret []byte

	// DefaultTTL is the token lifetime used when the caller does not pass
	// one. Defaults to 15 minutes.
	DefaultTTL time.Duration

	// SelfApproval permits approving a plan without a token. Intended for
	// single-operator deployments only.
	SelfApproval bool
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
}

// Gate issues and consumes approval tokens.
type Gate struct {
	cfg      Config
	store    core.PlanStore
	recorder *audit.Recorder
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewGate creates an approval gate. The secret must be non-empty unless
// self-approval mode is enabled.
func NewGate(cfg Config, store core.PlanStore, recorder *audit.Recorder, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Gate, error) {
	cfg.applyDefaults()
	if len(cfg.Secret) == 0 && !cfg.SelfApproval {
		return nil, core.NewError(core.ErrInternal, "approval gate requires a signing secret")
	}
	return &Gate{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		logger:   logger.NewComponentLogger("approval"),
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// tokenEnvelope is the decoded form of the opaque token string.
type tokenEnvelope struct {
	TokenID   string `json:"tid"`
	PlanID    string `json:"pid"`
	ExpiresAt int64  `json:"exp"`
	Signature []byte `json:"sig"`
}

// IssueToken signs a new single-use token for a validated plan and returns
// the opaque encoded form. Issuing a token for a plan that is not in
// Validated fails with PLAN_NOT_APPROVED.
func (g *Gate) IssueToken(ctx context.Context, planID string, ttl time.Duration, actor string) (string, *core.ApprovalToken, error) {
	if ttl <= 0 {
		ttl = g.cfg.DefaultTTL
	}

	plan, err := g.store.GetPlan(ctx, planID)
	if err != nil {
		return "", nil, err
	}
	if plan.Status != core.PlanValidated {
		return "", nil, core.NewError(core.ErrPlanNotApproved,
			fmt.Sprintf("plan is %s; only a validated plan can be approved", plan.Status)).WithPlan(planID)
	}

	issued := g.now().UTC()
	token := &core.ApprovalToken{
		ID:        uuid.New().String(),
		PlanID:    planID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
	}
	if err := g.store.CreateToken(ctx, token); err != nil {
		return "", nil, err
	}

	expiry := token.ExpiresAt
	plan.TokenID = token.ID
	plan.TokenExpiry = &expiry
	if err := g.store.UpdatePlan(ctx, plan); err != nil {
		return "", nil, err
	}

	encoded := g.encode(token)

	g.recorder.Record(ctx, audit.Event{
		PlanID: planID,
		Actor:  actor,
		Action: "token.issue",
		Payload: map[string]interface{}{
			"token_id":   token.ID,
			"expires_at": token.ExpiresAt,
		},
	})
	g.metrics.RecordTokenIssued()
	g.logger.WithPlanID(planID).WithField("token_id", token.ID).Info("Approval token issued")

	return encoded, token, nil
}

// VerifyAndConsume checks the token's signature, expiry, and consumed flag,
// atomically marks it consumed, and moves the plan to Approved. A replayed
// token fails with TOKEN_ALREADY_USED; a stale one fails with PLAN_EXPIRED.
// Neither failure changes the plan's status.
func (g *Gate) VerifyAndConsume(ctx context.Context, encoded, actor string) (*core.Plan, error) {
	env, err := g.decode(encoded)
	if err != nil {
		g.recordConsume(ctx, "", actor, err)
		return nil, err
	}

	want := g.sign(env.PlanID, env.TokenID, env.ExpiresAt)
	if !hmac.Equal(env.Signature, want) {
		err := core.NewError(core.ErrForbidden, "approval token signature mismatch").WithPlan(env.PlanID)
		g.recordConsume(ctx, env.PlanID, actor, err)
		return nil, err
	}

	if g.now().After(time.Unix(env.ExpiresAt, 0)) {
		err := core.NewError(core.ErrPlanExpired, "approval token has expired").WithPlan(env.PlanID)
		g.recordConsume(ctx, env.PlanID, actor, err)
		return nil, err
	}

	if err := g.store.ConsumeToken(ctx, env.TokenID); err != nil {
		g.recordConsume(ctx, env.PlanID, actor, err)
		return nil, err
	}

	if err := g.store.SwapPlanStatus(ctx, env.PlanID, core.PlanValidated, core.PlanApproved); err != nil {
		g.recordConsume(ctx, env.PlanID, actor, err)
		return nil, err
	}

	g.recordConsume(ctx, env.PlanID, actor, nil)
	g.logger.WithPlanID(env.PlanID).WithField("token_id", env.TokenID).Info("Approval token consumed")

	return g.store.GetPlan(ctx, env.PlanID)
}

// SelfApprove moves a validated plan straight to Approved without a token.
// Fails with FORBIDDEN unless self-approval mode is configured.
func (g *Gate) SelfApprove(ctx context.Context, planID, actor string) (*core.Plan, error) {
	if !g.cfg.SelfApproval {
		err := core.NewError(core.ErrForbidden, "self-approval is not enabled").WithPlan(planID)
		g.recordConsume(ctx, planID, actor, err)
		return nil, err
	}

	if err := g.store.SwapPlanStatus(ctx, planID, core.PlanValidated, core.PlanApproved); err != nil {
		g.recordConsume(ctx, planID, actor, err)
		return nil, err
	}

	g.recorder.Record(ctx, audit.Event{
		PlanID:  planID,
		Actor:   actor,
		Action:  "plan.self_approve",
		Payload: map[string]interface{}{"self_approval": true},
	})
	g.logger.WithPlanID(planID).Info("Plan self-approved")

	return g.store.GetPlan(ctx, planID)
}

func (g *Gate) recordConsume(ctx context.Context, planID, actor string, err error) {
	result := "ok"
	if err != nil {
		result = string(core.CodeOf(err))
	}
	g.recorder.Record(ctx, audit.Event{
		PlanID: planID,
		Actor:  actor,
		Action: "token.consume",
		Err:    err,
	})
	g.metrics.RecordTokenConsumed(result)
}

func (g *Gate) sign(planID, tokenID string, expiresAt int64) []byte {
	mac := hmac.New(sha256.New, g.cfg.Secret)
	fmt.Fprintf(mac, "%s\x00%s\x00%d", planID, tokenID, expiresAt)
	return mac.Sum(nil)
}

func (g *Gate) encode(token *core.ApprovalToken) string {
	env := tokenEnvelope{
		TokenID:   token.ID,
		PlanID:    token.PlanID,
		ExpiresAt: token.ExpiresAt.Unix(),
	}
	env.Signature = g.sign(env.PlanID, env.TokenID, env.ExpiresAt)
	raw, _ := json.Marshal(env)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (g *Gate) decode(encoded string) (*tokenEnvelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, core.NewError(core.ErrForbidden, "malformed approval token")
	}
	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, core.NewError(core.ErrForbidden, "malformed approval token")
	}
	if env.TokenID == "" || env.PlanID == "" {
		return nil, core.NewError(core.ErrForbidden, "malformed approval token")
	}
	return &env, nil
}
