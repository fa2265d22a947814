package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// Config tunes the adapter's resource and failure behavior.
type Config struct {
	// MaxInFlightPerDevice caps concurrent calls per device.
	MaxInFlightPerDevice int `yaml:"max_in_flight_per_device" validate:"omitempty,min=1"`

	// ReadRetries is the number of retries for read operations.
	ReadRetries int `yaml:"read_retries" validate:"omitempty,min=0,max=10"`

	// RetryBaseDelay is the initial backoff delay for read retries.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// per-device circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold" validate:"omitempty,min=1"`

	// BreakerCooldown is how long an open breaker short-circuits calls.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlightPerDevice: 2,
		ReadRetries:          3,
		RetryBaseDelay:       500 * time.Millisecond,
		RetryMaxDelay:        10 * time.Second,
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxInFlightPerDevice <= 0 {
		c.MaxInFlightPerDevice = d.MaxInFlightPerDevice
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
}

// deviceState holds per-device concurrency and failure tracking.
type deviceState struct {
	sem     chan struct{}
	breaker *breaker
}

// Adapter implements core.DeviceTransport over the dual management channel.
type Adapter struct {
	api      APIClient
	cli      CommandRunner
	creds    core.CredentialStore
	recorder *audit.Recorder
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	cfg      Config

	mu      sync.Mutex
	devices map[string]*deviceState
}

// New creates a device adapter. The recorder receives one audit event per
// write attempt, success or failure.
func New(api APIClient, cli CommandRunner, creds core.CredentialStore, recorder *audit.Recorder, logger *telemetry.Logger, metrics *telemetry.Metrics, cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{
		api:      api,
		cli:      cli,
		creds:    creds,
		recorder: recorder,
		logger:   logger.NewComponentLogger("adapter"),
		metrics:  metrics,
		cfg:      cfg,
		devices:  make(map[string]*deviceState),
	}
}

func (a *Adapter) state(deviceID string) *deviceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.devices[deviceID]
	if !ok {
		st = &deviceState{
			sem:     make(chan struct{}, a.cfg.MaxInFlightPerDevice),
			breaker: newBreaker(a.cfg.BreakerThreshold, a.cfg.BreakerCooldown),
		}
		a.devices[deviceID] = st
	}
	return st
}

// Execute runs an operation against a device, selecting the transport
// internally. Write operations are executed at most once.
func (a *Adapter) Execute(ctx context.Context, device *core.Device, op core.Operation) (*core.OperationResult, error) {
	result, err := a.execute(ctx, device, op)
	if op.Write {
		a.recorder.Record(ctx, audit.Event{
			DeviceID: device.ID,
			Actor:    "adapter",
			Action:   "adapter.write",
			Err:      err,
			Payload: map[string]interface{}{
				"kind":      string(op.Kind),
				"transport": transportOf(result),
			},
		})
	}
	return result, err
}

// ReadState reads current device state for an operation kind, retrying
// transparently on transient failure.
func (a *Adapter) ReadState(ctx context.Context, device *core.Device, kind core.OperationKind) (*core.OperationResult, error) {
	op := core.Operation{Kind: kind, Write: false}

	var result *core.OperationResult
	var err error
	for attempt := 0; attempt <= a.cfg.ReadRetries; attempt++ {
		result, err = a.execute(ctx, device, op)
		if err == nil || !core.IsRetryable(err) {
			return result, err
		}
		if attempt == a.cfg.ReadRetries {
			break
		}
		delay := a.backoff(attempt, err)
		a.logger.WithDeviceID(device.ID).WithError(err).
			Debugf("read failed, retrying in %s (attempt %d/%d)", delay, attempt+1, a.cfg.ReadRetries)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, core.WrapError(core.ErrTimeout, "read cancelled during retry backoff", ctx.Err()).WithDevice(device.ID)
		}
	}
	return result, err
}

// execute performs one attempt: semaphore, breaker, credential resolution,
// transport selection, and breaker bookkeeping.
func (a *Adapter) execute(ctx context.Context, device *core.Device, op core.Operation) (res *core.OperationResult, err error) {
	st := a.state(device.ID)

	select {
	case st.sem <- struct{}{}:
		defer func() { <-st.sem }()
	case <-ctx.Done():
		return nil, core.WrapError(core.ErrTimeout, "cancelled waiting for a device slot", ctx.Err()).WithDevice(device.ID)
	}

	if ok, remaining := st.breaker.Allow(); !ok {
		a.metrics.RecordAdapterError(string(core.ErrCircuitOpen))
		return nil, core.NewError(core.ErrCircuitOpen, "device circuit breaker is open").
			WithDevice(device.ID).
			WithRetryAfter(remaining)
	}

	defer func() {
		if err != nil && countsTowardBreaker(err) {
			if st.breaker.RecordFailure() {
				a.metrics.SetBreakerOpen(device.ID, true)
				a.logger.WithDeviceID(device.ID).Warn("circuit breaker opened")
			}
			a.metrics.RecordAdapterError(string(core.CodeOf(err)))
		} else if err == nil {
			st.breaker.RecordSuccess()
			a.metrics.SetBreakerOpen(device.ID, false)
		} else {
			a.metrics.RecordAdapterError(string(core.CodeOf(err)))
		}
	}()

	// Credentials are resolved fresh per call and go out of scope with it.
	creds, err := a.creds.Resolve(ctx, device.ID)
	if err != nil {
		return nil, core.WrapError(core.ErrDeviceAuth, "failed to resolve device credentials", err).WithDevice(device.ID)
	}

	start := time.Now()

	supported, probeErr := a.api.Probe(ctx, device, creds, op.Kind)
	useFallback := false
	switch {
	case probeErr == nil && supported:
		// Primary transport.
	case probeErr == nil && !supported:
		useFallback = true
	case core.IsCode(probeErr, core.ErrUnreachable):
		useFallback = true
	default:
		return nil, probeErr
	}

	if !useFallback {
		state, doErr := a.api.Do(ctx, device, creds, op)
		// An unreachable primary falls through to the command channel, but
		// only when the connection never formed; ambiguous failures such as
		// timeouts surface so a write is never silently doubled.
		if doErr != nil && core.IsCode(doErr, core.ErrUnreachable) {
			useFallback = true
		} else if doErr != nil {
			return nil, doErr
		} else {
			d := time.Since(start)
			a.metrics.RecordAdapterCall("api", string(op.Kind), d)
			return &core.OperationResult{
				DeviceID:  device.ID,
				Kind:      op.Kind,
				Transport: "api",
				State:     state,
				Duration:  d,
			}, nil
		}
	}

	state, err := a.runFallback(ctx, device, creds, op)
	if err != nil {
		return nil, err
	}
	d := time.Since(start)
	a.metrics.RecordAdapterCall("cli", string(op.Kind), d)
	return &core.OperationResult{
		DeviceID:  device.ID,
		Kind:      op.Kind,
		Transport: "cli",
		State:     state,
		Duration:  d,
	}, nil
}

// runFallback executes an operation over the restricted command channel.
// The channel only accepts allowlisted commands with sanitized arguments.
func (a *Adapter) runFallback(ctx context.Context, device *core.Device, creds core.Credentials, op core.Operation) (json.RawMessage, error) {
	command, ok := FallbackCommand(op.Kind)
	if !ok {
		return nil, core.NewError(core.ErrForbidden,
			fmt.Sprintf("operation %s is not supported by this device and has no fallback", op.Kind)).
			WithDevice(device.ID)
	}

	args, err := commandArgs(op)
	if err != nil {
		return nil, core.AsCoreError(err).WithDevice(device.ID)
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, core.AsCoreError(err).WithDevice(device.ID)
	}

	out, err := a.cli.Run(ctx, device, creds, command, args)
	if err != nil {
		return nil, err
	}
	if !json.Valid(out) {
		return nil, core.NewError(core.ErrDeviceRejected, "command channel returned a malformed response").WithDevice(device.ID)
	}
	return json.RawMessage(out), nil
}

// commandArgs flattens the operation payload into key=value arguments in
// sorted key order. Reads carry a single "show" argument.
func commandArgs(op core.Operation) ([]string, error) {
	if !op.Write {
		return []string{"show"}, nil
	}
	if len(op.Payload) == 0 {
		return nil, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(op.Payload, &fields); err != nil {
		return nil, core.WrapError(core.ErrValidationFailed, "operation payload must be a JSON object for the command channel", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return args, nil
}

func (a *Adapter) backoff(attempt int, err error) time.Duration {
	base := a.cfg.RetryBaseDelay
	if core.IsCode(err, core.ErrRateLimited) {
		ce := core.AsCoreError(err)
		if ce.RetryAfter > 0 {
			return ce.RetryAfter
		}
		base = 2 * base
	}
	delay := base << uint(attempt)
	if delay > a.cfg.RetryMaxDelay {
		delay = a.cfg.RetryMaxDelay
	}
	return delay
}

// countsTowardBreaker reports whether an error indicates the device or its
// transport is failing, as opposed to the device actively rejecting input.
func countsTowardBreaker(err error) bool {
	switch core.CodeOf(err) {
	case core.ErrTimeout, core.ErrUnreachable, core.ErrDeviceAuth:
		return true
	}
	return false
}

func transportOf(result *core.OperationResult) string {
	if result == nil {
		return ""
	}
	return result.Transport
}
