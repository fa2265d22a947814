package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/netward/netward/pkg/adapter"
	"github.com/netward/netward/pkg/approval"
	"github.com/netward/netward/pkg/audit"
	"github.com/netward/netward/pkg/config"
	"github.com/netward/netward/pkg/inventory"
	"github.com/netward/netward/pkg/orchestrator"
	"github.com/netward/netward/pkg/planner"
	"github.com/netward/netward/pkg/service"
	"github.com/netward/netward/pkg/stores"
	"github.com/netward/netward/pkg/telemetry"
	"github.com/netward/netward/pkg/validator"
)

// deviceCallTimeout bounds a single API request or CLI session to a device.
const deviceCallTimeout = 15 * time.Second

// app holds the wired service and the resources that need shutdown.
type app struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore
	service *service.Service
}

// newApp loads the configuration and wires every component. Callers must
// Close the returned app.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	registry, err := inventory.LoadRegistry(cfg.Inventory)
	if err != nil {
		return nil, err
	}

	recorder := audit.NewRecorder(store, logger)
	creds := inventory.NewEnvCredentialStore(registry)
	transport := adapter.New(
		adapter.NewHTTPAPIClient(deviceCallTimeout),
		adapter.NewSSHCommandRunner(22, deviceCallTimeout),
		creds, recorder, logger, metrics,
		adapter.Config{
			MaxInFlightPerDevice: cfg.Adapter.MaxInFlightPerDevice,
			ReadRetries:          cfg.Adapter.ReadRetries,
			RetryBaseDelay:       cfg.Adapter.RetryBaseDelay,
			RetryMaxDelay:        cfg.Adapter.RetryMaxDelay,
			BreakerThreshold:     cfg.Adapter.BreakerThreshold,
			BreakerCooldown:      cfg.Adapter.BreakerCooldown,
		})
	health := inventory.NewTransportHealthChecker(registry, transport)

	engine, err := validator.NewEngine(*logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if len(cfg.PolicyDirs) > 0 {
		loader := validator.NewLoader(engine, *logger.Zerolog())
		if err := loader.Load(ctx, cfg.PolicyDirs); err != nil {
			return nil, err
		}
		if err := loader.Watch(ctx, cfg.PolicyDirs); err != nil {
			return nil, err
		}
	}

	secret, err := cfg.ApprovalSecret()
	if err != nil {
		return nil, err
	}
	gate, err := approval.NewGate(approval.Config{
		Secret:       secret,
		DefaultTTL:   cfg.Approval.TokenTTL,
		SelfApproval: cfg.Approval.SelfApproval,
	}, store, recorder, logger, metrics)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		BatchSize:      cfg.Orchestrator.BatchSize,
		Concurrency:    cfg.Orchestrator.Concurrency,
		HealthTimeout:  cfg.Orchestrator.HealthTimeout,
		HealthInterval: cfg.Orchestrator.HealthInterval,
	}, store, registry, transport, health, recorder, logger, metrics, tracer)

	builder := planner.NewBuilder(registry, transport, logger, cfg.PlanDeviceCeiling)
	checker := validator.New(registry, engine, logger)
	svc := service.New(builder, checker, gate, orch, store, recorder, logger)

	if err := metrics.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		service: svc,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = a.tracer.Shutdown(shutdownCtx)
	_ = a.store.Close()
}

// currentActor resolves the acting operator from the --actor flag or $USER.
func currentActor() string {
	if actor != "" {
		return actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
