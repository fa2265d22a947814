package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/netward/netward/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements core.PlanStore and core.AuditSink using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.path == ":memory:" {
		// Each pooled connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreatePlan persists a new plan.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *core.Plan) error {
	deviceIDs, err := json.Marshal(plan.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode device ids: %w", err)
	}
	changes, err := json.Marshal(plan.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	query := `
		INSERT INTO plans (id, status, device_ids, changes, summary, risk, creator, created_at, token_id, token_expiry, failed_devices, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		string(plan.Status),
		string(deviceIDs),
		string(changes),
		plan.Summary,
		string(plan.Risk),
		plan.Creator,
		plan.CreatedAt,
		plan.TokenID,
		plan.TokenExpiry,
		plan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	query := `
		SELECT id, status, device_ids, changes, summary, risk, creator, created_at, token_id, token_expiry, failed_devices, version
		FROM plans
		WHERE id = ?
	`
	plan, err := scanPlan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, "plan not found").WithPlan(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ListPlans lists plans matching the filter, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	query := `
		SELECT id, status, device_ids, changes, summary, risk, creator, created_at, token_id, token_expiry, failed_devices, version
		FROM plans
		WHERE 1=1
	`
	args := []interface{}{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Creator != "" {
		query += " AND creator = ?"
		args = append(args, filter.Creator)
	}
	// Device membership is checked on the JSON-encoded id list. A LIKE over
	// the quoted id is sufficient because ids never contain quotes.
	if filter.DeviceID != "" {
		query += ` AND device_ids LIKE '%"' || ? || '"%'`
		args = append(args, filter.DeviceID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []core.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// UpdatePlan persists plan fields other than status.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *core.Plan) error {
	changes, err := json.Marshal(plan.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}
	var failedDevices interface{}
	if len(plan.FailedDevices) > 0 {
		b, err := json.Marshal(plan.FailedDevices)
		if err != nil {
			return fmt.Errorf("failed to encode failed devices: %w", err)
		}
		failedDevices = string(b)
	}

	query := `
		UPDATE plans
		SET changes = ?, summary = ?, risk = ?, token_id = ?, token_expiry = ?, failed_devices = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(changes), plan.Summary, string(plan.Risk),
		plan.TokenID, plan.TokenExpiry, failedDevices, plan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewError(core.ErrNotFound, "plan not found").WithPlan(plan.ID)
	}
	return nil
}

// SwapPlanStatus atomically moves a plan from one status to another.
// Exactly one caller wins when several race on the same transition.
func (s *SQLiteStore) SwapPlanStatus(ctx context.Context, id string, from, to core.PlanStatus) error {
	query := `
		UPDATE plans
		SET status = ?, version = version + 1
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to swap plan status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Lost the swap: report why.
	plan, getErr := s.GetPlan(ctx, id)
	if getErr != nil {
		return getErr
	}
	if plan.Status == core.PlanExecuting || plan.Status.IsTerminal() {
		return core.NewError(core.ErrAlreadyExecuting,
			fmt.Sprintf("plan is %s and cannot be claimed", plan.Status)).
			WithPlan(id).
			WithDetail("status", string(plan.Status))
	}
	return core.NewError(core.ErrValidationFailed,
		fmt.Sprintf("plan is %s, expected %s", plan.Status, from)).
		WithPlan(id).
		WithDetail("status", string(plan.Status))
}

// CreateToken persists an approval token.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *core.ApprovalToken) error {
	query := `
		INSERT INTO approval_tokens (id, plan_id, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, 0)
	`
	_, err := s.db.ExecContext(ctx, query, token.ID, token.PlanID, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID.
func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*core.ApprovalToken, error) {
	query := `
		SELECT id, plan_id, issued_at, expires_at, consumed
		FROM approval_tokens
		WHERE id = ?
	`
	token := &core.ApprovalToken{}
	var consumed int
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&token.ID, &token.PlanID, &token.IssuedAt, &token.ExpiresAt, &consumed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, "approval token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	token.Consumed = consumed != 0
	return token, nil
}

// ConsumeToken atomically flips the consumed flag. A token can be consumed
// at most once; losing callers get a distinct already-used error.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, id string) error {
	query := `UPDATE approval_tokens SET consumed = 1 WHERE id = ? AND consumed = 0`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.GetToken(ctx, id); err != nil {
		return err
	}
	return core.NewError(core.ErrTokenConsumed, "approval token already used")
}

// AppendExecutionLog appends one execution log entry.
func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, entry *core.ExecutionLogEntry) error {
	query := `
		INSERT INTO execution_log (plan_id, device_id, batch, phase, result, detail, ts, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.PlanID, entry.DeviceID, entry.Batch, entry.Phase,
		entry.Result, entry.Detail, entry.Timestamp, entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// GetExecutionLog returns the execution log for a plan, in append order.
func (s *SQLiteStore) GetExecutionLog(ctx context.Context, planID string) ([]core.ExecutionLogEntry, error) {
	query := `
		SELECT plan_id, device_id, batch, phase, result, detail, ts, duration_ms
		FROM execution_log
		WHERE plan_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution log: %w", err)
	}
	defer rows.Close()

	entries := []core.ExecutionLogEntry{}
	for rows.Next() {
		var e core.ExecutionLogEntry
		var durationMs int64
		if err := rows.Scan(&e.PlanID, &e.DeviceID, &e.Batch, &e.Phase, &e.Result, &e.Detail, &e.Timestamp, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Append records one audit event. The table is append-only; nothing in the
// store updates or deletes audit rows.
func (s *SQLiteStore) Append(ctx context.Context, event *core.AuditEvent) error {
	var payload interface{}
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = string(b)
	}
	query := `
		INSERT INTO audit_events (id, correlation_id, plan_id, device_id, actor, action, result, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CorrelationID, event.PlanID, event.DeviceID,
		event.Actor, event.Action, event.Result, event.Timestamp, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Events returns events for a correlation ID, in append order.
func (s *SQLiteStore) Events(ctx context.Context, correlationID string) ([]core.AuditEvent, error) {
	query := `
		SELECT id, correlation_id, plan_id, device_id, actor, action, result, ts, payload
		FROM audit_events
		WHERE correlation_id = ?
		ORDER BY ts ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []core.AuditEvent{}
	for rows.Next() {
		var e core.AuditEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.PlanID, &e.DeviceID, &e.Actor, &e.Action, &e.Result, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanPlan.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scanner) (*core.Plan, error) {
	plan := &core.Plan{}
	var status, risk, deviceIDs, changes string
	var tokenExpiry sql.NullTime
	var failedDevices sql.NullString

	err := row.Scan(
		&plan.ID, &status, &deviceIDs, &changes, &plan.Summary, &risk,
		&plan.Creator, &plan.CreatedAt, &plan.TokenID, &tokenExpiry,
		&failedDevices, &plan.Version,
	)
	if err != nil {
		return nil, err
	}

	plan.Status = core.PlanStatus(status)
	plan.Risk = core.RiskRating(risk)
	if err := json.Unmarshal([]byte(deviceIDs), &plan.DeviceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode device ids: %w", err)
	}
	if err := json.Unmarshal([]byte(changes), &plan.Changes); err != nil {
		return nil, fmt.Errorf("failed to decode changes: %w", err)
	}
	if tokenExpiry.Valid {
		t := tokenExpiry.Time
		plan.TokenExpiry = &t
	}
	if failedDevices.Valid && failedDevices.String != "" {
		if err := json.Unmarshal([]byte(failedDevices.String), &plan.FailedDevices); err != nil {
			return nil, fmt.Errorf("failed to decode failed devices: %w", err)
		}
	}
	return plan, nil
}
