// Package core defines the domain types and interfaces shared by the
// NetWard change-orchestration engine: devices, plans, changes, approval
// tokens, audit events, and the closed error taxonomy returned across the
// service boundary.
//
// The lifecycle supported by the engine is fixed:
//
//	Draft -> Validated -> Approved -> Executing -> Completed
//	                                            -> RolledBack
//	                                            -> Failed
//
// Components communicate through the interfaces declared here (DeviceRegistry,
// CredentialStore, HealthChecker, DeviceTransport, PlanStore, AuditSink) so
// that the orchestrator carries no hidden shared state and independent plans
// can execute concurrently.
package core
