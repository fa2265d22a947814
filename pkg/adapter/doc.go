// Package adapter executes operations against network devices over an
// unreliable, dual-transport management channel. Callers see a single
// transport-agnostic Execute; internally the adapter prefers the structured
// API and falls back to a restricted, allowlisted command channel when a
// capability probe reports the operation unsupported or the API is
// unreachable.
//
// Safety properties enforced here:
//   - Fallback commands come from a static allowlist; arguments containing
//     shell metacharacters are rejected before any connection is made.
//   - Read operations retry transparently with bounded exponential backoff.
//     Write operations are never retried; an unconfirmed write must surface
//     immediately rather than risk double application.
//   - A per-device circuit breaker opens after consecutive failures and
//     short-circuits further calls for a cool-down window.
//   - A per-device semaphore caps concurrent in-flight calls so constrained
//     device CPUs are not overwhelmed.
package adapter
