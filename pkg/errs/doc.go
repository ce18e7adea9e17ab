/*
Package errs defines the semantic error classes used across Strata.

Every error that crosses a package boundary carries a Kind (Validation,
NotFound, Conflict, TransientStorage, ...) so callers can branch on
semantics instead of string matching, and so the external boundary can
map failures to stable numeric classes. Errors wrap their cause and
cooperate with errors.Is / errors.As.

Propagation rules:

  - Validation and DimensionMismatch surface directly and are never retried.
  - TransientStorage retries under the circuit breaker with backoff.
  - PermanentStorage skips retry entirely.
  - Conflict (manifest CAS lost) retries up to the configured attempts.
  - Corruption fails the operation and quarantines the segment.
  - CircuitOpen returns immediately and may be treated as transient.
*/
package errs
