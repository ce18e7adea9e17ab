/*
Package breaker provides the reliability plumbing around object-store
operations: a circuit breaker, an exponential-backoff retry loop, and
the dead-letter queue for permanently failed async work.

The breaker is a three-state machine (Closed, Open, HalfOpen) computed
from a sliding error window. Closed trips to Open once at least the
minimum sample count exists in the window and the failure ratio exceeds
the threshold. Open rejects calls until the cooldown elapses, then
admits a probe in HalfOpen; the configured number of consecutive
successes closes the circuit, any failure reopens it and restarts the
cooldown.

Retries run under cenkalti/backoff with jitter, bounded by the
configured attempt count. Errors classified Permanent are never
retried. A task that exhausts its retries on an async path is parked to
the DLQ: a bounded FIFO queue with per-entry TTL, persisted as a JSON
blob in the object store and drained on startup.
*/
package breaker
