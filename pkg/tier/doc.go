/*
Package tier runs the hot/warm/cold storage state machine for
collections.

A hot collection lives in RAM behind its vector index. After the hot
TTL of inactivity the background worker serializes it to a columnar
warm file in the object store and drops the index. After the warm TTL
it becomes a cold snapshot with a metadata sidecar, and the warm file
is deleted. Reads against a cold collection promote it back to warm
synchronously — the triggering read proceeds once promotion completes —
and a warm collection whose rolling-window access count reaches the
promotion threshold is rebuilt into RAM. The rolling window resets on
every promotion so a freshly promoted collection cannot immediately
bounce back.

Pinned collections never demote automatically. Manual force-promote and
force-demote run the same sequences, passing through Warm in both
directions. Access recording is two-step — an in-memory window counter
plus a best-effort persistent row update — so a dropped update can only
delay a transition, never corrupt state.
*/
package tier
