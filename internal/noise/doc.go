// Package noise implements the randomized-response engine that runs
// once at source registration.
//
// The event-level output of a source is one of finitely many states: a
// multiset of up to maxReports (trigger-data value, report-window)
// pairs. With probability r = k/(k - 1 + e^epsilon), where k is the
// number of states, the engine replaces the source's real output with a
// uniformly random state, committed at registration and never
// re-derived. The calibration gives every state plausible deniability:
// an observer cannot distinguish "converted", "did not convert", and
// "was never shown" beyond the epsilon bound.
//
// Sources whose state space is too large are rejected outright, never
// truncated: either the channel capacity (log2 of the state count)
// exceeds the configured per-source-type cap, or the state count
// exceeds the absolute system maximum. The two failures are distinct
// error types so callers can surface the violated limit.
package noise
