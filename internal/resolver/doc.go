// Package resolver orchestrates attribution: it registers sources,
// resolves triggers into reports, and owns the lifecycle operations
// that keep stored state bounded.
//
// A Resolver serializes every mutating operation behind a single
// mutex, so storage-level ordering dependencies (capacity eviction,
// priority replacement, budget debits) never interleave. Reads that
// feed report delivery go through the same instance.
//
// Rate limits obeying the privacy model are evaluated after every
// other check in their operation, so a rejection's observable cause
// never leaks whether a rate limit was also hit.
package resolver
