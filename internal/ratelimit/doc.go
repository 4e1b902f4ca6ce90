// Package ratelimit is the time-windowed ledger guarding cross-site
// information flow: every source registration and every attribution
// leaves a record keyed by (scope, source site, destination site,
// reporting origin, time), and the ledger answers whether a new action
// is allowed under the configured windowed limits.
//
// The ledger itself holds no state; counting runs against a Querier
// (implemented by a store transaction) so decisions and the records
// they depend on commit atomically with the action they guard.
//
// Check ordering is a security contract owned by the resolver, not this
// package: cross-site limits (destination totals, reporting-origin
// rate limits) must be evaluated after all same-site capacity checks so
// that a rejection's timing cannot reveal cross-origin state.
package ratelimit
