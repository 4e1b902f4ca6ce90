// Package attribution defines the domain model shared by the resolver,
// the persistent store, and the noise engine: origins and sites, source
// and trigger registrations, filter data, 128-bit aggregation keys, and
// the attribution report union.
//
// Values in this package are plain data. Validation happens at
// construction (ParseOrigin, NewTriggerDataSpec); everything downstream
// may assume a constructed value is well formed. Nothing here touches
// the store or performs I/O.
package attribution
