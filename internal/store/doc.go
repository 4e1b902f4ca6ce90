// Package store is the persistent, transactional backing of the
// attribution engine: sources, event-level and aggregatable reports,
// dedup keys, and rate-limit records in one SQLite database.
//
// The schema is versioned through PRAGMA user_version. On open the
// database is consistency-checked; corruption or an unrecognized newer
// version destroys and recreates the file rather than surfacing an
// error, because attribution state is rebuildable from future browsing
// while a wedged store is not. Recognized older versions are migrated
// in place.
//
// All multi-statement mutations run through Store.InTransaction; a Tx
// exposes the same operations plus the rate-limit counting surface.
// Rows that fail to deserialize into valid domain values are treated as
// absent by readers and deleted opportunistically.
package store
