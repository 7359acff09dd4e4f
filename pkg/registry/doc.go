// Package registry implements TTL-bounded registries of in-flight work kept
// in the shared store for low-latency "what is running now" queries.
//
// A registry groups items by scope: every scope is one Redis hash whose
// fields are item ids and whose values are the JSON-encoded items. The whole
// hash carries a single TTL that is refreshed on every create and update.
// Individual items never expire in the store, so List filters out items whose
// queuedAt is older than the configured max age and prunes them.
//
// # Schema versions
//
// Each hash carries a reserved field (_schema) with its encoding version.
// Before operating on a scope the registry brings it to the current version
// by running a chain of migrations; scopes already known to be current are
// remembered in a bounded in-process cache. Version 1 is the legacy layout
// where the whole scope was one JSON string (array of items or id -> item
// object); version 2 is one hash field per item.
//
// If a WRONGTYPE reply is still observed (another process wrote a legacy value
// after the scope was checked) the operation migrates the scope inline and
// retries once.
//
// # Concurrency
//
// Create and Delete are single MULTI/EXEC batches. Update is an optimistic
// compare-and-set: the scope hash is WATCHed while the stored item is read
// and merged, and the write is retried if any other writer touched the scope
// in between. Writers to different scopes never interact.
package registry
