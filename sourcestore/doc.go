// Package sourcestore persists the catalog of configured sources: their
// id, type, display name and construction parameters.
//
// Three backends implement Store: MemoryStore for tests and single-run
// servers, PebbleStore for an embedded on-disk catalog and KVStore for a
// NATS JetStream bucket shared between servers. Every backend enforces
// unique names and notifies subscribers after changes; the metadata
// source refreshes its listing from those notifications.
package sourcestore
