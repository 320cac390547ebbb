// Package stores provides the durable persistence layer for workspace
// records. The store is the single source of truth for workspace state:
// it must survive orchestrator restarts and be shared by any number of
// orchestrator instances, so every write is awaited before an operation
// reports success.
package stores
