// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between transport boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// CommandApply caps a single command's wait for the per-resource
// serialization point before the caller gives up.
const CommandApply = 10 * time.Second

// PresenceTTL is the heartbeat deadline after which a presence record is
// considered stale and eligible for lazy eviction.
const PresenceTTL = 45 * time.Second

// RevisionIdle is the inactivity window after which a resource's in-memory
// revision state may be evicted. Durable history lives with the persistence
// collaborator, so eviction only costs a lazy reload of head_rev.
const RevisionIdle = 15 * time.Minute
