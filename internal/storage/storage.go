// Package storage defines the persistence collaborator interfaces the sync
// core writes behind to. The core never blocks a command on durable writes;
// it assigns revisions and sequence numbers itself and delegates history.
package storage

import (
	"context"
	"time"

	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// CommitRecord is the durable form of an accepted command.
type CommitRecord struct {
	CommitID       string
	ResourceID     string
	TenantID       string
	Env            string
	Rev            uint64
	Seq            uint64
	CommandID      string
	IdempotencyKey string
	ActorID        string
	ActorType      string
	CorrelationID  string
	OpsJSON        []byte
	OpsHash        string
	CommittedAt    time.Time
}

// SnapshotRecord points at a full-state artifact a caller can resync from.
// The artifact itself lives with the external artifact store; the core only
// tracks the reference.
type SnapshotRecord struct {
	TenantID   string
	ResourceID string
	Ref        string
	Rev        uint64
	UpdatedAt  time.Time
}

// CommitJournal receives write-behind commits and answers recovery queries.
type CommitJournal interface {
	// AppendCommit persists an accepted commit. Idempotent on CommitID.
	AppendCommit(ctx context.Context, record CommitRecord) error

	// HeadRev returns the highest persisted revision for a resource, or 0
	// when the resource has no durable history yet.
	HeadRev(ctx context.Context, resourceID string) (uint64, error)

	// ListCommitsSince returns persisted commits with Rev > afterRev in
	// ascending revision order.
	ListCommitsSince(ctx context.Context, resourceID string, afterRev uint64) ([]CommitRecord, error)
}

// SnapshotStore tracks the latest snapshot reference per resource.
type SnapshotStore interface {
	// SnapshotRef returns the latest snapshot reference for a resource, or
	// ErrNotFound when none is known.
	SnapshotRef(ctx context.Context, tenantID, resourceID string) (string, error)

	// SaveSnapshotRef upserts the latest snapshot reference for a resource.
	SaveSnapshotRef(ctx context.Context, record SnapshotRecord) error
}

// Store is the full persistence collaborator surface.
type Store interface {
	CommitJournal
	SnapshotStore
}
