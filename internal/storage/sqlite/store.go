package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftwire/driftwire/internal/platform/storage/sqlitemigrate"
	"github.com/driftwire/driftwire/internal/storage"
	"github.com/driftwire/driftwire/internal/storage/sqlite/migrations"
)

// Store provides SQLite-backed persistence for the commit journal and
// snapshot references.
type Store struct {
	sqlDB *sql.DB
}

// Open opens and migrates a sync journal SQLite store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendCommit persists an accepted commit. Idempotent on commit_id: a
// write-behind retry of an already-persisted commit is a no-op.
func (s *Store) AppendCommit(ctx context.Context, record storage.CommitRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.CommitID) == "" {
		return fmt.Errorf("commit id is required")
	}
	if strings.TrimSpace(record.ResourceID) == "" {
		return fmt.Errorf("resource id is required")
	}
	if record.Rev == 0 {
		return fmt.Errorf("revision is required")
	}
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO commits (
		    commit_id, resource_id, tenant_id, env, rev, seq,
		    command_id, idempotency_key, actor_id, actor_type,
		    correlation_id, ops_json, ops_hash, committed_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (commit_id) DO NOTHING`,
		record.CommitID,
		record.ResourceID,
		record.TenantID,
		record.Env,
		int64(record.Rev),
		int64(record.Seq),
		record.CommandID,
		record.IdempotencyKey,
		record.ActorID,
		record.ActorType,
		record.CorrelationID,
		record.OpsJSON,
		record.OpsHash,
		timeToUnixMillis(record.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("append commit: %w", err)
	}
	return nil
}

// HeadRev returns the highest persisted revision for a resource, or 0 when
// the resource has no durable history yet.
func (s *Store) HeadRev(ctx context.Context, resourceID string) (uint64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(resourceID) == "" {
		return 0, fmt.Errorf("resource id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(rev), 0) FROM commits WHERE resource_id = ?`,
		resourceID,
	)
	var head int64
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("head rev: %w", err)
	}
	return uint64(head), nil
}

// ListCommitsSince returns persisted commits with rev > afterRev in ascending
// revision order.
func (s *Store) ListCommitsSince(ctx context.Context, resourceID string, afterRev uint64) ([]storage.CommitRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(resourceID) == "" {
		return nil, fmt.Errorf("resource id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT commit_id, resource_id, tenant_id, env, rev, seq,
		        command_id, idempotency_key, actor_id, actor_type,
		        correlation_id, ops_json, ops_hash, committed_at
		 FROM commits
		 WHERE resource_id = ? AND rev > ?
		 ORDER BY rev ASC`,
		resourceID,
		int64(afterRev),
	)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var records []storage.CommitRecord
	for rows.Next() {
		var record storage.CommitRecord
		var rev, seq, committedAt int64
		if err := rows.Scan(
			&record.CommitID,
			&record.ResourceID,
			&record.TenantID,
			&record.Env,
			&rev,
			&seq,
			&record.CommandID,
			&record.IdempotencyKey,
			&record.ActorID,
			&record.ActorType,
			&record.CorrelationID,
			&record.OpsJSON,
			&record.OpsHash,
			&committedAt,
		); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		record.Rev = uint64(rev)
		record.Seq = uint64(seq)
		record.CommittedAt = unixMillisToTime(committedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return records, nil
}

// SnapshotRef returns the latest snapshot reference for a resource, or
// storage.ErrNotFound when none has been recorded.
func (s *Store) SnapshotRef(ctx context.Context, tenantID, resourceID string) (string, error) {
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(resourceID) == "" {
		return "", fmt.Errorf("resource id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT ref FROM snapshots WHERE resource_id = ? AND tenant_id = ?`,
		resourceID,
		tenantID,
	)
	var ref string
	if err := row.Scan(&ref); err != nil {
		if err == sql.ErrNoRows {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("snapshot ref: %w", err)
	}
	return ref, nil
}

// SaveSnapshotRef upserts the latest snapshot reference for a resource. A
// stale writer (lower revision) never overwrites a fresher reference.
func (s *Store) SaveSnapshotRef(ctx context.Context, record storage.SnapshotRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ResourceID) == "" {
		return fmt.Errorf("resource id is required")
	}
	if strings.TrimSpace(record.Ref) == "" {
		return fmt.Errorf("snapshot ref is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO snapshots (resource_id, tenant_id, ref, rev, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (resource_id) DO UPDATE SET
		     tenant_id = excluded.tenant_id,
		     ref = excluded.ref,
		     rev = excluded.rev,
		     updated_at = excluded.updated_at
		 WHERE excluded.rev >= snapshots.rev`,
		record.ResourceID,
		record.TenantID,
		record.Ref,
		int64(record.Rev),
		timeToUnixMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot ref: %w", err)
	}
	return nil
}

func timeToUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func unixMillisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

var _ storage.Store = (*Store)(nil)
