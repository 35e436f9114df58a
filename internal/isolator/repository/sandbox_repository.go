// Package repository is the write-behind boundary to the external metadata
// store: live snapshots in Redis, durable audit rows in SQL, events to the
// message queue. The in-memory registry stays the source of truth; every
// method here is best effort and the isolator keeps working when the store
// is absent or down.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"isolator/internal/common/cache"
	"isolator/internal/common/db"
	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
)

const (
	sandboxKeyPrefix        = "isolator:sandbox:"
	defaultSnapshotTTL      = time.Hour
	defaultSnapshotEmptyTTL = time.Minute
)

// SandboxRepository persists sandbox snapshots and execution audit records.
type SandboxRepository struct {
	cache cache.Cache
	db    db.Provider
	ttl   time.Duration
}

// NewSandboxRepository creates the repository. Either backend may be nil;
// the corresponding writes become no-ops.
func NewSandboxRepository(cacheClient cache.Cache, provider db.Provider, ttl time.Duration) *SandboxRepository {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SandboxRepository{cache: cacheClient, db: provider, ttl: ttl}
}

// SaveSnapshot records the sandbox's current state in Redis and upserts the
// durable audit row.
func (r *SandboxRepository) SaveSnapshot(ctx context.Context, sandbox spec.Sandbox) error {
	if sandbox.ID == "" {
		return appErr.ValidationError("sandbox_id", "required")
	}
	if r.cache != nil {
		data, err := json.Marshal(sandbox)
		if err != nil {
			return fmt.Errorf("marshal sandbox snapshot failed: %w", err)
		}
		if err := r.cache.Set(ctx, sandboxKeyPrefix+sandbox.ID, string(data), cache.JitterTTL(r.ttl)); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "store sandbox snapshot failed")
		}
	}
	if database := r.database(); database != nil {
		containerID := ""
		imageDigest := ""
		if sandbox.Container != nil {
			containerID = sandbox.Container.ID
			imageDigest = sandbox.Container.ImageDigest
		}
		_, err := database.Exec(ctx, upsertSandboxQuery(database.Dialect()),
			sandbox.ID,
			sandbox.Owner,
			sandbox.Image,
			imageDigest,
			containerID,
			string(sandbox.State),
			sandbox.FailureReason,
			sandbox.CreatedAt,
			sandbox.LastActivityAt,
		)
		if err != nil {
			return appErr.Wrapf(err, appErr.StoreWriteFailed, "upsert sandbox audit row failed")
		}
	}
	return nil
}

// GetSnapshot returns the last persisted view of a sandbox, reading through
// the cache into the durable store.
func (r *SandboxRepository) GetSnapshot(ctx context.Context, sandboxID string) (spec.Sandbox, error) {
	if sandboxID == "" {
		return spec.Sandbox{}, appErr.ValidationError("sandbox_id", "required")
	}
	if r.cache == nil && r.database() == nil {
		return spec.Sandbox{}, appErr.New(appErr.RecordNotFound).WithSandbox(sandboxID)
	}

	if r.cache != nil {
		snapshot, err := cache.GetWithCached[*spec.Sandbox](
			ctx,
			r.cache,
			sandboxKeyPrefix+sandboxID,
			r.ttl,
			defaultSnapshotEmptyTTL,
			func(s *spec.Sandbox) bool { return s == nil },
			marshalSandbox,
			unmarshalSandbox,
			func(ctx context.Context) (*spec.Sandbox, error) {
				return r.getFromDB(ctx, sandboxID)
			},
		)
		if err != nil {
			return spec.Sandbox{}, err
		}
		if snapshot == nil {
			return spec.Sandbox{}, appErr.New(appErr.RecordNotFound).WithSandbox(sandboxID)
		}
		return *snapshot, nil
	}

	snapshot, err := r.getFromDB(ctx, sandboxID)
	if err != nil {
		return spec.Sandbox{}, err
	}
	if snapshot == nil {
		return spec.Sandbox{}, appErr.New(appErr.RecordNotFound).WithSandbox(sandboxID)
	}
	return *snapshot, nil
}

// DeleteSnapshot drops the live snapshot and stamps the audit row.
func (r *SandboxRepository) DeleteSnapshot(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return appErr.ValidationError("sandbox_id", "required")
	}
	if r.cache != nil {
		if err := r.cache.Del(ctx, sandboxKeyPrefix+sandboxID); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "delete sandbox snapshot failed")
		}
	}
	if database := r.database(); database != nil {
		query := db.Rebind(database.Dialect(), `UPDATE sandboxes SET state = ?, destroyed_at = ? WHERE sandbox_id = ?`)
		if _, err := database.Exec(ctx, query, string(spec.StateDestroyed), time.Now(), sandboxID); err != nil {
			return appErr.Wrapf(err, appErr.StoreWriteFailed, "stamp sandbox audit row failed")
		}
	}
	return nil
}

// RecordExecution appends one command execution to the audit trail.
func (r *SandboxRepository) RecordExecution(ctx context.Context, exec spec.CommandExecution) error {
	if exec.ID == "" || exec.SandboxID == "" {
		return appErr.ValidationError("execution", "id and sandbox_id are required")
	}
	database := r.database()
	if database == nil {
		return nil
	}
	query := db.Rebind(database.Dialect(), `
		INSERT INTO sandbox_executions
		(execution_id, sandbox_id, command, exit_code, timed_out, stdout_truncated, stderr_truncated, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := database.Exec(ctx, query,
		exec.ID,
		exec.SandboxID,
		exec.Command,
		exec.ExitCode,
		exec.TimedOut,
		exec.StdoutTruncated,
		exec.StderrTruncated,
		exec.StartedAt,
		exec.FinishedAt,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreWriteFailed, "insert execution audit row failed")
	}
	return nil
}

func (r *SandboxRepository) getFromDB(ctx context.Context, sandboxID string) (*spec.Sandbox, error) {
	database := r.database()
	if database == nil {
		return nil, nil
	}
	query := db.Rebind(database.Dialect(), `
		SELECT sandbox_id, owner, image, image_digest, container_id, state, failure_reason, created_at, last_activity_at
		FROM sandboxes WHERE sandbox_id = ?
	`)
	row := database.QueryRow(ctx, query, sandboxID)
	var (
		s           spec.Sandbox
		imageDigest string
		containerID string
		state       string
	)
	err := row.Scan(&s.ID, &s.Owner, &s.Image, &imageDigest, &containerID, &state, &s.FailureReason, &s.CreatedAt, &s.LastActivityAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StoreError, "query sandbox audit row failed")
	}
	s.State = spec.State(state)
	if containerID != "" {
		s.Container = &spec.ContainerHandle{ID: containerID, Image: s.Image, ImageDigest: imageDigest}
	}
	return &s, nil
}

func (r *SandboxRepository) database() db.Database {
	if r.db == nil {
		return nil
	}
	return r.db.Current()
}

// upsertSandboxQuery builds the snapshot upsert for the backend's dialect.
// MySQL and PostgreSQL spell "insert or update" differently.
func upsertSandboxQuery(dialect db.Dialect) string {
	const insert = `
		INSERT INTO sandboxes
		(sandbox_id, owner, image, image_digest, container_id, state, failure_reason, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if dialect == db.DialectPostgres {
		return db.Rebind(dialect, insert+`
		ON CONFLICT (sandbox_id) DO UPDATE SET
		image_digest = EXCLUDED.image_digest,
		container_id = EXCLUDED.container_id,
		state = EXCLUDED.state,
		failure_reason = EXCLUDED.failure_reason,
		last_activity_at = EXCLUDED.last_activity_at
	`)
	}
	return insert + `
		ON DUPLICATE KEY UPDATE
		image_digest = VALUES(image_digest),
		container_id = VALUES(container_id),
		state = VALUES(state),
		failure_reason = VALUES(failure_reason),
		last_activity_at = VALUES(last_activity_at)
	`
}

func marshalSandbox(s *spec.Sandbox) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func unmarshalSandbox(raw string) (*spec.Sandbox, error) {
	var s spec.Sandbox
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
