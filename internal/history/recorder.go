package history

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
	"taigalike/api/internal/util"
)

// Store is the slice of storage the recorder needs. Pass the open
// transaction so snapshots commit with the write that produced them.
type Store interface {
	GetUsers(ctx context.Context, ids []string) ([]store.User, error)
	LastSnapshot(ctx context.Context, kind store.EntityKind, entityID string) (*store.Snapshot, error)
	InsertSnapshot(ctx context.Context, snap *store.Snapshot) error
}

// Change describes the write being recorded.
type Change struct {
	Actor   *store.User
	Comment string
	Delete  bool
}

type Recorder struct {
	now      func() time.Time
	recorded metric.Int64Counter
}

func NewRecorder() *Recorder {
	return &Recorder{
		now:      time.Now,
		recorded: telemetry.Counter(telemetry.Meter("taigalike/api/history"), "kernel.snapshots.recorded", "Snapshots recorded"),
	}
}

// WithClock replaces the time source. Tests use it to force equal timestamps.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

type target struct {
	kind      store.EntityKind
	id        string
	projectID string
	version   int64
}

// Record snapshots the entity at its current version.
func (r *Recorder) Record(ctx context.Context, q Store, e *store.Entity, c Change) (*store.Snapshot, error) {
	labels, err := r.labels(ctx, q, userIDs(e))
	if err != nil {
		return nil, err
	}
	t := target{kind: e.Kind, id: e.ID, projectID: e.ProjectID, version: e.Version}
	return r.record(ctx, q, t, Freeze(e, labels), c)
}

// RecordProject snapshots project level changes such as visibility or
// ownership.
func (r *Recorder) RecordProject(ctx context.Context, q Store, p *store.Project, c Change) (*store.Snapshot, error) {
	labels, err := r.labels(ctx, q, []string{p.OwnerID})
	if err != nil {
		return nil, err
	}
	t := target{kind: store.KindProject, id: p.ID, projectID: p.ID, version: p.Version}
	return r.record(ctx, q, t, FreezeProject(p, labels), c)
}

func (r *Recorder) record(ctx context.Context, q Store, t target, frozen map[string]any, c Change) (*store.Snapshot, error) {
	last, err := q.LastSnapshot(ctx, t.kind, t.id)
	if err != nil {
		return nil, fmt.Errorf("load last snapshot: %w", err)
	}
	if last != nil && t.version <= last.Version {
		return nil, fmt.Errorf("snapshot version %d does not advance past %d", t.version, last.Version)
	}

	snap := &store.Snapshot{
		ID:        util.NewID("hist"),
		Kind:      t.kind,
		EntityID:  t.id,
		ProjectID: t.projectID,
		Version:   t.version,
		Frozen:    frozen,
		Diff:      store.Diff{},
		Values:    map[string]any{},
		Comment:   c.Comment,
		CreatedAt: r.timestamp(last),
	}
	if c.Actor != nil {
		snap.UserID = c.Actor.ID
		snap.UserName = c.Actor.DisplayName()
	}

	switch {
	case c.Delete:
		snap.Type = store.SnapshotDelete
	case last == nil:
		snap.Type = store.SnapshotCreate
	default:
		snap.Type = store.SnapshotChange
		snap.Diff, snap.Values = Diff(last.Frozen, frozen)
		snap.IsHidden = IsHidden(snap.Diff, c.Comment)
	}

	if err := q.InsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	r.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(t.kind)),
		attribute.String("type", string(snap.Type)),
	))
	return snap, nil
}

// timestamp keeps an entity's snapshots strictly ordered even when the clock
// stalls or steps backwards.
func (r *Recorder) timestamp(last *store.Snapshot) time.Time {
	now := r.now().UTC().Truncate(time.Microsecond)
	if last != nil && !now.After(last.CreatedAt) {
		return last.CreatedAt.Add(time.Microsecond)
	}
	return now
}

func (r *Recorder) labels(ctx context.Context, q Store, ids []string) (map[string]store.User, error) {
	out := map[string]store.User{}
	if len(ids) == 0 {
		return out, nil
	}
	users, err := q.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load snapshot labels: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// IsFirstChange reports whether the entity has no snapshot yet.
func IsFirstChange(ctx context.Context, q Store, kind store.EntityKind, id string) (bool, error) {
	last, err := q.LastSnapshot(ctx, kind, id)
	if err != nil {
		return false, err
	}
	return last == nil, nil
}
