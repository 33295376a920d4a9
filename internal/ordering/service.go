package ordering

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/history"
	"taigalike/api/internal/occ"
	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
)

type Service struct {
	guard    *occ.Guard
	recorder *history.Recorder
	shifted  metric.Int64Counter
}

func NewService(guard *occ.Guard, recorder *history.Recorder) *Service {
	return &Service{
		guard:    guard,
		recorder: recorder,
		shifted:  telemetry.Counter(telemetry.Meter("taigalike/api/ordering"), "ordering.shifted", "Siblings shifted by reorder cascades"),
	}
}

// Moved is one entity whose order changed, with its new version.
type Moved struct {
	ID      string
	Order   int64
	Version int64
}

type Outcome struct {
	Result
	Moved []Moved
}

// Reorder applies ops to the collection inside the caller's transaction.
// Every moved entity gets a new version and a snapshot.
func (s *Service) Reorder(ctx context.Context, q store.Queries, actor *store.User, f Field, c store.Collection, ops []Op) (Outcome, error) {
	if len(ops) == 0 {
		return Outcome{}, apperr.BadRequest("at least one order change is required")
	}
	seen := map[string]bool{}
	for _, op := range ops {
		if op.ID == "" || seen[op.ID] {
			return Outcome{}, apperr.BadRequest("order changes must name distinct items")
		}
		seen[op.ID] = true
	}
	return s.apply(ctx, q, actor, f, c, ops, "")
}

// Move places one entity at order as part of a larger write. The entity
// itself is neither bumped nor snapshotted here: the surrounding write
// does both. Shifted siblings are handled as in Reorder.
func (s *Service) Move(ctx context.Context, q store.Queries, actor *store.User, f Field, c store.Collection, id string, order int64) (Outcome, error) {
	return s.apply(ctx, q, actor, f, c, []Op{{ID: id, Order: order}}, id)
}

func (s *Service) apply(ctx context.Context, q store.Queries, actor *store.User, f Field, c store.Collection, ops []Op, skip string) (Outcome, error) {
	if err := q.AdvisoryLock(ctx, LockKey(c)); err != nil {
		return Outcome{}, fmt.Errorf("lock collection: %w", err)
	}
	current, err := q.ListSiblings(ctx, c)
	if err != nil {
		return Outcome{}, err
	}
	members := map[string]bool{}
	for _, item := range current {
		members[item.ID] = true
	}
	for _, op := range ops {
		if !members[op.ID] {
			return Outcome{}, apperr.BadRequest(fmt.Sprintf("%s is not in the %s collection", op.ID, c.Field))
		}
	}

	res := Plan(current, ops)
	out := Outcome{Result: res}
	ids := make([]string, 0, len(res.Changed))
	for id := range res.Changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		order := res.Changed[id]
		if err := q.SetOrder(ctx, c, id, order); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Outcome{}, apperr.NotFound(fmt.Sprintf("%s not found", id))
			}
			return Outcome{}, err
		}
		moved := Moved{ID: id, Order: order}
		if f.Versioned() && id != skip {
			version, err := s.touch(ctx, q, actor, c.Kind, id)
			if err != nil {
				return Outcome{}, err
			}
			moved.Version = version
		}
		out.Moved = append(out.Moved, moved)
	}
	if n := len(res.Shifted); n > 0 {
		s.shifted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("field", c.Field)))
	}
	return out, nil
}

func (s *Service) touch(ctx context.Context, q store.Queries, actor *store.User, kind store.EntityKind, id string) (int64, error) {
	version, err := s.guard.Bump(ctx, q, kind, id)
	if err != nil {
		return 0, err
	}
	entity, err := q.LockEntity(ctx, kind, id)
	if err != nil {
		return 0, fmt.Errorf("load moved entity: %w", err)
	}
	if _, err := s.recorder.Record(ctx, q, &entity, history.Change{Actor: actor}); err != nil {
		return 0, err
	}
	return version, nil
}
