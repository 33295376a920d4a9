// Package occ enforces optimistic concurrency on tracked entities.
package occ

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
)

// InitialVersion is assigned on creation.
const InitialVersion int64 = 1

// Versioner performs the compare-and-increment. A negative expected version
// bumps unconditionally.
type Versioner interface {
	BumpEntityVersion(ctx context.Context, kind store.EntityKind, id string, expected int64) (int64, error)
}

type Guard struct {
	conflicts metric.Int64Counter
}

func NewGuard() *Guard {
	return &Guard{
		conflicts: telemetry.Counter(telemetry.Meter("taigalike/api/occ"), "kernel.occ.conflicts", "Writes rejected with a stale version"),
	}
}

// Check increments the version when the client's copy is current. It must
// run inside the write's transaction so the increment rolls back with it.
func (g *Guard) Check(ctx context.Context, q Versioner, kind store.EntityKind, id string, clientVersion *int64) (int64, error) {
	if clientVersion == nil {
		return 0, apperr.BadRequest("version is required")
	}
	if *clientVersion < InitialVersion {
		return 0, apperr.BadRequest("version must be a positive integer")
	}
	version, err := q.BumpEntityVersion(ctx, kind, id, *clientVersion)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, store.ErrStale):
		g.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		return 0, apperr.StaleVersion(version)
	case errors.Is(err, store.ErrNotFound):
		return 0, apperr.NotFound(fmt.Sprintf("%s not found", kind))
	default:
		return 0, err
	}
}

// Bump increments without comparing. Reorders and system writes use it.
func (g *Guard) Bump(ctx context.Context, q Versioner, kind store.EntityKind, id string) (int64, error) {
	version, err := q.BumpEntityVersion(ctx, kind, id, -1)
	if errors.Is(err, store.ErrNotFound) {
		return 0, apperr.NotFound(fmt.Sprintf("%s not found", kind))
	}
	return version, err
}
