package app

import (
	"context"
	"errors"
	"fmt"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/history"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
)

// Timeline lists the snapshots of an entity the actor can see. Deleted
// entities keep their timeline; its project is taken from the snapshots.
func (s *Service) Timeline(ctx context.Context, actor *store.User, kind store.EntityKind, id string, onlyRelevant bool) ([]store.Snapshot, error) {
	projectID, err := s.timelineProject(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewFor(kind), project); err != nil {
		return nil, err
	}
	return history.Timeline(ctx, s.store, kind, id, onlyRelevant)
}

func (s *Service) timelineProject(ctx context.Context, kind store.EntityKind, id string) (string, error) {
	if kind == store.KindProject {
		return id, nil
	}
	entity, err := s.store.GetEntity(ctx, kind, id)
	if err == nil {
		return entity.ProjectID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load %s: %w", kind, err)
	}
	last, err := s.store.LastSnapshot(ctx, kind, id)
	if err != nil {
		return "", fmt.Errorf("load last snapshot: %w", err)
	}
	if last == nil {
		return "", apperr.NotFound(fmt.Sprintf("%s not found", kind))
	}
	return last.ProjectID, nil
}

type commentOp func(ctx context.Context, q store.Queries, snap store.Snapshot, isAdmin bool) (store.Snapshot, error)

// moderate loads a snapshot, checks the actor may moderate comments on its
// entity and applies op in one transaction.
func (s *Service) moderate(ctx context.Context, actor *store.User, snapshotID string, op commentOp) (store.Snapshot, error) {
	if err := requireActor(actor); err != nil {
		return store.Snapshot{}, err
	}
	var out store.Snapshot
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		snap, err := q.GetSnapshot(ctx, snapshotID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("snapshot not found")
		}
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		project, err := loadProject(ctx, q, snap.ProjectID)
		if err != nil {
			return err
		}
		resolver := s.resolver.WithSource(q)
		capability, ok := rbac.For(snap.Kind, rbac.ActionComment)
		if !ok {
			return apperr.BadRequest("snapshot kind has no comments")
		}
		isAdmin, err := resolver.IsAdmin(ctx, actor, project)
		if err != nil {
			return err
		}
		// Admins moderate any comment they can see; everyone else needs the
		// comment capability and is then held to authorship.
		if isAdmin {
			if err := resolver.Authorize(ctx, actor, rbac.ViewFor(snap.Kind), project); err != nil {
				return err
			}
			if project.IsBlocked {
				return apperr.Blocked("project is blocked")
			}
		} else if err := resolver.Authorize(ctx, actor, capability, project); err != nil {
			return err
		}
		out, err = op(ctx, q, snap, isAdmin)
		return err
	})
	return out, err
}

func (s *Service) DeleteComment(ctx context.Context, actor *store.User, snapshotID string) (store.Snapshot, error) {
	return s.moderate(ctx, actor, snapshotID, func(ctx context.Context, q store.Queries, snap store.Snapshot, isAdmin bool) (store.Snapshot, error) {
		return s.recorder.DeleteComment(ctx, q, snap, actor, isAdmin)
	})
}

func (s *Service) UndeleteComment(ctx context.Context, actor *store.User, snapshotID string) (store.Snapshot, error) {
	return s.moderate(ctx, actor, snapshotID, func(ctx context.Context, q store.Queries, snap store.Snapshot, isAdmin bool) (store.Snapshot, error) {
		return s.recorder.UndeleteComment(ctx, q, snap, actor, isAdmin)
	})
}

func (s *Service) EditComment(ctx context.Context, actor *store.User, snapshotID, text string) (store.Snapshot, error) {
	return s.moderate(ctx, actor, snapshotID, func(ctx context.Context, q store.Queries, snap store.Snapshot, _ bool) (store.Snapshot, error) {
		return s.recorder.EditComment(ctx, q, snap, actor, text)
	})
}
