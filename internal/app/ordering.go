package app

import (
	"context"
	"fmt"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
)

// BulkOrder reorders one collection. It takes no client version; the
// collection's advisory lock serializes concurrent reorders and every moved
// entity is bumped and snapshotted.
func (s *Service) BulkOrder(ctx context.Context, actor *store.User, projectID string, kind store.EntityKind, field, scope string, ops []ordering.Op) (ordering.Outcome, error) {
	if err := requireActor(actor); err != nil {
		return ordering.Outcome{}, err
	}
	f, ok := ordering.Lookup(kind, field)
	if !ok {
		return ordering.Outcome{}, apperr.BadRequest(fmt.Sprintf("%s has no order field %s", kind, field))
	}

	var out ordering.Outcome
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, projectID)
		if err != nil {
			return err
		}
		capability, _ := rbac.For(kind, rbac.ActionModify)
		if field == store.RelatedStoriesField {
			capability = rbac.ModifyEpic
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, capability, project); err != nil {
			return err
		}
		if field == store.RelatedStoriesField {
			epic, err := loadEntity(ctx, q, store.KindEpic, scope)
			if err != nil {
				return err
			}
			if epic.ProjectID != project.ID {
				return apperr.NotFound("epic not found")
			}
		}
		out, err = s.ordering.Reorder(ctx, q, actor, f, f.Collection(project.ID, scope), ops)
		return err
	})
	if err != nil {
		return ordering.Outcome{}, err
	}
	return out, nil
}

// RelateStory links a user story to an epic at the end of the epic's
// related-story collection.
func (s *Service) RelateStory(ctx context.Context, actor *store.User, epicID, storyID string) (int64, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	var order int64
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		epic, err := loadEntity(ctx, q, store.KindEpic, epicID)
		if err != nil {
			return err
		}
		project, err := loadProject(ctx, q, epic.ProjectID)
		if err != nil {
			return err
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, rbac.ModifyEpic, project); err != nil {
			return err
		}
		story, err := loadEntity(ctx, q, store.KindUserStory, storyID)
		if err != nil {
			return err
		}
		if story.ProjectID != project.ID {
			return apperr.BadRequest("user story belongs to another project")
		}

		f, _ := ordering.Lookup(store.KindUserStory, store.RelatedStoriesField)
		c := f.Collection(project.ID, epic.ID)
		if err := q.AdvisoryLock(ctx, ordering.LockKey(c)); err != nil {
			return fmt.Errorf("lock collection: %w", err)
		}
		related, err := q.ListSiblings(ctx, c)
		if err != nil {
			return err
		}
		order = 1
		for _, item := range related {
			if item.ID == story.ID {
				return apperr.Conflict("user story is already related to this epic")
			}
			if item.Order >= order {
				order = item.Order + 1
			}
		}
		if err := q.LinkRelatedStory(ctx, epic.ID, story.ID, order); err != nil {
			return fmt.Errorf("link related story: %w", err)
		}
		return nil
	})
	return order, err
}
