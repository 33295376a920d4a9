package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/history"
	"taigalike/api/internal/notify"
	"taigalike/api/internal/occ"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
	"taigalike/api/internal/util"
)

// WriteResult is what a committed entity write returns to the client.
type WriteResult struct {
	Entity   store.Entity
	Snapshot *store.Snapshot
	// Shifted holds siblings whose order moved as a side effect.
	Shifted map[string]int64
}

func (s *Service) GetEntity(ctx context.Context, actor *store.User, kind store.EntityKind, id string) (store.Entity, error) {
	entity, err := loadEntity(ctx, s.store, kind, id)
	if err != nil {
		return store.Entity{}, err
	}
	project, err := loadProject(ctx, s.store, entity.ProjectID)
	if err != nil {
		return store.Entity{}, err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewFor(kind), project); err != nil {
		return store.Entity{}, err
	}
	return *entity, nil
}

func (s *Service) CreateEntity(ctx context.Context, actor *store.User, projectID string, kind store.EntityKind, raw []byte) (WriteResult, error) {
	if err := requireActor(actor); err != nil {
		return WriteResult{}, err
	}
	addCap, ok := rbac.For(kind, rbac.ActionAdd)
	if !ok {
		return WriteResult{}, apperr.BadRequest(fmt.Sprintf("%s cannot be created here", kind))
	}
	in, err := parseEntityInput(kind, raw)
	if err != nil {
		return WriteResult{}, err
	}

	var (
		res WriteResult
		fan *fanout
	)
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, projectID)
		if err != nil {
			return err
		}
		resolver := s.resolver.WithSource(q)
		if err := resolver.Authorize(ctx, actor, addCap, project); err != nil {
			return err
		}
		body, err := buildBody(kind, nil, ModeReplace, in.body)
		if err != nil {
			return err
		}
		ref, err := q.NextRef(ctx, project.ID)
		if err != nil {
			return fmt.Errorf("next ref: %w", err)
		}
		now := s.now().UTC()
		e := store.Entity{
			Kind:       kind,
			ID:         util.NewID(idPrefixes[kind]),
			ProjectID:  project.ID,
			Ref:        ref,
			Version:    occ.InitialVersion,
			OwnerID:    actor.ID,
			Watchers:   []string{},
			Orders:     map[string]int64{},
			Attributes: map[string]any{},
			Body:       body,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		// Snapshots outlive deleted entities; a new id must start a fresh timeline.
		first, err := history.IsFirstChange(ctx, q, kind, e.ID)
		if err != nil {
			return err
		}
		if !first {
			return fmt.Errorf("%s %s already has history", kind, e.ID)
		}
		if err := s.applyHeader(ctx, q, resolver, project, &e, in); err != nil {
			return err
		}
		if err := s.defaultOrders(ctx, q, &e); err != nil {
			return err
		}
		if err := q.InsertEntity(ctx, e); err != nil {
			return fmt.Errorf("insert %s: %w", kind, err)
		}
		shifted, err := s.placeOrders(ctx, q, actor, &e, in.orders)
		if err != nil {
			return err
		}

		texts := append(notify.ChangedTexts(nil, e.Body), in.comment)
		analysis, err := s.analyzer.Analyze(ctx, q, resolver, notify.Write{
			Project: project, Entity: &e, Actor: actor, Texts: texts, Commented: in.comment != "",
		})
		if err != nil {
			return err
		}
		if err := q.SaveEntity(ctx, e); err != nil {
			return fmt.Errorf("save %s: %w", kind, err)
		}
		snap, err := s.recorder.Record(ctx, q, &e, history.Change{Actor: actor, Comment: in.comment})
		if err != nil {
			return err
		}
		res = WriteResult{Entity: e, Snapshot: snap, Shifted: shifted}
		fan = &fanout{project: *project, entity: &e, snapshot: snap, actor: actor, mentioned: analysis.MentionedIDs()}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	s.deliver(ctx, fan)
	return res, nil
}

// UpdateEntity is the OCC-guarded edit. The client's version must match
// the stored one; a comment-only patch needs the comment capability
// instead of modify.
func (s *Service) UpdateEntity(ctx context.Context, actor *store.User, kind store.EntityKind, id string, mode WriteMode, raw []byte) (WriteResult, error) {
	if err := requireActor(actor); err != nil {
		return WriteResult{}, err
	}
	in, err := parseEntityInput(kind, raw)
	if err != nil {
		return WriteResult{}, err
	}
	action := rbac.ActionModify
	if mode == ModePatch && in.commentOnly() {
		action = rbac.ActionComment
	}
	capability, ok := rbac.For(kind, action)
	if !ok {
		return WriteResult{}, apperr.BadRequest(fmt.Sprintf("%s cannot be edited here", kind))
	}

	var (
		res WriteResult
		fan *fanout
	)
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		current, err := loadEntity(ctx, q, kind, id)
		if err != nil {
			return err
		}
		project, err := loadProject(ctx, q, current.ProjectID)
		if err != nil {
			return err
		}
		resolver := s.resolver.WithSource(q)
		if err := resolver.Authorize(ctx, actor, capability, project); err != nil {
			return err
		}
		if _, err := s.guard.Check(ctx, q, kind, id, in.version); err != nil {
			return err
		}
		e, err := q.LockEntity(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("lock %s: %w", kind, err)
		}
		before := e.Body
		previousAssignee := e.AssignedTo

		if len(in.body) > 0 || mode == ModeReplace {
			body, err := buildBody(kind, e.Body, mode, in.body)
			if err != nil {
				return err
			}
			e.Body = body
		}
		if mode == ModeReplace && in.assignedTo == nil {
			in.assignedTo = new(string)
		}
		if err := s.applyHeader(ctx, q, resolver, project, &e, in); err != nil {
			return err
		}
		e.ModifiedAt = s.now().UTC()

		var shifted map[string]int64
		if len(in.orders) > 0 {
			// The new scope (status, milestone) must be stored before the
			// entity can move within it.
			if err := q.SaveEntity(ctx, e); err != nil {
				return fmt.Errorf("save %s: %w", kind, err)
			}
			if shifted, err = s.placeOrders(ctx, q, actor, &e, in.orders); err != nil {
				return err
			}
		}

		texts := append(notify.ChangedTexts(before, e.Body), in.comment)
		analysis, err := s.analyzer.Analyze(ctx, q, resolver, notify.Write{
			Project: project, Entity: &e, Actor: actor, Texts: texts, Commented: in.comment != "",
		})
		if err != nil {
			return err
		}
		if err := q.SaveEntity(ctx, e); err != nil {
			return fmt.Errorf("save %s: %w", kind, err)
		}
		snap, err := s.recorder.Record(ctx, q, &e, history.Change{Actor: actor, Comment: in.comment})
		if err != nil {
			return err
		}

		res = WriteResult{Entity: e, Snapshot: snap, Shifted: shifted}
		fan = &fanout{project: *project, entity: &e, snapshot: snap, actor: actor, mentioned: analysis.MentionedIDs()}
		if previousAssignee != "" && previousAssignee != e.AssignedTo {
			fan.previousAssignee = previousAssignee
		}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	s.deliver(ctx, fan)
	return res, nil
}

// Comment adds a comment to an entity through the regular patch path.
func (s *Service) Comment(ctx context.Context, actor *store.User, kind store.EntityKind, id string, version *int64, text string) (WriteResult, error) {
	if strings.TrimSpace(text) == "" {
		return WriteResult{}, apperr.BadRequest("comment is required")
	}
	raw, err := json.Marshal(map[string]any{"version": version, "comment": text})
	if err != nil {
		return WriteResult{}, err
	}
	return s.UpdateEntity(ctx, actor, kind, id, ModePatch, raw)
}

// DeleteEntity removes an entity. Deletion is terminal and skips the version
// comparison.
func (s *Service) DeleteEntity(ctx context.Context, actor *store.User, kind store.EntityKind, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	capability, ok := rbac.For(kind, rbac.ActionDelete)
	if !ok {
		return apperr.BadRequest(fmt.Sprintf("%s cannot be deleted here", kind))
	}
	var fan *fanout
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		current, err := loadEntity(ctx, q, kind, id)
		if err != nil {
			return err
		}
		project, err := loadProject(ctx, q, current.ProjectID)
		if err != nil {
			return err
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, capability, project); err != nil {
			return err
		}
		if _, err := s.guard.Bump(ctx, q, kind, id); err != nil {
			return err
		}
		e, err := q.LockEntity(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("lock %s: %w", kind, err)
		}
		snap, err := s.recorder.Record(ctx, q, &e, history.Change{Actor: actor, Delete: true})
		if err != nil {
			return err
		}
		if err := q.DeleteEntity(ctx, kind, id); err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		fan = &fanout{project: *project, entity: &e, snapshot: snap, actor: actor}
		return nil
	})
	if err != nil {
		return err
	}
	s.deliver(ctx, fan)
	return nil
}

// Watch adds or removes the actor from the entity's watchers. It is a
// write: the version advances and a snapshot records the watcher diff.
func (s *Service) Watch(ctx context.Context, actor *store.User, kind store.EntityKind, id string, watch bool) (WriteResult, error) {
	if err := requireActor(actor); err != nil {
		return WriteResult{}, err
	}
	var res WriteResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		current, err := loadEntity(ctx, q, kind, id)
		if err != nil {
			return err
		}
		project, err := loadProject(ctx, q, current.ProjectID)
		if err != nil {
			return err
		}
		resolver := s.resolver.WithSource(q)
		if err := resolver.Authorize(ctx, actor, rbac.ViewFor(kind), project); err != nil {
			return err
		}
		if project.IsBlocked {
			return apperr.Blocked("project is blocked")
		}
		var changed bool
		if watch {
			changed = current.AddWatcher(actor.ID)
		} else {
			changed = current.RemoveWatcher(actor.ID)
		}
		if !changed {
			res = WriteResult{Entity: *current}
			return nil
		}
		if _, err := s.guard.Bump(ctx, q, kind, id); err != nil {
			return err
		}
		if err := q.SetWatchers(ctx, kind, id, current.Watchers); err != nil {
			return fmt.Errorf("set watchers: %w", err)
		}
		e, err := q.LockEntity(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("lock %s: %w", kind, err)
		}
		snap, err := s.recorder.Record(ctx, q, &e, history.Change{Actor: actor})
		if err != nil {
			return err
		}
		res = WriteResult{Entity: e, Snapshot: snap}
		return nil
	})
	return res, err
}

// applyHeader validates and applies the assignee, watcher and custom
// attribute parts of a write.
func (s *Service) applyHeader(ctx context.Context, q store.Queries, resolver *rbac.Resolver, project *store.Project, e *store.Entity, in entityInput) error {
	view := rbac.ViewFor(e.Kind)
	if in.assignedTo != nil {
		assignee := *in.assignedTo
		if assignee != "" && assignee != e.AssignedTo {
			user, err := q.GetUser(ctx, assignee)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.BadRequest("assigned user does not exist")
			}
			if err != nil {
				return fmt.Errorf("load assignee: %w", err)
			}
			allowed, err := resolver.Allowed(ctx, &user, view, project)
			if err != nil {
				return err
			}
			if !user.IsActive || !allowed {
				return apperr.BadRequest("assigned user cannot see this item")
			}
		}
		e.AssignedTo = assignee
	}
	if in.hasWatchers {
		watchers := uniqueSorted(in.watchers)
		users, err := q.GetUsers(ctx, watchers)
		if err != nil {
			return fmt.Errorf("load watchers: %w", err)
		}
		if len(users) != len(watchers) {
			return apperr.BadRequest("unknown watcher")
		}
		e.Watchers = watchers
	}
	if in.attributes != nil {
		e.Attributes = in.attributes
	}
	return nil
}

// defaultOrders places a new entity after its existing siblings.
func (s *Service) defaultOrders(ctx context.Context, q store.Queries, e *store.Entity) error {
	for _, f := range ordering.FieldsFor(e.Kind) {
		siblings, err := q.ListSiblings(ctx, f.Collection(e.ProjectID, scopeOf(e, f)))
		if err != nil {
			return fmt.Errorf("list %s siblings: %w", f.Name, err)
		}
		var next int64 = 1
		for _, item := range siblings {
			if item.Order >= next {
				next = item.Order + 1
			}
		}
		e.Orders[f.Name] = next
	}
	return nil
}

// placeOrders moves e to the requested positions. Siblings pushed aside are
// versioned and snapshotted by the ordering service and returned for the
// Order-Updated header.
func (s *Service) placeOrders(ctx context.Context, q store.Queries, actor *store.User, e *store.Entity, orders map[string]int64) (map[string]int64, error) {
	shifted := map[string]int64{}
	names := make([]string, 0, len(orders))
	for name := range orders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := ordering.Lookup(e.Kind, name)
		if !ok {
			return nil, apperr.BadRequest(fmt.Sprintf("unknown order field %s", name))
		}
		out, err := s.ordering.Move(ctx, q, actor, f, f.Collection(e.ProjectID, scopeOf(e, f)), e.ID, orders[name])
		if err != nil {
			return nil, err
		}
		if order, ok := out.Changed[e.ID]; ok {
			e.Orders[name] = order
		}
		for id, order := range out.Shifted {
			shifted[id] = order
		}
	}
	return shifted, nil
}

func scopeOf(e *store.Entity, f ordering.Field) string {
	if f.ScopeKey == "" {
		return ""
	}
	fields, err := store.BodyFields(e.Body)
	if err != nil {
		return ""
	}
	value, _ := fields[f.ScopeKey].(string)
	return value
}
