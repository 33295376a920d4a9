package notify

import (
	"context"
	"fmt"
	"sort"

	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
)

// Engine applies per-user notification policies to a recorded change.
type Engine struct {
	defaultLevel store.NotifyLevel
}

func NewEngine(defaultLevel store.NotifyLevel) *Engine {
	if !defaultLevel.Valid() {
		defaultLevel = store.NotifyInvolved
	}
	return &Engine{defaultLevel: defaultLevel}
}

// Event is a recorded change seen by the engine.
type Event struct {
	Project  *store.Project
	Entity   *store.Entity
	Snapshot *store.Snapshot
	Actor    *store.User
	// Mentioned holds user ids resolved from the write's mentions.
	Mentioned []string
	// PreviousAssignee is set when the change moved the assignment away.
	PreviousAssignee string
}

// Recipients returns the users to notify about ev, ordered by id.
func (e *Engine) Recipients(ctx context.Context, dir Directory, access Access, ev Event) ([]store.User, error) {
	if ev.Snapshot == nil || ev.Snapshot.IsHidden {
		return nil, nil
	}

	involved := map[string]bool{}
	for _, id := range ev.Entity.Participants() {
		involved[id] = true
	}
	for _, id := range ev.Mentioned {
		involved[id] = true
	}
	if ev.PreviousAssignee != "" {
		involved[ev.PreviousAssignee] = true
	}

	candidates := map[string]bool{}
	for _, id := range ev.Entity.Watchers {
		candidates[id] = true
	}
	for id := range involved {
		candidates[id] = true
	}
	if ev.Actor != nil && !ev.Actor.NotifyChangesByMe {
		delete(candidates, ev.Actor.ID)
	}
	delete(candidates, "")
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	users, err := dir.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	view := rbac.ViewFor(ev.Entity.Kind)
	out := []store.User{}
	for _, u := range users {
		if !u.IsActive {
			continue
		}
		level, err := Level(ctx, dir, ev.Project.ID, u.ID, e.defaultLevel)
		if err != nil {
			return nil, err
		}
		switch level {
		case store.NotifyNone:
			continue
		case store.NotifyInvolved:
			if !involved[u.ID] {
				continue
			}
		}
		allowed, err := access.Allowed(ctx, &u, view, ev.Project)
		if err != nil {
			return nil, err
		}
		if allowed {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
