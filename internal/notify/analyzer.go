package notify

import (
	"context"
	"fmt"
	"strings"

	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
)

// Directory is the storage the analyzer and engine read.
type Directory interface {
	GetUsers(ctx context.Context, ids []string) ([]store.User, error)
	GetUsersByUsername(ctx context.Context, usernames []string) ([]store.User, error)
	GetNotifyPolicy(ctx context.Context, projectID, userID string) (*store.NotifyPolicy, error)
}

// Access answers capability questions; *rbac.Resolver satisfies it.
type Access interface {
	Allowed(ctx context.Context, actor *store.User, c rbac.Capability, project *store.Project) (bool, error)
}

// Analyzer maintains the watcher set of an entity being written.
type Analyzer struct {
	mentions     *Mentions
	defaultLevel store.NotifyLevel
}

func NewAnalyzer(mentions *Mentions, defaultLevel store.NotifyLevel) *Analyzer {
	if mentions == nil {
		mentions = defaultMentions
	}
	if !defaultLevel.Valid() {
		defaultLevel = store.NotifyInvolved
	}
	return &Analyzer{mentions: mentions, defaultLevel: defaultLevel}
}

// Write is the input of one analysis.
type Write struct {
	Project *store.Project
	Entity  *store.Entity
	Actor   *store.User
	// Texts are the free-text fields that changed, plus the comment.
	Texts     []string
	Commented bool
}

type Analysis struct {
	// Mentioned are the users that resolved from @handles, in text order.
	Mentioned []store.User
	// Added are the user ids that joined the watcher set.
	Added []string
}

// MentionedIDs lists the ids of the mentioned users.
func (a Analysis) MentionedIDs() []string {
	ids := make([]string, 0, len(a.Mentioned))
	for _, u := range a.Mentioned {
		ids = append(ids, u.ID)
	}
	return ids
}

// Analyze adds mentioned users, and the committer when commenting, to the
// entity's watchers. Mentions of unknown, inactive or unauthorized users are
// ignored.
func (a *Analyzer) Analyze(ctx context.Context, dir Directory, access Access, w Write) (Analysis, error) {
	var res Analysis
	view := rbac.ViewFor(w.Entity.Kind)

	if handles := a.mentions.Extract(w.Texts...); len(handles) > 0 {
		users, err := dir.GetUsersByUsername(ctx, handles)
		if err != nil {
			return Analysis{}, fmt.Errorf("resolve mentions: %w", err)
		}
		byName := map[string]store.User{}
		for _, u := range users {
			byName[strings.ToLower(u.Username)] = u
		}
		for _, handle := range handles {
			u, ok := byName[strings.ToLower(handle)]
			if !ok || !u.IsActive {
				continue
			}
			allowed, err := access.Allowed(ctx, &u, view, w.Project)
			if err != nil {
				return Analysis{}, err
			}
			if !allowed {
				continue
			}
			res.Mentioned = append(res.Mentioned, u)
			if w.Entity.AddWatcher(u.ID) {
				res.Added = append(res.Added, u.ID)
			}
		}
	}

	if w.Commented && w.Actor != nil && w.Actor.ID != "" {
		level, err := Level(ctx, dir, w.Project.ID, w.Actor.ID, a.defaultLevel)
		if err != nil {
			return Analysis{}, err
		}
		if level != store.NotifyNone && w.Entity.AddWatcher(w.Actor.ID) {
			res.Added = append(res.Added, w.Actor.ID)
		}
	}
	return res, nil
}

// Level returns the user's notification level for the project, or def when
// they never chose one.
func Level(ctx context.Context, dir Directory, projectID, userID string, def store.NotifyLevel) (store.NotifyLevel, error) {
	policy, err := dir.GetNotifyPolicy(ctx, projectID, userID)
	if err != nil {
		return "", fmt.Errorf("load notify policy: %w", err)
	}
	if policy == nil || !policy.Level.Valid() {
		return def, nil
	}
	return policy.Level, nil
}
