package rbac

import (
	"context"
	"fmt"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
)

// MembershipSource looks up a user's membership. It returns nil, nil when
// the user is not a member.
type MembershipSource interface {
	GetMembership(ctx context.Context, projectID, userID string) (*store.Membership, error)
}

type Resolver struct {
	memberships MembershipSource
}

func NewResolver(memberships MembershipSource) *Resolver {
	return &Resolver{memberships: memberships}
}

// WithSource returns a resolver reading memberships through src, typically
// an open transaction.
func (r *Resolver) WithSource(src MembershipSource) *Resolver {
	return &Resolver{memberships: src}
}

// raw computes capabilities before the blocked-project mask.
func (r *Resolver) raw(ctx context.Context, actor *store.User, project *store.Project) (Set, error) {
	anon := setFromStored(project.AnonPermissions)
	if actor == nil || actor.ID == "" {
		return anon, nil
	}
	if !actor.IsActive {
		return 0, nil
	}
	if actor.IsSuperuser {
		return All, nil
	}

	shared := anon.Union(setFromStored(project.PublicPermissions))
	if actor.ID == project.OwnerID {
		return All.Union(shared), nil
	}

	membership, err := r.memberships.GetMembership(ctx, project.ID, actor.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve membership: %w", err)
	}
	if membership == nil {
		return shared, nil
	}
	caps := shared
	if membership.Role != nil {
		caps = caps.Union(setFromStored(membership.Role.Permissions))
	}
	if membership.IsAdmin {
		caps = caps.Union(AdminSet)
	}
	return caps, nil
}

// Capabilities returns the effective capability set, with writes masked
// out on blocked projects.
func (r *Resolver) Capabilities(ctx context.Context, actor *store.User, project *store.Project) (Set, error) {
	if project == nil {
		return 0, nil
	}
	caps, err := r.raw(ctx, actor, project)
	if err != nil {
		return 0, err
	}
	if project.IsBlocked {
		caps = caps.ReadOnly()
	}
	return caps, nil
}

func (r *Resolver) Allowed(ctx context.Context, actor *store.User, c Capability, project *store.Project) (bool, error) {
	caps, err := r.Capabilities(ctx, actor, project)
	if err != nil {
		return false, err
	}
	return caps.Has(c), nil
}

// Authorize turns a missing capability into the error the client sees.
// A project where the actor holds no read capability at all is reported
// as not_found; writes on a blocked project fail with blocked.
func (r *Resolver) Authorize(ctx context.Context, actor *store.User, c Capability, project *store.Project) error {
	if project == nil {
		return apperr.NotFound("project not found")
	}
	caps, err := r.raw(ctx, actor, project)
	if err != nil {
		return err
	}
	if caps.ReadOnly().Empty() {
		return apperr.NotFound("project not found")
	}
	if project.IsBlocked && !c.IsRead() {
		return apperr.Blocked("project is blocked")
	}
	if caps.Has(c) {
		return nil
	}
	if actor == nil || actor.ID == "" {
		return apperr.Unauthenticated("authentication required")
	}
	return apperr.Forbidden(fmt.Sprintf("missing permission %s", c))
}

// IsAdmin reports project administration rights: superuser, owner or
// admin membership. Blocking does not revoke it.
func (r *Resolver) IsAdmin(ctx context.Context, actor *store.User, project *store.Project) (bool, error) {
	if actor == nil || project == nil || !actor.IsActive {
		return false, nil
	}
	if actor.IsSuperuser || actor.ID == project.OwnerID {
		return true, nil
	}
	membership, err := r.memberships.GetMembership(ctx, project.ID, actor.ID)
	if err != nil {
		return false, fmt.Errorf("resolve membership: %w", err)
	}
	return membership != nil && membership.IsAdmin, nil
}

// ValidatePermissionVectors checks the anonymous and public vectors a
// project is about to store.
func ValidatePermissionVectors(isPrivate bool, anon, public []string) error {
	anonSet, err := ParseSet(anon)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	publicSet, err := ParseSet(public)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	if isPrivate && !anonSet.Empty() {
		return apperr.BadRequest("private projects cannot grant anonymous permissions")
	}
	if !anonSet.SubsetOf(AnonSet) {
		return apperr.BadRequest("anonymous permissions may only grant view access")
	}
	if !publicSet.SubsetOf(MemberSet) {
		return apperr.BadRequest("public permissions cannot grant project administration")
	}
	return nil
}

// BasePermissions returns the default vectors for a project's visibility:
// private projects grant nothing, public ones grant anonymous read access
// to everyone.
func BasePermissions(isPrivate bool, anon, public []string) ([]string, []string) {
	if isPrivate {
		return []string{}, []string{}
	}
	anonSet := setFromStored(anon).Union(AnonSet)
	publicSet := setFromStored(public).Union(AnonSet)
	return anonSet.Names(), publicSet.Names()
}
