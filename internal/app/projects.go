package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/auth"
	"taigalike/api/internal/history"
	"taigalike/api/internal/occ"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
	"taigalike/api/internal/util"
)

type ProjectInput struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	IsPrivate         bool     `json:"is_private"`
	AnonPermissions   []string `json:"anon_permissions"`
	PublicPermissions []string `json:"public_permissions"`
}

// ProjectPatch is a partial project update. Version is mandatory.
type ProjectPatch struct {
	Version           *int64    `json:"version"`
	Name              *string   `json:"name"`
	Description       *string   `json:"description"`
	IsPrivate         *bool     `json:"is_private"`
	AnonPermissions   *[]string `json:"anon_permissions"`
	PublicPermissions *[]string `json:"public_permissions"`
}

// ProjectResult is a committed project write.
type ProjectResult struct {
	Project  store.Project
	Snapshot *store.Snapshot
}

// CreateProject makes actor the owner and an admin member of a new project.
func (s *Service) CreateProject(ctx context.Context, actor *store.User, in ProjectInput) (ProjectResult, error) {
	if err := requireActor(actor); err != nil {
		return ProjectResult{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ProjectResult{}, apperr.BadRequest("name is required")
	}
	slug := slugify(name)
	if slug == "" {
		return ProjectResult{}, apperr.BadRequest("name must contain letters or digits")
	}
	anon, public := in.AnonPermissions, in.PublicPermissions
	if anon == nil && public == nil {
		anon, public = rbac.BasePermissions(in.IsPrivate, nil, nil)
	}
	if anon == nil {
		anon = []string{}
	}
	if public == nil {
		public = []string{}
	}
	if err := rbac.ValidatePermissionVectors(in.IsPrivate, anon, public); err != nil {
		return ProjectResult{}, err
	}

	now := s.now().UTC()
	project := store.Project{
		ID:                util.NewID("prj"),
		Name:              name,
		Slug:              slug,
		Description:       in.Description,
		OwnerID:           actor.ID,
		IsPrivate:         in.IsPrivate,
		AnonPermissions:   anon,
		PublicPermissions: public,
		Version:           occ.InitialVersion,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	var res ProjectResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.CreateProject(ctx, project); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("a project with this slug already exists")
			}
			return fmt.Errorf("create project: %w", err)
		}
		role := store.Role{
			ID:          util.NewID("role"),
			ProjectID:   project.ID,
			Name:        "Member",
			Slug:        "member",
			Permissions: rbac.MemberSet.Names(),
		}
		if err := q.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("create member role: %w", err)
		}
		if err := q.CreateMembership(ctx, store.Membership{
			ID:        util.NewID("mbr"),
			ProjectID: project.ID,
			UserID:    actor.ID,
			Email:     actor.Email,
			RoleID:    role.ID,
			IsAdmin:   true,
			InvitedBy: actor.ID,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("create owner membership: %w", err)
		}
		snap, err := s.recorder.RecordProject(ctx, q, &project, history.Change{Actor: actor})
		if err != nil {
			return err
		}
		res = ProjectResult{Project: project, Snapshot: snap}
		return nil
	})
	if err != nil {
		return ProjectResult{}, err
	}
	s.deliver(ctx, &fanout{project: res.Project, snapshot: res.Snapshot, actor: actor})
	return res, nil
}

func (s *Service) GetProject(ctx context.Context, actor *store.User, id string) (store.Project, error) {
	project, err := loadProject(ctx, s.store, id)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewProject, project); err != nil {
		return store.Project{}, err
	}
	return *project, nil
}

// UpdateProject applies a version-checked partial update. Flipping
// visibility resets the permission vectors to the base set of the new
// visibility before any explicit vectors are laid over.
func (s *Service) UpdateProject(ctx context.Context, actor *store.User, id string, patch ProjectPatch) (ProjectResult, error) {
	if err := requireActor(actor); err != nil {
		return ProjectResult{}, err
	}
	var res ProjectResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, id)
		if err != nil {
			return err
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, rbac.ModifyProject, project); err != nil {
			return err
		}
		version, err := s.guard.Check(ctx, q, store.KindProject, id, patch.Version)
		if err != nil {
			return err
		}
		p := *project
		p.Version = version
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return apperr.BadRequest("name is required")
			}
			p.Name = name
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		anon, public := p.AnonPermissions, p.PublicPermissions
		if patch.IsPrivate != nil && *patch.IsPrivate != p.IsPrivate {
			p.IsPrivate = *patch.IsPrivate
			anon, public = rbac.BasePermissions(p.IsPrivate, anon, public)
		}
		if patch.AnonPermissions != nil {
			anon = *patch.AnonPermissions
		}
		if patch.PublicPermissions != nil {
			public = *patch.PublicPermissions
		}
		if err := rbac.ValidatePermissionVectors(p.IsPrivate, anon, public); err != nil {
			return err
		}
		p.AnonPermissions, p.PublicPermissions = anon, public
		res, err = s.saveProject(ctx, q, actor, p)
		return err
	})
	if err != nil {
		return ProjectResult{}, err
	}
	s.deliver(ctx, &fanout{project: res.Project, snapshot: res.Snapshot, actor: actor})
	return res, nil
}

// UpdateProjectPermissions replaces both permission vectors.
func (s *Service) UpdateProjectPermissions(ctx context.Context, actor *store.User, id string, version *int64, anon, public []string) (ProjectResult, error) {
	if anon == nil {
		anon = []string{}
	}
	if public == nil {
		public = []string{}
	}
	return s.UpdateProject(ctx, actor, id, ProjectPatch{Version: version, AnonPermissions: &anon, PublicPermissions: &public})
}

// SetProjectBlocked is reserved to superusers. A blocked project stays
// readable; every write answers blocked.
func (s *Service) SetProjectBlocked(ctx context.Context, actor *store.User, id string, blocked bool) (ProjectResult, error) {
	if err := requireActor(actor); err != nil {
		return ProjectResult{}, err
	}
	if !actor.IsSuperuser {
		return ProjectResult{}, apperr.Forbidden("only administrators can block projects")
	}
	var res ProjectResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, id)
		if err != nil {
			return err
		}
		if project.IsBlocked == blocked {
			res = ProjectResult{Project: *project}
			return nil
		}
		version, err := s.guard.Bump(ctx, q, store.KindProject, id)
		if err != nil {
			return err
		}
		p := *project
		p.Version = version
		p.IsBlocked = blocked
		res, err = s.saveProject(ctx, q, actor, p)
		return err
	})
	return res, err
}

func (s *Service) saveProject(ctx context.Context, q store.Queries, actor *store.User, p store.Project) (ProjectResult, error) {
	p.ModifiedAt = s.now().UTC()
	if err := q.UpdateProject(ctx, p); err != nil {
		return ProjectResult{}, fmt.Errorf("update project: %w", err)
	}
	snap, err := s.recorder.RecordProject(ctx, q, &p, history.Change{Actor: actor})
	if err != nil {
		return ProjectResult{}, err
	}
	return ProjectResult{Project: p, Snapshot: snap}, nil
}

// Transfer is a pending ownership transfer handed to the target user.
type Transfer struct {
	Token     string `json:"token"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// StartTransfer signs a transfer of project ownership to a current member.
// Nothing changes until the target accepts.
func (s *Service) StartTransfer(ctx context.Context, actor *store.User, projectID, targetUserID string) (Transfer, error) {
	if err := requireActor(actor); err != nil {
		return Transfer{}, err
	}
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return Transfer{}, err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewProject, project); err != nil {
		return Transfer{}, err
	}
	if project.OwnerID != actor.ID {
		return Transfer{}, apperr.Forbidden("only the owner can transfer a project")
	}
	if project.IsBlocked {
		return Transfer{}, apperr.Blocked("project is blocked")
	}
	if targetUserID == "" || targetUserID == actor.ID {
		return Transfer{}, apperr.BadRequest("transfer target must be another member")
	}
	membership, err := s.store.GetMembership(ctx, projectID, targetUserID)
	if err != nil {
		return Transfer{}, fmt.Errorf("load membership: %w", err)
	}
	if membership == nil {
		return Transfer{}, apperr.BadRequest("transfer target must be a project member")
	}

	exp := s.now().Add(s.cfg.TransferTTL).Unix()
	token, err := auth.IssueTransferToken(s.secret, auth.TransferClaims{
		ProjectID: projectID,
		UserID:    targetUserID,
		OwnerID:   actor.ID,
		Exp:       exp,
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("issue transfer token: %w", err)
	}
	return Transfer{Token: token, ProjectID: projectID, UserID: targetUserID, ExpiresAt: exp}, nil
}

// checkTransfer validates a transfer token for actor against the project's
// current state.
func (s *Service) checkTransfer(ctx context.Context, q store.Queries, actor *store.User, token string) (*store.Project, error) {
	claims, err := auth.ParseTransferToken(s.secret, token)
	if err != nil {
		return nil, apperr.BadRequest("invalid or expired transfer token")
	}
	if claims.UserID != actor.ID {
		return nil, apperr.Forbidden("transfer token was issued to another user")
	}
	project, err := loadProject(ctx, q, claims.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != claims.OwnerID {
		return nil, apperr.PreconditionFailed("project owner changed since the transfer was started")
	}
	membership, err := q.GetMembership(ctx, project.ID, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	if membership == nil {
		return nil, apperr.PreconditionFailed("transfer target is no longer a member")
	}
	return project, nil
}

// AcceptTransfer swaps ownership atomically. The new owner becomes an admin
// member; the previous owner keeps their membership.
func (s *Service) AcceptTransfer(ctx context.Context, actor *store.User, token string) (ProjectResult, error) {
	if err := requireActor(actor); err != nil {
		return ProjectResult{}, err
	}
	var res ProjectResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := s.checkTransfer(ctx, q, actor, token)
		if err != nil {
			return err
		}
		if project.IsBlocked {
			return apperr.Blocked("project is blocked")
		}
		version, err := s.guard.Bump(ctx, q, store.KindProject, project.ID)
		if err != nil {
			return err
		}
		if err := q.SetMembershipAdmin(ctx, project.ID, actor.ID, true); err != nil {
			return fmt.Errorf("promote new owner: %w", err)
		}
		p := *project
		p.Version = version
		p.OwnerID = actor.ID
		res, err = s.saveProject(ctx, q, actor, p)
		return err
	})
	if err != nil {
		return ProjectResult{}, err
	}
	s.deliver(ctx, &fanout{project: res.Project, snapshot: res.Snapshot, actor: actor})
	return res, nil
}

// RejectTransfer validates the token and discards it.
func (s *Service) RejectTransfer(ctx context.Context, actor *store.User, token string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	_, err := s.checkTransfer(ctx, s.store, actor, token)
	if err != nil {
		return err
	}
	s.log.Info().Str("user_id", actor.ID).Msg("project transfer rejected")
	return nil
}

type RoleInput struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (s *Service) CreateRole(ctx context.Context, actor *store.User, projectID string, in RoleInput) (store.Role, error) {
	if err := requireActor(actor); err != nil {
		return store.Role{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || slugify(name) == "" {
		return store.Role{}, apperr.BadRequest("name is required")
	}
	perms, err := rbac.ParseSet(in.Permissions)
	if err != nil {
		return store.Role{}, apperr.BadRequest(err.Error())
	}
	if !perms.SubsetOf(rbac.MemberSet) {
		return store.Role{}, apperr.BadRequest("roles cannot grant project administration")
	}
	role := store.Role{
		ID:          util.NewID("role"),
		ProjectID:   projectID,
		Name:        name,
		Slug:        slugify(name),
		Permissions: perms.Names(),
	}
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, projectID)
		if err != nil {
			return err
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, rbac.AdminRoles, project); err != nil {
			return err
		}
		if err := q.CreateRole(ctx, role); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("a role with this name already exists")
			}
			return fmt.Errorf("create role: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Role{}, err
	}
	return role, nil
}

type MembershipInput struct {
	Email   string `json:"email"`
	RoleID  string `json:"role_id"`
	IsAdmin bool   `json:"is_admin"`
}

// CreateMembership invites email into the project. A registered user is
// bound right away; otherwise the membership stays a pending invitation.
func (s *Service) CreateMembership(ctx context.Context, actor *store.User, projectID string, in MembershipInput) (store.Membership, error) {
	if err := requireActor(actor); err != nil {
		return store.Membership{}, err
	}
	mail := strings.ToLower(strings.TrimSpace(in.Email))
	if mail == "" || !strings.Contains(mail, "@") {
		return store.Membership{}, apperr.BadRequest("a valid email is required")
	}
	var out store.Membership
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		project, err := loadProject(ctx, q, projectID)
		if err != nil {
			return err
		}
		if err := s.resolver.WithSource(q).Authorize(ctx, actor, rbac.AddMember, project); err != nil {
			return err
		}
		role, err := q.GetRole(ctx, in.RoleID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && role.ProjectID != projectID) {
			return apperr.BadRequest("role does not belong to this project")
		}
		if err != nil {
			return fmt.Errorf("load role: %w", err)
		}
		m := store.Membership{
			ID:        util.NewID("mbr"),
			ProjectID: projectID,
			Email:     mail,
			RoleID:    role.ID,
			IsAdmin:   in.IsAdmin,
			InvitedBy: actor.ID,
			CreatedAt: s.now().UTC(),
		}
		user, err := q.GetUserByEmail(ctx, mail)
		switch {
		case err == nil:
			m.UserID = user.ID
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load invited user: %w", err)
		}
		if err := q.CreateMembership(ctx, m); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("this user is already a member")
			}
			return fmt.Errorf("create membership: %w", err)
		}
		m.Role = &role
		out = m
		return nil
	})
	if err != nil {
		return store.Membership{}, err
	}
	return out, nil
}

// SetNotifyPolicy stores the actor's notification level for a project they
// can see.
func (s *Service) SetNotifyPolicy(ctx context.Context, actor *store.User, projectID string, level store.NotifyLevel) (store.NotifyPolicy, error) {
	if err := requireActor(actor); err != nil {
		return store.NotifyPolicy{}, err
	}
	if !level.Valid() {
		return store.NotifyPolicy{}, apperr.BadRequest("level must be one of all, involved, none")
	}
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return store.NotifyPolicy{}, err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewProject, project); err != nil {
		return store.NotifyPolicy{}, err
	}
	policy := store.NotifyPolicy{ProjectID: projectID, UserID: actor.ID, Level: level, ModifiedAt: s.now().UTC()}
	if err := s.store.UpsertNotifyPolicy(ctx, policy); err != nil {
		return store.NotifyPolicy{}, fmt.Errorf("save notify policy: %w", err)
	}
	return policy, nil
}

// ProjectCapabilities is the capability view of one project for the actor.
type ProjectCapabilities struct {
	ProjectID   string   `json:"project_id"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
	IsOwner     bool     `json:"is_owner"`
}

func (s *Service) Capabilities(ctx context.Context, actor *store.User, projectID string) (ProjectCapabilities, error) {
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return ProjectCapabilities{}, err
	}
	caps, err := s.resolver.Capabilities(ctx, actor, project)
	if err != nil {
		return ProjectCapabilities{}, err
	}
	if caps.Empty() {
		return ProjectCapabilities{}, apperr.NotFound("project not found")
	}
	isAdmin, err := s.resolver.IsAdmin(ctx, actor, project)
	if err != nil {
		return ProjectCapabilities{}, err
	}
	return ProjectCapabilities{
		ProjectID:   project.ID,
		Permissions: caps.Names(),
		IsAdmin:     isAdmin,
		IsOwner:     actor != nil && actor.ID == project.OwnerID,
	}, nil
}
