package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	*pgQueries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{db: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	db dbtx
}

func encodeJSON(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return fallback, nil
	}
	return string(raw), nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func decodeStrings(raw []byte) ([]string, error) {
	out := []string{}
	if err := decodeJSON(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

const userColumns = `id, username, email, full_name, password_hash, is_active, is_superuser, notify_changes_by_me, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FullName, &user.PasswordHash,
		&user.IsActive, &user.IsSuperuser, &user.NotifyChangesByMe, &user.CreatedAt)
	return user, err
}

func (q *pgQueries) GetUser(ctx context.Context, id string) (User, error) {
	user, err := scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (q *pgQueries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower($1)`, strings.TrimSpace(email)))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (q *pgQueries) listUsers(ctx context.Context, query string, arg []string) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (q *pgQueries) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	return q.listUsers(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, ids)
}

func (q *pgQueries) GetUsersByUsername(ctx context.Context, usernames []string) ([]User, error) {
	if len(usernames) == 0 {
		return []User{}, nil
	}
	lowered := make([]string, 0, len(usernames))
	for _, name := range usernames {
		lowered = append(lowered, strings.ToLower(name))
	}
	return q.listUsers(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = ANY($1) ORDER BY id`, lowered)
}

func (q *pgQueries) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Username, user.Email, user.FullName, user.PasswordHash,
		user.IsActive, user.IsSuperuser, user.NotifyChangesByMe, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const projectColumns = `id, name, slug, description, owner_id, is_private, is_blocked,
	array_to_json(anon_permissions), array_to_json(public_permissions), version, created_at, modified_at`

func scanProject(row rowScanner) (Project, error) {
	var (
		project   Project
		anon, pub []byte
		decodeErr error
	)
	if err := row.Scan(&project.ID, &project.Name, &project.Slug, &project.Description, &project.OwnerID,
		&project.IsPrivate, &project.IsBlocked, &anon, &pub, &project.Version, &project.CreatedAt, &project.ModifiedAt); err != nil {
		return Project{}, err
	}
	if project.AnonPermissions, decodeErr = decodeStrings(anon); decodeErr != nil {
		return Project{}, fmt.Errorf("decode anon permissions: %w", decodeErr)
	}
	if project.PublicPermissions, decodeErr = decodeStrings(pub); decodeErr != nil {
		return Project{}, fmt.Errorf("decode public permissions: %w", decodeErr)
	}
	return project, nil
}

func (q *pgQueries) GetProject(ctx context.Context, id string) (Project, error) {
	project, err := scanProject(q.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		return Project{}, notFound(err)
	}
	return project, nil
}

func (q *pgQueries) CreateProject(ctx context.Context, project Project) error {
	if project.Version < 1 {
		project.Version = 1
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.ModifiedAt.IsZero() {
		project.ModifiedAt = project.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, slug, description, owner_id, is_private, is_blocked,
			anon_permissions, public_permissions, version, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, project.ID, project.Name, project.Slug, project.Description, project.OwnerID, project.IsPrivate, project.IsBlocked,
		nonNilStrings(project.AnonPermissions), nonNilStrings(project.PublicPermissions), project.Version,
		project.CreatedAt, project.ModifiedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (q *pgQueries) UpdateProject(ctx context.Context, project Project) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, slug=$3, description=$4, owner_id=$5, is_private=$6, is_blocked=$7,
			anon_permissions=$8, public_permissions=$9, modified_at=NOW()
		WHERE id=$1
	`, project.ID, project.Name, project.Slug, project.Description, project.OwnerID, project.IsPrivate, project.IsBlocked,
		nonNilStrings(project.AnonPermissions), nonNilStrings(project.PublicPermissions))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) CreateRole(ctx context.Context, role Role) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO roles (id, project_id, name, slug, permissions, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, role.ID, role.ProjectID, role.Name, role.Slug, nonNilStrings(role.Permissions), role.SortOrder)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func scanRole(row rowScanner) (Role, error) {
	var (
		role  Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.ProjectID, &role.Name, &role.Slug, &perms, &role.SortOrder); err != nil {
		return Role{}, err
	}
	decoded, err := decodeStrings(perms)
	if err != nil {
		return Role{}, fmt.Errorf("decode role permissions: %w", err)
	}
	role.Permissions = decoded
	return role, nil
}

func (q *pgQueries) GetRole(ctx context.Context, id string) (Role, error) {
	role, err := scanRole(q.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, slug, array_to_json(permissions), sort_order FROM roles WHERE id=$1
	`, id))
	if err != nil {
		return Role{}, notFound(err)
	}
	return role, nil
}

func (q *pgQueries) CreateMembership(ctx context.Context, membership Membership) error {
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO memberships (id, project_id, user_id, email, role_id, is_admin, invited_by, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, membership.ID, membership.ProjectID, membership.UserID, membership.Email, membership.RoleID,
		membership.IsAdmin, membership.InvitedBy, membership.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (q *pgQueries) GetMembership(ctx context.Context, projectID, userID string) (*Membership, error) {
	var (
		m     Membership
		role  Role
		perms []byte
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT m.id, m.project_id, m.user_id, m.email, m.role_id, m.is_admin, m.invited_by, m.created_at,
			r.id, r.project_id, r.name, r.slug, array_to_json(r.permissions), r.sort_order
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		WHERE m.project_id=$1 AND m.user_id=$2
	`, projectID, userID).Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Email, &m.RoleID, &m.IsAdmin, &m.InvitedBy, &m.CreatedAt,
		&role.ID, &role.ProjectID, &role.Name, &role.Slug, &perms, &role.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	if role.Permissions, err = decodeStrings(perms); err != nil {
		return nil, fmt.Errorf("decode role permissions: %w", err)
	}
	m.Role = &role
	return &m, nil
}

func (q *pgQueries) SetMembershipAdmin(ctx context.Context, projectID, userID string, isAdmin bool) error {
	result, err := q.db.ExecContext(ctx, `UPDATE memberships SET is_admin=$3 WHERE project_id=$1 AND user_id=$2`, projectID, userID, isAdmin)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return requireAffected(result)
}

func (q *pgQueries) GetNotifyPolicy(ctx context.Context, projectID, userID string) (*NotifyPolicy, error) {
	var policy NotifyPolicy
	err := q.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, level, modified_at FROM notify_policies WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&policy.ProjectID, &policy.UserID, &policy.Level, &policy.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notify policy: %w", err)
	}
	return &policy, nil
}

func (q *pgQueries) UpsertNotifyPolicy(ctx context.Context, policy NotifyPolicy) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notify_policies (project_id, user_id, level, modified_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, user_id) DO UPDATE SET level=EXCLUDED.level, modified_at=NOW()
	`, policy.ProjectID, policy.UserID, string(policy.Level))
	if err != nil {
		return fmt.Errorf("upsert notify policy: %w", err)
	}
	return nil
}

const entityColumns = `kind, id, project_id, ref, version, owner_id, COALESCE(assigned_to, ''),
	array_to_json(watchers), orders, attributes, body, created_at, modified_at`

func scanEntity(row rowScanner) (Entity, error) {
	var (
		entity                        Entity
		kind                          string
		watchers, orders, attrs, body []byte
	)
	if err := row.Scan(&kind, &entity.ID, &entity.ProjectID, &entity.Ref, &entity.Version, &entity.OwnerID, &entity.AssignedTo,
		&watchers, &orders, &attrs, &body, &entity.CreatedAt, &entity.ModifiedAt); err != nil {
		return Entity{}, err
	}
	entity.Kind = EntityKind(kind)
	var err error
	if entity.Watchers, err = decodeStrings(watchers); err != nil {
		return Entity{}, fmt.Errorf("decode watchers: %w", err)
	}
	entity.Orders = map[string]int64{}
	if err := decodeJSON(orders, &entity.Orders); err != nil {
		return Entity{}, fmt.Errorf("decode orders: %w", err)
	}
	entity.Attributes = map[string]any{}
	if err := decodeJSON(attrs, &entity.Attributes); err != nil {
		return Entity{}, fmt.Errorf("decode attributes: %w", err)
	}
	if entity.Body, err = NewBody(entity.Kind); err != nil {
		return Entity{}, err
	}
	if err := decodeJSON(body, entity.Body); err != nil {
		return Entity{}, fmt.Errorf("decode body: %w", err)
	}
	return entity, nil
}

func (q *pgQueries) GetEntity(ctx context.Context, kind EntityKind, id string) (Entity, error) {
	entity, err := scanEntity(q.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=$1 AND id=$2`, string(kind), id))
	if err != nil {
		return Entity{}, notFound(err)
	}
	return entity, nil
}

func (q *pgQueries) LockEntity(ctx context.Context, kind EntityKind, id string) (Entity, error) {
	entity, err := scanEntity(q.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=$1 AND id=$2 FOR UPDATE`, string(kind), id))
	if err != nil {
		return Entity{}, notFound(err)
	}
	return entity, nil
}

type entityRow struct {
	orders, attrs, body string
}

func encodeEntity(entity Entity) (entityRow, error) {
	var (
		row entityRow
		err error
	)
	if row.orders, err = encodeJSON(entity.Orders, "{}"); err != nil {
		return row, fmt.Errorf("encode orders: %w", err)
	}
	if row.attrs, err = encodeJSON(entity.Attributes, "{}"); err != nil {
		return row, fmt.Errorf("encode attributes: %w", err)
	}
	if row.body, err = encodeJSON(entity.Body, "{}"); err != nil {
		return row, fmt.Errorf("encode body: %w", err)
	}
	return row, nil
}

func (q *pgQueries) InsertEntity(ctx context.Context, entity Entity) error {
	row, err := encodeEntity(entity)
	if err != nil {
		return err
	}
	if entity.Version < 1 {
		entity.Version = 1
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, project_id, ref, version, owner_id, assigned_to, watchers, orders, attributes, body, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9::jsonb, $10::jsonb, $11::jsonb, $12, $13)
	`, string(entity.Kind), entity.ID, entity.ProjectID, entity.Ref, entity.Version, entity.OwnerID, entity.AssignedTo,
		nonNilStrings(entity.Watchers), row.orders, row.attrs, row.body, entity.CreatedAt, entity.ModifiedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (q *pgQueries) SaveEntity(ctx context.Context, entity Entity) error {
	row, err := encodeEntity(entity)
	if err != nil {
		return err
	}
	result, err := q.db.ExecContext(ctx, `
		UPDATE entities
		SET owner_id=$3, assigned_to=NULLIF($4, ''), watchers=$5,
			orders=$6::jsonb, attributes=$7::jsonb, body=$8::jsonb, modified_at=$9
		WHERE kind=$1 AND id=$2
	`, string(entity.Kind), entity.ID, entity.OwnerID, entity.AssignedTo, nonNilStrings(entity.Watchers), row.orders, row.attrs, row.body, entity.ModifiedAt)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	return requireAffected(result)
}

func (q *pgQueries) DeleteEntity(ctx context.Context, kind EntityKind, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM entities WHERE kind=$1 AND id=$2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM epic_related_user_stories WHERE epic_id=$1 OR user_story_id=$1`, id); err != nil {
		return fmt.Errorf("delete related stories: %w", err)
	}
	return nil
}

func (q *pgQueries) BumpEntityVersion(ctx context.Context, kind EntityKind, id string, expected int64) (int64, error) {
	var (
		update string
		lookup string
		args   = []any{id}
	)
	if kind == KindProject {
		update = `UPDATE projects SET version = version + 1, modified_at = NOW() WHERE id=$1`
		lookup = `SELECT version FROM projects WHERE id=$1`
	} else {
		update = `UPDATE entities SET version = version + 1 WHERE id=$1 AND kind=$2`
		lookup = `SELECT version FROM entities WHERE id=$1 AND kind=$2`
		args = append(args, string(kind))
	}
	if expected >= 0 {
		args = append(args, expected)
		update += fmt.Sprintf(" AND version=$%d", len(args))
	}

	var version int64
	err := q.db.QueryRowContext(ctx, update+` RETURNING version`, args...).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bump version: %w", err)
	}

	lookupArgs := args
	if expected >= 0 {
		lookupArgs = args[:len(args)-1]
	}
	if err := q.db.QueryRowContext(ctx, lookup, lookupArgs...).Scan(&version); err != nil {
		return 0, notFound(err)
	}
	return version, ErrStale
}

func (q *pgQueries) NextRef(ctx context.Context, projectID string) (int64, error) {
	var ref int64
	err := q.db.QueryRowContext(ctx, `UPDATE projects SET ref_seq = ref_seq + 1 WHERE id=$1 RETURNING ref_seq`, projectID).Scan(&ref)
	if err != nil {
		return 0, notFound(err)
	}
	return ref, nil
}

func (q *pgQueries) SetWatchers(ctx context.Context, kind EntityKind, id string, watchers []string) error {
	result, err := q.db.ExecContext(ctx, `UPDATE entities SET watchers=$3 WHERE kind=$1 AND id=$2`, string(kind), id, nonNilStrings(watchers))
	if err != nil {
		return fmt.Errorf("set watchers: %w", err)
	}
	return requireAffected(result)
}

func (q *pgQueries) ListSiblings(ctx context.Context, c Collection) ([]OrderItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case c.Field == RelatedStoriesField:
		rows, err = q.db.QueryContext(ctx, `
			SELECT user_story_id, sort_order FROM epic_related_user_stories
			WHERE epic_id=$1
			ORDER BY sort_order, user_story_id
		`, c.Scope)
	case c.ScopeKey != "":
		rows, err = q.db.QueryContext(ctx, `
			SELECT id, COALESCE((orders->>$3)::bigint, 0) AS ord FROM entities
			WHERE project_id=$1 AND kind=$2 AND COALESCE(body->>$4, '')=$5
			ORDER BY ord, ref
		`, c.ProjectID, string(c.Kind), c.Field, c.ScopeKey, c.Scope)
	default:
		rows, err = q.db.QueryContext(ctx, `
			SELECT id, COALESCE((orders->>$3)::bigint, 0) AS ord FROM entities
			WHERE project_id=$1 AND kind=$2
			ORDER BY ord, ref
		`, c.ProjectID, string(c.Kind), c.Field)
	}
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	defer rows.Close()

	items := []OrderItem{}
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.Order); err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *pgQueries) SetOrder(ctx context.Context, c Collection, id string, order int64) error {
	var (
		result sql.Result
		err    error
	)
	if c.Field == RelatedStoriesField {
		result, err = q.db.ExecContext(ctx, `
			UPDATE epic_related_user_stories SET sort_order=$3 WHERE epic_id=$1 AND user_story_id=$2
		`, c.Scope, id, order)
	} else {
		result, err = q.db.ExecContext(ctx, `
			UPDATE entities SET orders = jsonb_set(orders, ARRAY[$3::text], to_jsonb($4::bigint))
			WHERE kind=$1 AND id=$2
		`, string(c.Kind), id, c.Field, order)
	}
	if err != nil {
		return fmt.Errorf("set order: %w", err)
	}
	return requireAffected(result)
}

func (q *pgQueries) LinkRelatedStory(ctx context.Context, epicID, userStoryID string, order int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO epic_related_user_stories (epic_id, user_story_id, sort_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (epic_id, user_story_id) DO UPDATE SET sort_order=EXCLUDED.sort_order
	`, epicID, userStoryID, order)
	if err != nil {
		return fmt.Errorf("link related story: %w", err)
	}
	return nil
}

const snapshotColumns = `seq, id, kind, entity_id, project_id, type, version, user_id, user_name, created_at,
	frozen, diff, vals, comment, comment_versions, edit_comment_at, is_hidden, delete_comment_by, delete_comment_at`

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap                         Snapshot
		kind, typ                    string
		frozen, diff, vals, versions []byte
		editAt, deleteAt             sql.NullTime
	)
	if err := row.Scan(&snap.Seq, &snap.ID, &kind, &snap.EntityID, &snap.ProjectID, &typ, &snap.Version, &snap.UserID,
		&snap.UserName, &snap.CreatedAt, &frozen, &diff, &vals, &snap.Comment, &versions, &editAt, &snap.IsHidden,
		&snap.DeleteCommentBy, &deleteAt); err != nil {
		return Snapshot{}, err
	}
	snap.Kind = EntityKind(kind)
	snap.Type = SnapshotType(typ)
	snap.Frozen = map[string]any{}
	snap.Diff = Diff{}
	snap.Values = map[string]any{}
	snap.CommentVersions = []CommentVersion{}
	if err := decodeJSON(frozen, &snap.Frozen); err != nil {
		return Snapshot{}, fmt.Errorf("decode frozen: %w", err)
	}
	if err := decodeJSON(diff, &snap.Diff); err != nil {
		return Snapshot{}, fmt.Errorf("decode diff: %w", err)
	}
	if err := decodeJSON(vals, &snap.Values); err != nil {
		return Snapshot{}, fmt.Errorf("decode values: %w", err)
	}
	if err := decodeJSON(versions, &snap.CommentVersions); err != nil {
		return Snapshot{}, fmt.Errorf("decode comment versions: %w", err)
	}
	if editAt.Valid {
		t := editAt.Time
		snap.EditCommentAt = &t
	}
	if deleteAt.Valid {
		t := deleteAt.Time
		snap.DeleteCommentAt = &t
	}
	return snap, nil
}

func (q *pgQueries) LastSnapshot(ctx context.Context, kind EntityKind, entityID string) (*Snapshot, error) {
	snap, err := scanSnapshot(q.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE kind=$1 AND entity_id=$2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(kind), entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last snapshot: %w", err)
	}
	return &snap, nil
}

func (q *pgQueries) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	frozen, err := encodeJSON(snap.Frozen, "{}")
	if err != nil {
		return fmt.Errorf("encode frozen: %w", err)
	}
	diff, err := encodeJSON(snap.Diff, "{}")
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	vals, err := encodeJSON(snap.Values, "{}")
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}
	versions, err := encodeJSON(snap.CommentVersions, "[]")
	if err != nil {
		return fmt.Errorf("encode comment versions: %w", err)
	}
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO snapshots (id, kind, entity_id, project_id, type, version, user_id, user_name, created_at,
			frozen, diff, vals, comment, comment_versions, is_hidden)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14::jsonb, $15)
		RETURNING seq
	`, snap.ID, string(snap.Kind), snap.EntityID, snap.ProjectID, string(snap.Type), snap.Version, snap.UserID, snap.UserName,
		snap.CreatedAt, frozen, diff, vals, snap.Comment, versions, snap.IsHidden).Scan(&snap.Seq)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (q *pgQueries) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	snap, err := scanSnapshot(q.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id=$1`, id))
	if err != nil {
		return Snapshot{}, notFound(err)
	}
	return snap, nil
}

func (q *pgQueries) ListSnapshots(ctx context.Context, kind EntityKind, entityID string) ([]Snapshot, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE kind=$1 AND entity_id=$2
		ORDER BY created_at, seq
	`, string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (q *pgQueries) UpdateSnapshotComment(ctx context.Context, snap Snapshot) error {
	versions, err := encodeJSON(snap.CommentVersions, "[]")
	if err != nil {
		return fmt.Errorf("encode comment versions: %w", err)
	}
	result, err := q.db.ExecContext(ctx, `
		UPDATE snapshots
		SET comment=$2, comment_versions=$3::jsonb, edit_comment_at=$4, delete_comment_by=$5, delete_comment_at=$6
		WHERE id=$1
	`, snap.ID, snap.Comment, versions, snap.EditCommentAt, snap.DeleteCommentBy, snap.DeleteCommentAt)
	if err != nil {
		return fmt.Errorf("update snapshot comment: %w", err)
	}
	return requireAffected(result)
}

const webhookColumns = `id, project_id, name, url, key, is_active, created_at`

func scanWebhook(row rowScanner) (Webhook, error) {
	var hook Webhook
	err := row.Scan(&hook.ID, &hook.ProjectID, &hook.Name, &hook.URL, &hook.Key, &hook.IsActive, &hook.CreatedAt)
	return hook, err
}

func (q *pgQueries) CreateWebhook(ctx context.Context, hook Webhook) error {
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, hook.ID, hook.ProjectID, hook.Name, hook.URL, hook.Key, hook.IsActive, hook.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (q *pgQueries) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	hook, err := scanWebhook(q.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=$1`, id))
	if err != nil {
		return Webhook{}, notFound(err)
	}
	return hook, nil
}

func (q *pgQueries) ListWebhooks(ctx context.Context, projectID string, activeOnly bool) ([]Webhook, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE project_id=$1 AND (is_active OR NOT $2)
		ORDER BY created_at, id
	`, projectID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	hooks := []Webhook{}
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

const webhookLogColumns = `id, webhook_id, delivery_id, attempt, url, status, status_code, request_headers, request_body,
	response_headers, response_body, duration_ms, created_at`

func scanWebhookLog(row rowScanner) (WebhookLog, error) {
	var (
		entry                   WebhookLog
		reqHeaders, respHeaders []byte
		body                    []byte
	)
	if err := row.Scan(&entry.ID, &entry.WebhookID, &entry.DeliveryID, &entry.Attempt, &entry.URL, &entry.Status, &entry.StatusCode,
		&reqHeaders, &body, &respHeaders, &entry.ResponseBody, &entry.DurationMS, &entry.CreatedAt); err != nil {
		return WebhookLog{}, err
	}
	entry.RequestHeaders = map[string]string{}
	entry.ResponseHeaders = map[string]string{}
	if err := decodeJSON(reqHeaders, &entry.RequestHeaders); err != nil {
		return WebhookLog{}, fmt.Errorf("decode request headers: %w", err)
	}
	if err := decodeJSON(respHeaders, &entry.ResponseHeaders); err != nil {
		return WebhookLog{}, fmt.Errorf("decode response headers: %w", err)
	}
	entry.RequestBody = json.RawMessage(body)
	return entry, nil
}

func (q *pgQueries) InsertWebhookLog(ctx context.Context, entry *WebhookLog) error {
	reqHeaders, err := encodeJSON(entry.RequestHeaders, "{}")
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}
	respHeaders, err := encodeJSON(entry.ResponseHeaders, "{}")
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}
	body := "{}"
	if len(entry.RequestBody) > 0 {
		body = string(entry.RequestBody)
	}
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO webhook_logs (webhook_id, delivery_id, attempt, url, status, status_code, request_headers, request_body,
			response_headers, response_body, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::json, $9::jsonb, $10, $11)
		RETURNING id, created_at
	`, entry.WebhookID, entry.DeliveryID, entry.Attempt, entry.URL, entry.Status, entry.StatusCode, reqHeaders, body,
		respHeaders, entry.ResponseBody, entry.DurationMS).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (q *pgQueries) GetWebhookLog(ctx context.Context, id int64) (WebhookLog, error) {
	entry, err := scanWebhookLog(q.db.QueryRowContext(ctx, `SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id=$1`, id))
	if err != nil {
		return WebhookLog{}, notFound(err)
	}
	return entry, nil
}

func (q *pgQueries) ListWebhookLogs(ctx context.Context, webhookID string) ([]WebhookLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+webhookLogColumns+` FROM webhook_logs
		WHERE webhook_id=$1
		ORDER BY created_at DESC, id DESC
	`, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	entries := []WebhookLog{}
	for rows.Next() {
		entry, err := scanWebhookLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (q *pgQueries) CreateApplication(ctx context.Context, app Application) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO applications (id, name, key, next_url) VALUES ($1, $2, $3, $4)`,
		app.ID, app.Name, app.Key, app.NextURL)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (q *pgQueries) GetApplication(ctx context.Context, id string) (Application, error) {
	var app Application
	err := q.db.QueryRowContext(ctx, `SELECT id, name, key, next_url FROM applications WHERE id=$1`, id).
		Scan(&app.ID, &app.Name, &app.Key, &app.NextURL)
	if err != nil {
		return Application{}, notFound(err)
	}
	return app, nil
}

const applicationTokenColumns = `id, user_id, application_id, auth_code, token, state, created_at`

func scanApplicationToken(row rowScanner) (ApplicationToken, error) {
	var (
		token    ApplicationToken
		authCode sql.NullString
	)
	if err := row.Scan(&token.ID, &token.UserID, &token.ApplicationID, &authCode, &token.Token, &token.State, &token.CreatedAt); err != nil {
		return ApplicationToken{}, err
	}
	if authCode.Valid {
		code := authCode.String
		token.AuthCode = &code
	}
	return token, nil
}

func (q *pgQueries) GetApplicationToken(ctx context.Context, userID, applicationID string) (*ApplicationToken, error) {
	token, err := scanApplicationToken(q.db.QueryRowContext(ctx, `
		SELECT `+applicationTokenColumns+` FROM application_tokens WHERE user_id=$1 AND application_id=$2
	`, userID, applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application token: %w", err)
	}
	return &token, nil
}

func (q *pgQueries) LockApplicationTokenByCode(ctx context.Context, applicationID, authCode string) (ApplicationToken, error) {
	token, err := scanApplicationToken(q.db.QueryRowContext(ctx, `
		SELECT `+applicationTokenColumns+` FROM application_tokens
		WHERE application_id=$1 AND auth_code=$2
		FOR UPDATE
	`, applicationID, authCode))
	if err != nil {
		return ApplicationToken{}, notFound(err)
	}
	return token, nil
}

func (q *pgQueries) SaveApplicationToken(ctx context.Context, token ApplicationToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO application_tokens (`+applicationTokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET auth_code=EXCLUDED.auth_code, state=EXCLUDED.state
	`, token.ID, token.UserID, token.ApplicationID, token.AuthCode, token.Token, token.State, token.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("save application token: %w", err)
	}
	return nil
}

func (q *pgQueries) AdvisoryLock(ctx context.Context, key string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}
