package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Transactions hold one lock for
// their whole duration, so they are trivially serializable; a failing
// transaction restores the state captured when it began.
type MemoryStore struct {
	*memQueries
	mu *sync.Mutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	mu := &sync.Mutex{}
	st := newMemState()
	return &MemoryStore{memQueries: &memQueries{mu: mu, st: st}, mu: mu, st: st}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.st.clone()
	if err := fn(&memQueries{mu: s.mu, st: s.st, inTx: true}); err != nil {
		*s.st = *backup
		return err
	}
	// A deadline that passed while fn ran aborts the commit.
	if err := ctx.Err(); err != nil {
		*s.st = *backup
		return err
	}
	return nil
}

type entityKey struct {
	kind EntityKind
	id   string
}

type memState struct {
	users        map[string]User
	projects     map[string]Project
	refSeq       map[string]int64
	roles        map[string]Role
	memberships  map[string]Membership
	policies     map[[2]string]NotifyPolicy
	entities     map[entityKey]Entity
	related      map[string]map[string]int64
	snapshots    []Snapshot
	snapshotSeq  int64
	webhooks     map[string]Webhook
	webhookLogs  []WebhookLog
	webhookLogID int64
	apps         map[string]Application
	appTokens    map[string]ApplicationToken
}

func newMemState() *memState {
	return &memState{
		users:       map[string]User{},
		projects:    map[string]Project{},
		refSeq:      map[string]int64{},
		roles:       map[string]Role{},
		memberships: map[string]Membership{},
		policies:    map[[2]string]NotifyPolicy{},
		entities:    map[entityKey]Entity{},
		related:     map[string]map[string]int64{},
		webhooks:    map[string]Webhook{},
		apps:        map[string]Application{},
		appTokens:   map[string]ApplicationToken{},
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// clone copies every container. Stored values are never mutated in place,
// so a shallow copy of each map is enough to restore the state.
func (st *memState) clone() *memState {
	related := make(map[string]map[string]int64, len(st.related))
	for epic, stories := range st.related {
		related[epic] = copyMap(stories)
	}
	return &memState{
		users:        copyMap(st.users),
		projects:     copyMap(st.projects),
		refSeq:       copyMap(st.refSeq),
		roles:        copyMap(st.roles),
		memberships:  copyMap(st.memberships),
		policies:     copyMap(st.policies),
		entities:     copyMap(st.entities),
		related:      related,
		snapshots:    slices.Clone(st.snapshots),
		snapshotSeq:  st.snapshotSeq,
		webhooks:     copyMap(st.webhooks),
		webhookLogs:  slices.Clone(st.webhookLogs),
		webhookLogID: st.webhookLogID,
		apps:         copyMap(st.apps),
		appTokens:    copyMap(st.appTokens),
	}
}

type memQueries struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

func (q *memQueries) lock() func() {
	if q.inTx {
		return func() {}
	}
	q.mu.Lock()
	return q.mu.Unlock
}

func (q *memQueries) GetUser(_ context.Context, id string) (User, error) {
	defer q.lock()()
	user, ok := q.st.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (q *memQueries) GetUserByEmail(_ context.Context, email string) (User, error) {
	defer q.lock()()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range q.st.users {
		if strings.ToLower(user.Email) == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (q *memQueries) GetUsers(_ context.Context, ids []string) ([]User, error) {
	defer q.lock()()
	users := []User{}
	for _, id := range ids {
		if user, ok := q.st.users[id]; ok && !slices.ContainsFunc(users, func(u User) bool { return u.ID == id }) {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (q *memQueries) GetUsersByUsername(_ context.Context, usernames []string) ([]User, error) {
	defer q.lock()()
	wanted := map[string]bool{}
	for _, name := range usernames {
		wanted[strings.ToLower(name)] = true
	}
	users := []User{}
	for _, user := range q.st.users {
		if wanted[strings.ToLower(user.Username)] {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (q *memQueries) CreateUser(_ context.Context, user User) error {
	defer q.lock()()
	for _, existing := range q.st.users {
		if existing.ID == user.ID || strings.EqualFold(existing.Username, user.Username) || strings.EqualFold(existing.Email, user.Email) {
			return ErrDuplicate
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	q.st.users[user.ID] = user
	return nil
}

func cloneProject(p Project) Project {
	p.AnonPermissions = slices.Clone(nonNilStrings(p.AnonPermissions))
	p.PublicPermissions = slices.Clone(nonNilStrings(p.PublicPermissions))
	return p
}

func (q *memQueries) GetProject(_ context.Context, id string) (Project, error) {
	defer q.lock()()
	project, ok := q.st.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return cloneProject(project), nil
}

var errPrivateAnon = errors.New("private project cannot carry anonymous permissions")

func (q *memQueries) CreateProject(_ context.Context, project Project) error {
	defer q.lock()()
	for _, existing := range q.st.projects {
		if existing.ID == project.ID || existing.Slug == project.Slug {
			return ErrDuplicate
		}
	}
	if project.IsPrivate && len(project.AnonPermissions) > 0 {
		return errPrivateAnon
	}
	if project.Version < 1 {
		project.Version = 1
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	if project.ModifiedAt.IsZero() {
		project.ModifiedAt = project.CreatedAt
	}
	q.st.projects[project.ID] = cloneProject(project)
	return nil
}

func (q *memQueries) UpdateProject(_ context.Context, project Project) error {
	defer q.lock()()
	current, ok := q.st.projects[project.ID]
	if !ok {
		return ErrNotFound
	}
	if project.IsPrivate && len(project.AnonPermissions) > 0 {
		return errPrivateAnon
	}
	for _, existing := range q.st.projects {
		if existing.ID != project.ID && existing.Slug == project.Slug {
			return ErrDuplicate
		}
	}
	project.Version = current.Version
	project.CreatedAt = current.CreatedAt
	project.ModifiedAt = time.Now().UTC()
	q.st.projects[project.ID] = cloneProject(project)
	return nil
}

func (q *memQueries) CreateRole(_ context.Context, role Role) error {
	defer q.lock()()
	for _, existing := range q.st.roles {
		if existing.ID == role.ID || (existing.ProjectID == role.ProjectID && existing.Slug == role.Slug) {
			return ErrDuplicate
		}
	}
	role.Permissions = slices.Clone(nonNilStrings(role.Permissions))
	q.st.roles[role.ID] = role
	return nil
}

func (q *memQueries) GetRole(_ context.Context, id string) (Role, error) {
	defer q.lock()()
	role, ok := q.st.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.Permissions = slices.Clone(role.Permissions)
	return role, nil
}

func (q *memQueries) CreateMembership(_ context.Context, membership Membership) error {
	defer q.lock()()
	if _, ok := q.st.roles[membership.RoleID]; !ok {
		return fmt.Errorf("insert membership: role %s does not exist", membership.RoleID)
	}
	for _, existing := range q.st.memberships {
		if existing.ProjectID != membership.ProjectID {
			continue
		}
		if existing.ID == membership.ID {
			return ErrDuplicate
		}
		if membership.UserID != "" && existing.UserID == membership.UserID {
			return ErrDuplicate
		}
		if membership.UserID == "" && existing.UserID == "" && strings.EqualFold(existing.Email, membership.Email) {
			return ErrDuplicate
		}
	}
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}
	membership.Role = nil
	q.st.memberships[membership.ID] = membership
	return nil
}

func (q *memQueries) GetMembership(_ context.Context, projectID, userID string) (*Membership, error) {
	defer q.lock()()
	for _, m := range q.st.memberships {
		if m.ProjectID == projectID && m.UserID == userID && userID != "" {
			role := q.st.roles[m.RoleID]
			role.Permissions = slices.Clone(role.Permissions)
			m.Role = &role
			return &m, nil
		}
	}
	return nil, nil
}

func (q *memQueries) SetMembershipAdmin(_ context.Context, projectID, userID string, isAdmin bool) error {
	defer q.lock()()
	for id, m := range q.st.memberships {
		if m.ProjectID == projectID && m.UserID == userID {
			m.IsAdmin = isAdmin
			q.st.memberships[id] = m
			return nil
		}
	}
	return ErrNotFound
}

func (q *memQueries) GetNotifyPolicy(_ context.Context, projectID, userID string) (*NotifyPolicy, error) {
	defer q.lock()()
	policy, ok := q.st.policies[[2]string{projectID, userID}]
	if !ok {
		return nil, nil
	}
	return &policy, nil
}

func (q *memQueries) UpsertNotifyPolicy(_ context.Context, policy NotifyPolicy) error {
	defer q.lock()()
	policy.ModifiedAt = time.Now().UTC()
	q.st.policies[[2]string{policy.ProjectID, policy.UserID}] = policy
	return nil
}

func (q *memQueries) GetEntity(_ context.Context, kind EntityKind, id string) (Entity, error) {
	defer q.lock()()
	entity, ok := q.st.entities[entityKey{kind, id}]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return entity.Clone(), nil
}

func (q *memQueries) LockEntity(ctx context.Context, kind EntityKind, id string) (Entity, error) {
	return q.GetEntity(ctx, kind, id)
}

func (q *memQueries) InsertEntity(_ context.Context, entity Entity) error {
	defer q.lock()()
	key := entityKey{entity.Kind, entity.ID}
	if _, ok := q.st.entities[key]; ok {
		return ErrDuplicate
	}
	if _, ok := q.st.projects[entity.ProjectID]; !ok {
		return fmt.Errorf("insert entity: project %s does not exist", entity.ProjectID)
	}
	if entity.Version < 1 {
		entity.Version = 1
	}
	stored := entity.Clone()
	stored.Watchers = nonNilStrings(stored.Watchers)
	q.st.entities[key] = stored
	return nil
}

func (q *memQueries) SaveEntity(_ context.Context, entity Entity) error {
	defer q.lock()()
	key := entityKey{entity.Kind, entity.ID}
	current, ok := q.st.entities[key]
	if !ok {
		return ErrNotFound
	}
	stored := entity.Clone()
	stored.Version = current.Version
	stored.ProjectID = current.ProjectID
	stored.Ref = current.Ref
	stored.CreatedAt = current.CreatedAt
	stored.Watchers = nonNilStrings(stored.Watchers)
	q.st.entities[key] = stored
	return nil
}

func (q *memQueries) DeleteEntity(_ context.Context, kind EntityKind, id string) error {
	defer q.lock()()
	key := entityKey{kind, id}
	if _, ok := q.st.entities[key]; !ok {
		return ErrNotFound
	}
	delete(q.st.entities, key)
	delete(q.st.related, id)
	for epic, stories := range q.st.related {
		if _, ok := stories[id]; ok {
			stories = copyMap(stories)
			delete(stories, id)
			q.st.related[epic] = stories
		}
	}
	return nil
}

func (q *memQueries) BumpEntityVersion(_ context.Context, kind EntityKind, id string, expected int64) (int64, error) {
	defer q.lock()()
	if kind == KindProject {
		project, ok := q.st.projects[id]
		if !ok {
			return 0, ErrNotFound
		}
		if expected >= 0 && project.Version != expected {
			return project.Version, ErrStale
		}
		project.Version++
		project.ModifiedAt = time.Now().UTC()
		q.st.projects[id] = project
		return project.Version, nil
	}

	key := entityKey{kind, id}
	entity, ok := q.st.entities[key]
	if !ok {
		return 0, ErrNotFound
	}
	if expected >= 0 && entity.Version != expected {
		return entity.Version, ErrStale
	}
	entity.Version++
	q.st.entities[key] = entity
	return entity.Version, nil
}

func (q *memQueries) NextRef(_ context.Context, projectID string) (int64, error) {
	defer q.lock()()
	if _, ok := q.st.projects[projectID]; !ok {
		return 0, ErrNotFound
	}
	q.st.refSeq[projectID]++
	return q.st.refSeq[projectID], nil
}

func (q *memQueries) SetWatchers(_ context.Context, kind EntityKind, id string, watchers []string) error {
	defer q.lock()()
	key := entityKey{kind, id}
	entity, ok := q.st.entities[key]
	if !ok {
		return ErrNotFound
	}
	entity.Watchers = slices.Clone(nonNilStrings(watchers))
	q.st.entities[key] = entity
	return nil
}

func scopeValue(body Body, key string) string {
	fields, err := BodyFields(body)
	if err != nil {
		return ""
	}
	value, _ := fields[key].(string)
	return value
}

func (q *memQueries) ListSiblings(_ context.Context, c Collection) ([]OrderItem, error) {
	defer q.lock()()
	items := []OrderItem{}
	if c.Field == RelatedStoriesField {
		for storyID, order := range q.st.related[c.Scope] {
			items = append(items, OrderItem{ID: storyID, Order: order})
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].Order != items[j].Order {
				return items[i].Order < items[j].Order
			}
			return items[i].ID < items[j].ID
		})
		return items, nil
	}

	refs := map[string]int64{}
	for _, entity := range q.st.entities {
		if entity.ProjectID != c.ProjectID || entity.Kind != c.Kind {
			continue
		}
		if c.ScopeKey != "" && scopeValue(entity.Body, c.ScopeKey) != c.Scope {
			continue
		}
		items = append(items, OrderItem{ID: entity.ID, Order: entity.Orders[c.Field]})
		refs[entity.ID] = entity.Ref
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return refs[items[i].ID] < refs[items[j].ID]
	})
	return items, nil
}

func (q *memQueries) SetOrder(_ context.Context, c Collection, id string, order int64) error {
	defer q.lock()()
	if c.Field == RelatedStoriesField {
		stories, ok := q.st.related[c.Scope]
		if !ok {
			return ErrNotFound
		}
		if _, ok := stories[id]; !ok {
			return ErrNotFound
		}
		stories = copyMap(stories)
		stories[id] = order
		q.st.related[c.Scope] = stories
		return nil
	}
	key := entityKey{c.Kind, id}
	entity, ok := q.st.entities[key]
	if !ok {
		return ErrNotFound
	}
	entity.Orders = copyMap(entity.Orders)
	entity.Orders[c.Field] = order
	q.st.entities[key] = entity
	return nil
}

func (q *memQueries) LinkRelatedStory(_ context.Context, epicID, userStoryID string, order int64) error {
	defer q.lock()()
	stories := copyMap(q.st.related[epicID])
	stories[userStoryID] = order
	q.st.related[epicID] = stories
	return nil
}

// normalizeSnapshot passes the JSON columns through an encode/decode cycle
// so in-memory snapshots look exactly like ones read back from Postgres.
func normalizeSnapshot(snap Snapshot) Snapshot {
	out := snap
	out.Frozen = map[string]any{}
	out.Diff = Diff{}
	out.Values = map[string]any{}
	out.CommentVersions = []CommentVersion{}
	roundTrip(snap.Frozen, &out.Frozen)
	roundTrip(snap.Diff, &out.Diff)
	roundTrip(snap.Values, &out.Values)
	roundTrip(snap.CommentVersions, &out.CommentVersions)
	if snap.EditCommentAt != nil {
		t := *snap.EditCommentAt
		out.EditCommentAt = &t
	}
	if snap.DeleteCommentAt != nil {
		t := *snap.DeleteCommentAt
		out.DeleteCommentAt = &t
	}
	return out
}

func roundTrip(in, out any) {
	raw, err := json.Marshal(in)
	if err != nil || string(raw) == "null" {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func (q *memQueries) LastSnapshot(_ context.Context, kind EntityKind, entityID string) (*Snapshot, error) {
	defer q.lock()()
	var last *Snapshot
	for i := range q.st.snapshots {
		snap := q.st.snapshots[i]
		if snap.Kind != kind || snap.EntityID != entityID {
			continue
		}
		if last == nil || snap.CreatedAt.After(last.CreatedAt) || (snap.CreatedAt.Equal(last.CreatedAt) && snap.Seq > last.Seq) {
			last = &q.st.snapshots[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	out := normalizeSnapshot(*last)
	return &out, nil
}

func (q *memQueries) InsertSnapshot(_ context.Context, snap *Snapshot) error {
	defer q.lock()()
	for _, existing := range q.st.snapshots {
		if existing.ID == snap.ID {
			return ErrDuplicate
		}
	}
	q.st.snapshotSeq++
	snap.Seq = q.st.snapshotSeq
	stored := normalizeSnapshot(*snap)
	stored.CreatedAt = snap.CreatedAt.Truncate(time.Microsecond)
	snap.CreatedAt = stored.CreatedAt
	q.st.snapshots = append(q.st.snapshots, stored)
	return nil
}

func (q *memQueries) GetSnapshot(_ context.Context, id string) (Snapshot, error) {
	defer q.lock()()
	for _, snap := range q.st.snapshots {
		if snap.ID == id {
			return normalizeSnapshot(snap), nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func (q *memQueries) ListSnapshots(_ context.Context, kind EntityKind, entityID string) ([]Snapshot, error) {
	defer q.lock()()
	out := []Snapshot{}
	for _, snap := range q.st.snapshots {
		if snap.Kind == kind && snap.EntityID == entityID {
			out = append(out, normalizeSnapshot(snap))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (q *memQueries) UpdateSnapshotComment(_ context.Context, snap Snapshot) error {
	defer q.lock()()
	for i, existing := range q.st.snapshots {
		if existing.ID != snap.ID {
			continue
		}
		updated := existing
		updated.Comment = snap.Comment
		updated.CommentVersions = snap.CommentVersions
		updated.EditCommentAt = snap.EditCommentAt
		updated.DeleteCommentBy = snap.DeleteCommentBy
		updated.DeleteCommentAt = snap.DeleteCommentAt
		q.st.snapshots[i] = normalizeSnapshot(updated)
		return nil
	}
	return ErrNotFound
}

func (q *memQueries) CreateWebhook(_ context.Context, hook Webhook) error {
	defer q.lock()()
	if _, ok := q.st.webhooks[hook.ID]; ok {
		return ErrDuplicate
	}
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}
	q.st.webhooks[hook.ID] = hook
	return nil
}

func (q *memQueries) GetWebhook(_ context.Context, id string) (Webhook, error) {
	defer q.lock()()
	hook, ok := q.st.webhooks[id]
	if !ok {
		return Webhook{}, ErrNotFound
	}
	return hook, nil
}

func (q *memQueries) ListWebhooks(_ context.Context, projectID string, activeOnly bool) ([]Webhook, error) {
	defer q.lock()()
	hooks := []Webhook{}
	for _, hook := range q.st.webhooks {
		if hook.ProjectID == projectID && (hook.IsActive || !activeOnly) {
			hooks = append(hooks, hook)
		}
	}
	sort.Slice(hooks, func(i, j int) bool {
		if !hooks[i].CreatedAt.Equal(hooks[j].CreatedAt) {
			return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
		}
		return hooks[i].ID < hooks[j].ID
	})
	return hooks, nil
}

func cloneLog(entry WebhookLog) WebhookLog {
	entry.RequestHeaders = copyMap(entry.RequestHeaders)
	entry.ResponseHeaders = copyMap(entry.ResponseHeaders)
	entry.RequestBody = slices.Clone(entry.RequestBody)
	return entry
}

func (q *memQueries) InsertWebhookLog(_ context.Context, entry *WebhookLog) error {
	defer q.lock()()
	if _, ok := q.st.webhooks[entry.WebhookID]; !ok {
		return fmt.Errorf("insert webhook log: webhook %s does not exist", entry.WebhookID)
	}
	q.st.webhookLogID++
	entry.ID = q.st.webhookLogID
	entry.CreatedAt = time.Now().UTC()
	q.st.webhookLogs = append(q.st.webhookLogs, cloneLog(*entry))
	return nil
}

func (q *memQueries) GetWebhookLog(_ context.Context, id int64) (WebhookLog, error) {
	defer q.lock()()
	for _, entry := range q.st.webhookLogs {
		if entry.ID == id {
			return cloneLog(entry), nil
		}
	}
	return WebhookLog{}, ErrNotFound
}

func (q *memQueries) ListWebhookLogs(_ context.Context, webhookID string) ([]WebhookLog, error) {
	defer q.lock()()
	out := []WebhookLog{}
	for i := len(q.st.webhookLogs) - 1; i >= 0; i-- {
		if entry := q.st.webhookLogs[i]; entry.WebhookID == webhookID {
			out = append(out, cloneLog(entry))
		}
	}
	return out, nil
}

func (q *memQueries) CreateApplication(_ context.Context, app Application) error {
	defer q.lock()()
	if _, ok := q.st.apps[app.ID]; ok {
		return ErrDuplicate
	}
	q.st.apps[app.ID] = app
	return nil
}

func (q *memQueries) GetApplication(_ context.Context, id string) (Application, error) {
	defer q.lock()()
	app, ok := q.st.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	return app, nil
}

func cloneToken(token ApplicationToken) ApplicationToken {
	if token.AuthCode != nil {
		code := *token.AuthCode
		token.AuthCode = &code
	}
	return token
}

func (q *memQueries) GetApplicationToken(_ context.Context, userID, applicationID string) (*ApplicationToken, error) {
	defer q.lock()()
	for _, token := range q.st.appTokens {
		if token.UserID == userID && token.ApplicationID == applicationID {
			out := cloneToken(token)
			return &out, nil
		}
	}
	return nil, nil
}

func (q *memQueries) LockApplicationTokenByCode(_ context.Context, applicationID, authCode string) (ApplicationToken, error) {
	defer q.lock()()
	for _, token := range q.st.appTokens {
		if token.ApplicationID == applicationID && token.AuthCode != nil && *token.AuthCode == authCode {
			return cloneToken(token), nil
		}
	}
	return ApplicationToken{}, ErrNotFound
}

func (q *memQueries) SaveApplicationToken(_ context.Context, token ApplicationToken) error {
	defer q.lock()()
	for _, existing := range q.st.appTokens {
		if existing.ID == token.ID {
			continue
		}
		if existing.Token == token.Token || (existing.UserID == token.UserID && existing.ApplicationID == token.ApplicationID) {
			return ErrDuplicate
		}
	}
	if existing, ok := q.st.appTokens[token.ID]; ok {
		existing.AuthCode = token.AuthCode
		existing.State = token.State
		token = existing
	} else if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	q.st.appTokens[token.ID] = cloneToken(token)
	return nil
}

// AdvisoryLock is a no-op: memory transactions already run one at a time.
func (q *memQueries) AdvisoryLock(context.Context, string) error {
	return nil
}
