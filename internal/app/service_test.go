package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/config"
	"taigalike/api/internal/notify"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/queue"
	"taigalike/api/internal/store"
	"taigalike/api/internal/webhook"
)

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	queue   *queue.MemoryQueue
	project store.Project
	users   map[string]*store.User
}

func testConfig() config.Config {
	return config.Config{
		SecretKey:             "test-secret",
		AccessTTL:             time.Hour,
		TransferTTL:           time.Hour,
		CORSOrigin:            "*",
		DefaultNotifyLevel:    "involved",
		NotifyWorkers:         1,
		NotifyMaxAttempts:     2,
		WebhookAttemptTimeout: time.Second,
		WebhookWorkers:        1,
		WebhookResponseLimit:  256,
	}
}

// newFixture builds a private project owned by olga. mike holds a viewer
// role that may comment on stories; otto is a registered outsider and root
// a superuser.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	svc, err := New(testConfig(), Deps{Store: s, Queue: q, Logger: zerolog.Nop()})
	require.NoError(t, err)

	f := &fixture{svc: svc, store: s, queue: q, users: map[string]*store.User{}}
	for _, u := range []store.User{
		{ID: "usr_olga", Username: "olga", Email: "olga@example.com", IsActive: true},
		{ID: "usr_mike", Username: "mike", Email: "mike@example.com", IsActive: true},
		{ID: "usr_otto", Username: "otto", Email: "otto@example.com", IsActive: true},
		{ID: "usr_root", Username: "root", Email: "root@example.com", IsActive: true, IsSuperuser: true},
	} {
		require.NoError(t, s.CreateUser(ctx, u))
		user := u
		f.users[u.Username] = &user
	}

	res, err := svc.CreateProject(ctx, f.users["olga"], ProjectInput{Name: "Kernel", IsPrivate: true})
	require.NoError(t, err)
	f.project = res.Project

	role, err := svc.CreateRole(ctx, f.users["olga"], f.project.ID, RoleInput{
		Name:        "Viewer",
		Permissions: []string{"view_project", "view_us", "comment_us", "view_epics"},
	})
	require.NoError(t, err)
	_, err = svc.CreateMembership(ctx, f.users["olga"], f.project.ID, MembershipInput{Email: "mike@example.com", RoleID: role.ID})
	require.NoError(t, err)
	return f
}

func (f *fixture) story(t *testing.T, body string) store.Entity {
	t.Helper()
	res, err := f.svc.CreateEntity(context.Background(), f.users["olga"], f.project.ID, store.KindUserStory, []byte(body))
	require.NoError(t, err)
	return res.Entity
}

func (f *fixture) patch(actor *store.User, id, body string) (WriteResult, error) {
	return f.svc.UpdateEntity(context.Background(), actor, store.KindUserStory, id, ModePatch, []byte(body))
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func TestCreateProjectMakesOwnerAdminMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), f.project.Version)
	assert.Empty(t, f.project.AnonPermissions)
	m, err := f.store.GetMembership(ctx, f.project.ID, "usr_olga")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsAdmin)

	caps, err := f.svc.Capabilities(ctx, f.users["olga"], f.project.ID)
	require.NoError(t, err)
	assert.True(t, caps.IsOwner)
	assert.True(t, caps.IsAdmin)
	assert.Contains(t, caps.Permissions, "admin_roles")

	_, err = f.svc.CreateProject(ctx, f.users["otto"], ProjectInput{Name: "kernel"})
	assertKind(t, err, apperr.KindConflict)
}

func TestSecondWriterWithSameVersionIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)
	require.Equal(t, int64(1), s.Version)

	first, err := f.patch(f.users["olga"], s.ID, `{"version":1,"subject":"Login page"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Entity.Version)
	assert.Equal(t, int64(2), first.Snapshot.Version)

	_, err = f.patch(f.users["olga"], s.ID, `{"version":1,"description":"lost"}`)
	assertKind(t, err, apperr.KindStaleVersion)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, map[string]any{"currentVersion": int64(2)}, appErr.Details)

	got, err := f.svc.GetEntity(ctx, f.users["olga"], store.KindUserStory, s.ID)
	require.NoError(t, err)
	body := got.Body.(*store.UserStoryBody)
	assert.Equal(t, "Login page", body.Subject)
	assert.Empty(t, body.Description)

	snaps, err := f.svc.Timeline(ctx, f.users["olga"], store.KindUserStory, s.ID, false)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestWriteWithoutVersionIsRejected(t *testing.T) {
	f := newFixture(t)
	s := f.story(t, `{"subject":"Login"}`)

	_, err := f.patch(f.users["olga"], s.ID, `{"subject":"x"}`)
	assertKind(t, err, apperr.KindBadRequest)

	_, err = f.patch(f.users["olga"], s.ID, `{"version":1,"unknown_field":true}`)
	assertKind(t, err, apperr.KindBadRequest)
}

func TestPutReplacesBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login","description":"old","assigned_to":"usr_mike"}`)
	assert.Equal(t, "usr_mike", s.AssignedTo)

	_, err := f.svc.UpdateEntity(ctx, f.users["olga"], store.KindUserStory, s.ID, ModeReplace, []byte(`{"version":1}`))
	assertKind(t, err, apperr.KindBadRequest)

	res, err := f.svc.UpdateEntity(ctx, f.users["olga"], store.KindUserStory, s.ID, ModeReplace, []byte(`{"version":1,"subject":"Sign in"}`))
	require.NoError(t, err)
	body := res.Entity.Body.(*store.UserStoryBody)
	assert.Equal(t, "Sign in", body.Subject)
	assert.Empty(t, body.Description)
	assert.Empty(t, res.Entity.AssignedTo)
}

func TestAssigneeMustSeeTheEntity(t *testing.T) {
	f := newFixture(t)
	s := f.story(t, `{"subject":"Login"}`)

	_, err := f.patch(f.users["olga"], s.ID, `{"version":1,"assigned_to":"usr_otto"}`)
	assertKind(t, err, apperr.KindBadRequest)

	res, err := f.patch(f.users["olga"], s.ID, `{"version":1,"assigned_to":"usr_mike"}`)
	require.NoError(t, err)
	assert.Equal(t, "usr_mike", res.Entity.AssignedTo)
}

func TestPermissionDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)

	_, err := f.svc.GetProject(ctx, nil, f.project.ID)
	assertKind(t, err, apperr.KindNotFound)
	_, err = f.svc.GetEntity(ctx, f.users["otto"], store.KindUserStory, s.ID)
	assertKind(t, err, apperr.KindNotFound)

	_, err = f.svc.GetEntity(ctx, f.users["mike"], store.KindUserStory, s.ID)
	require.NoError(t, err)
	_, err = f.patch(f.users["mike"], s.ID, `{"version":1,"subject":"mine"}`)
	assertKind(t, err, apperr.KindForbidden)

	commented, err := f.patch(f.users["mike"], s.ID, `{"version":1,"comment":"looks good"}`)
	require.NoError(t, err)
	assert.Equal(t, "looks good", commented.Snapshot.Comment)
	assert.True(t, commented.Entity.HasWatcher("usr_mike"))

	v := int64(1)
	_, err = f.svc.UpdateProject(ctx, f.users["olga"], f.project.ID, ProjectPatch{Version: &v, IsPrivate: new(bool)})
	require.NoError(t, err)

	_, err = f.svc.GetEntity(ctx, nil, store.KindUserStory, s.ID)
	require.NoError(t, err)
	_, err = f.patch(nil, s.ID, `{"version":2,"subject":"anon"}`)
	assertKind(t, err, apperr.KindUnauthenticated)
	_, err = f.patch(f.users["otto"], s.ID, `{"version":2,"subject":"outsider"}`)
	assertKind(t, err, apperr.KindForbidden)
}

func TestFlippingVisibilityResetsVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := int64(1)

	res, err := f.svc.UpdateProject(ctx, f.users["olga"], f.project.ID, ProjectPatch{Version: &v, IsPrivate: new(bool)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Project.Version)
	assert.Contains(t, res.Project.AnonPermissions, "view_us")
	assert.Contains(t, res.Project.PublicPermissions, "view_project")

	_, err = f.svc.UpdateProjectPermissions(ctx, f.users["olga"], f.project.ID, &v, nil, nil)
	assertKind(t, err, apperr.KindStaleVersion)

	v = 2
	_, err = f.svc.UpdateProjectPermissions(ctx, f.users["olga"], f.project.ID, &v, []string{"modify_us"}, nil)
	assertKind(t, err, apperr.KindBadRequest)

	_, err = f.svc.UpdateProjectPermissions(ctx, f.users["mike"], f.project.ID, &v, nil, nil)
	assertKind(t, err, apperr.KindForbidden)
}

func TestMentionsJoinWatchersAndNotify(t *testing.T) {
	f := newFixture(t)
	s := f.story(t, `{"subject":"Login"}`)
	before := f.queue.Len(notify.Topic)

	res, err := f.patch(f.users["olga"], s.ID, `{"version":1,"description":"cc @mike and @otto"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_mike"}, res.Entity.Watchers)
	assert.False(t, res.Entity.HasWatcher("usr_olga"))
	assert.Equal(t, before+1, f.queue.Len(notify.Topic))
}

func TestBulkOrderShiftsSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.story(t, `{"subject":"A"}`)
	b := f.story(t, `{"subject":"B"}`)
	c := f.story(t, `{"subject":"C"}`)
	assert.Equal(t, int64(1), a.Orders["backlog_order"])
	assert.Equal(t, int64(3), c.Orders["backlog_order"])

	out, err := f.svc.BulkOrder(ctx, f.users["olga"], f.project.ID, store.KindUserStory, "backlog_order", "", []ordering.Op{{ID: c.ID, Order: 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{a.ID: 2, b.ID: 3}, out.Shifted)

	for id, want := range map[string]int64{a.ID: 2, b.ID: 3, c.ID: 1} {
		e, err := f.svc.GetEntity(ctx, f.users["olga"], store.KindUserStory, id)
		require.NoError(t, err)
		assert.Equal(t, want, e.Orders["backlog_order"])
		assert.Equal(t, int64(2), e.Version)
	}

	relevant, err := f.svc.Timeline(ctx, f.users["olga"], store.KindUserStory, a.ID, true)
	require.NoError(t, err)
	assert.Len(t, relevant, 1)

	_, err = f.svc.BulkOrder(ctx, f.users["mike"], f.project.ID, store.KindUserStory, "backlog_order", "", []ordering.Op{{ID: a.ID, Order: 1}})
	assertKind(t, err, apperr.KindForbidden)
	_, err = f.svc.BulkOrder(ctx, f.users["olga"], f.project.ID, store.KindUserStory, "nope", "", []ordering.Op{{ID: a.ID, Order: 1}})
	assertKind(t, err, apperr.KindBadRequest)
}

func TestCreateAtOrderShiftsSiblings(t *testing.T) {
	f := newFixture(t)
	a := f.story(t, `{"subject":"A"}`)
	b := f.story(t, `{"subject":"B"}`)

	res, err := f.svc.CreateEntity(context.Background(), f.users["olga"], f.project.ID, store.KindUserStory, []byte(`{"subject":"D","backlog_order":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Entity.Orders["backlog_order"])
	assert.Equal(t, int64(1), res.Entity.Version)
	assert.Equal(t, map[string]int64{a.ID: 2, b.ID: 3}, res.Shifted)
}

func TestRelateStory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	epic, err := f.svc.CreateEntity(ctx, f.users["olga"], f.project.ID, store.KindEpic, []byte(`{"subject":"Auth"}`))
	require.NoError(t, err)
	a := f.story(t, `{"subject":"A"}`)
	b := f.story(t, `{"subject":"B"}`)

	order, err := f.svc.RelateStory(ctx, f.users["olga"], epic.Entity.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), order)
	order, err = f.svc.RelateStory(ctx, f.users["olga"], epic.Entity.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), order)

	_, err = f.svc.RelateStory(ctx, f.users["olga"], epic.Entity.ID, a.ID)
	assertKind(t, err, apperr.KindConflict)

	out, err := f.svc.BulkOrder(ctx, f.users["olga"], f.project.ID, store.KindUserStory, store.RelatedStoriesField, epic.Entity.ID, []ordering.Op{{ID: b.ID, Order: 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{a.ID: 2}, out.Shifted)
	for _, m := range out.Moved {
		assert.Zero(t, m.Version)
	}
}

func TestBlockedProjectRefusesWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)

	_, err := f.svc.SetProjectBlocked(ctx, f.users["olga"], f.project.ID, true)
	assertKind(t, err, apperr.KindForbidden)
	res, err := f.svc.SetProjectBlocked(ctx, f.users["root"], f.project.ID, true)
	require.NoError(t, err)
	assert.True(t, res.Project.IsBlocked)

	_, err = f.patch(f.users["olga"], s.ID, `{"version":1,"subject":"x"}`)
	assertKind(t, err, apperr.KindBlocked)
	_, err = f.svc.CreateEntity(ctx, f.users["olga"], f.project.ID, store.KindUserStory, []byte(`{"subject":"y"}`))
	assertKind(t, err, apperr.KindBlocked)
	_, err = f.svc.Watch(ctx, f.users["mike"], store.KindUserStory, s.ID, true)
	assertKind(t, err, apperr.KindBlocked)

	_, err = f.svc.GetEntity(ctx, f.users["olga"], store.KindUserStory, s.ID)
	require.NoError(t, err)
	caps, err := f.svc.Capabilities(ctx, f.users["olga"], f.project.ID)
	require.NoError(t, err)
	assert.Contains(t, caps.Permissions, "view_us")
	assert.NotContains(t, caps.Permissions, "modify_us")
}

func TestDeleteKeepsTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)

	err := f.svc.DeleteEntity(ctx, f.users["mike"], store.KindUserStory, s.ID)
	assertKind(t, err, apperr.KindForbidden)
	require.NoError(t, f.svc.DeleteEntity(ctx, f.users["olga"], store.KindUserStory, s.ID))

	_, err = f.svc.GetEntity(ctx, f.users["olga"], store.KindUserStory, s.ID)
	assertKind(t, err, apperr.KindNotFound)

	snaps, err := f.svc.Timeline(ctx, f.users["olga"], store.KindUserStory, s.ID, false)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, store.SnapshotDelete, snaps[1].Type)
	assert.Equal(t, int64(2), snaps[1].Version)

	_, err = f.svc.Timeline(ctx, f.users["otto"], store.KindUserStory, s.ID, false)
	assertKind(t, err, apperr.KindNotFound)
}

func TestWatchAndUnwatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)

	_, err := f.svc.Watch(ctx, f.users["otto"], store.KindUserStory, s.ID, true)
	assertKind(t, err, apperr.KindNotFound)

	res, err := f.svc.Watch(ctx, f.users["mike"], store.KindUserStory, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_mike"}, res.Entity.Watchers)
	assert.Equal(t, int64(2), res.Entity.Version)

	res, err = f.svc.Watch(ctx, f.users["mike"], store.KindUserStory, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entity.Version)
	assert.Nil(t, res.Snapshot)

	res, err = f.svc.Watch(ctx, f.users["mike"], store.KindUserStory, s.ID, false)
	require.NoError(t, err)
	assert.Empty(t, res.Entity.Watchers)
	assert.Equal(t, int64(3), res.Entity.Version)
}

func TestCommentModeration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.story(t, `{"subject":"Login"}`)
	v := int64(1)

	res, err := f.svc.Comment(ctx, f.users["mike"], store.KindUserStory, s.ID, &v, "first")
	require.NoError(t, err)
	snapID := res.Snapshot.ID

	_, err = f.svc.Comment(ctx, f.users["mike"], store.KindUserStory, s.ID, &v, "  ")
	assertKind(t, err, apperr.KindBadRequest)

	deleted, err := f.svc.DeleteComment(ctx, f.users["olga"], snapID)
	require.NoError(t, err)
	assert.True(t, deleted.CommentDeleted())
	assert.Equal(t, "usr_olga", deleted.DeleteCommentBy)

	snaps, err := f.svc.Timeline(ctx, f.users["mike"], store.KindUserStory, s.ID, true)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Empty(t, snaps[1].Comment)

	_, err = f.svc.EditComment(ctx, f.users["mike"], snapID, "second")
	assertKind(t, err, apperr.KindBadRequest)

	_, err = f.svc.UndeleteComment(ctx, f.users["mike"], snapID)
	require.NoError(t, err)

	_, err = f.svc.EditComment(ctx, f.users["olga"], snapID, "hijack")
	assertKind(t, err, apperr.KindForbidden)
	edited, err := f.svc.EditComment(ctx, f.users["mike"], snapID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", edited.Comment)
	require.Len(t, edited.CommentVersions, 1)
	assert.Equal(t, "first", edited.CommentVersions[0].Comment)

	_, err = f.svc.DeleteComment(ctx, f.users["otto"], snapID)
	assertKind(t, err, apperr.KindNotFound)
}

func TestAdminModeratesWithoutCommentPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := store.User{ID: "usr_ada", Username: "ada", Email: "ada@example.com", IsActive: true}
	require.NoError(t, f.store.CreateUser(ctx, ada))
	role, err := f.svc.CreateRole(ctx, f.users["olga"], f.project.ID, RoleInput{
		Name:        "Auditor",
		Permissions: []string{"view_project", "view_us"},
	})
	require.NoError(t, err)
	_, err = f.svc.CreateMembership(ctx, f.users["olga"], f.project.ID, MembershipInput{Email: ada.Email, RoleID: role.ID, IsAdmin: true})
	require.NoError(t, err)

	s := f.story(t, `{"subject":"Login"}`)
	v := int64(1)
	res, err := f.svc.Comment(ctx, f.users["mike"], store.KindUserStory, s.ID, &v, "spam")
	require.NoError(t, err)

	deleted, err := f.svc.DeleteComment(ctx, &ada, res.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, "usr_ada", deleted.DeleteCommentBy)

	_, err = f.svc.EditComment(ctx, &ada, res.Snapshot.ID, "edited")
	assertKind(t, err, apperr.KindForbidden)

	_, err = f.svc.SetProjectBlocked(ctx, f.users["root"], f.project.ID, true)
	require.NoError(t, err)
	_, err = f.svc.UndeleteComment(ctx, &ada, res.Snapshot.ID)
	assertKind(t, err, apperr.KindBlocked)
}

// cancelAfterWrite ends the caller's context once the transaction body has
// run, as an expiring request deadline would.
type cancelAfterWrite struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s cancelAfterWrite) WithTx(ctx context.Context, fn func(store.Queries) error) error {
	return s.MemoryStore.WithTx(ctx, func(q store.Queries) error {
		if err := fn(q); err != nil {
			return err
		}
		s.cancel()
		return nil
	})
}

func TestExpiredDeadlineAbortsWriteWithoutFanout(t *testing.T) {
	f := newFixture(t)
	s := f.story(t, `{"subject":"Login"}`)
	hooks, mails := f.queue.Len(webhook.Topic), f.queue.Len(notify.Topic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := New(testConfig(), Deps{Store: cancelAfterWrite{MemoryStore: f.store, cancel: cancel}, Queue: f.queue, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = svc.UpdateEntity(ctx, f.users["olga"], store.KindUserStory, s.ID, ModePatch, []byte(`{"version":1,"description":"ping @mike"}`))
	require.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	got, err := f.store.GetEntity(bg, store.KindUserStory, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.HasWatcher("usr_mike"))
	snaps, err := f.svc.Timeline(bg, f.users["olga"], store.KindUserStory, s.ID, false)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, hooks, f.queue.Len(webhook.Topic))
	assert.Equal(t, mails, f.queue.Len(notify.Topic))
}

func TestProjectTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartTransfer(ctx, f.users["mike"], f.project.ID, "usr_olga")
	assertKind(t, err, apperr.KindForbidden)
	_, err = f.svc.StartTransfer(ctx, f.users["olga"], f.project.ID, "usr_otto")
	assertKind(t, err, apperr.KindBadRequest)

	transfer, err := f.svc.StartTransfer(ctx, f.users["olga"], f.project.ID, "usr_mike")
	require.NoError(t, err)

	_, err = f.svc.AcceptTransfer(ctx, f.users["otto"], transfer.Token)
	assertKind(t, err, apperr.KindForbidden)
	assertKind(t, f.svc.RejectTransfer(ctx, f.users["otto"], transfer.Token), apperr.KindForbidden)
	_, err = f.svc.AcceptTransfer(ctx, f.users["mike"], "garbage")
	assertKind(t, err, apperr.KindBadRequest)

	res, err := f.svc.AcceptTransfer(ctx, f.users["mike"], transfer.Token)
	require.NoError(t, err)
	assert.Equal(t, "usr_mike", res.Project.OwnerID)
	assert.Equal(t, int64(2), res.Project.Version)

	caps, err := f.svc.Capabilities(ctx, f.users["mike"], f.project.ID)
	require.NoError(t, err)
	assert.True(t, caps.IsOwner)
	assert.True(t, caps.IsAdmin)

	_, err = f.svc.AcceptTransfer(ctx, f.users["mike"], transfer.Token)
	assertKind(t, err, apperr.KindPreconditionFailed)
}

func TestMembershipUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps, err := f.svc.Capabilities(ctx, f.users["olga"], f.project.ID)
	require.NoError(t, err)
	require.NotEmpty(t, caps.Permissions)

	m, err := f.store.GetMembership(ctx, f.project.ID, "usr_mike")
	require.NoError(t, err)
	require.NotNil(t, m)

	_, err = f.svc.CreateMembership(ctx, f.users["olga"], f.project.ID, MembershipInput{Email: "MIKE@example.com", RoleID: m.RoleID})
	assertKind(t, err, apperr.KindConflict)

	invite, err := f.svc.CreateMembership(ctx, f.users["olga"], f.project.ID, MembershipInput{Email: "new@example.com", RoleID: m.RoleID})
	require.NoError(t, err)
	assert.Empty(t, invite.UserID)
	_, err = f.svc.CreateMembership(ctx, f.users["olga"], f.project.ID, MembershipInput{Email: "new@example.com", RoleID: m.RoleID})
	assertKind(t, err, apperr.KindConflict)

	_, err = f.svc.CreateMembership(ctx, f.users["mike"], f.project.ID, MembershipInput{Email: "x@example.com", RoleID: m.RoleID})
	assertKind(t, err, apperr.KindForbidden)

	_, err = f.svc.CreateRole(ctx, f.users["olga"], f.project.ID, RoleInput{Name: "Viewer"})
	assertKind(t, err, apperr.KindConflict)
	_, err = f.svc.CreateRole(ctx, f.users["olga"], f.project.ID, RoleInput{Name: "Boss", Permissions: []string{"admin_roles"}})
	assertKind(t, err, apperr.KindBadRequest)
}

func TestNotifyPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetNotifyPolicy(ctx, f.users["mike"], f.project.ID, "loud")
	assertKind(t, err, apperr.KindBadRequest)
	_, err = f.svc.SetNotifyPolicy(ctx, f.users["otto"], f.project.ID, store.NotifyAll)
	assertKind(t, err, apperr.KindNotFound)

	_, err = f.svc.SetNotifyPolicy(ctx, f.users["mike"], f.project.ID, store.NotifyNone)
	require.NoError(t, err)
	s := f.story(t, `{"subject":"Login"}`)
	before := f.queue.Len(notify.Topic)

	_, err = f.patch(f.users["olga"], s.ID, `{"version":1,"description":"@mike please"}`)
	require.NoError(t, err)
	assert.Equal(t, before, f.queue.Len(notify.Topic))
}

type stubResolver map[string][]string

func (r stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func TestWebhookRegistrationRefusesPrivateTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.WebhookBlockPrivateIPs = true
	svc, err := New(cfg, Deps{
		Store:    f.store,
		Queue:    f.queue,
		Resolver: stubResolver{"hooks.internal": {"10.0.0.5"}, "hooks.example.com": {"93.184.216.34"}},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	for _, target := range []string{"http://hooks.internal/x", "http://127.0.0.1:8080/x", "http://[::1]/x"} {
		_, err := svc.CreateWebhook(ctx, f.users["olga"], f.project.ID, WebhookInput{Name: "ci", URL: target, Key: "k"})
		assertKind(t, err, apperr.KindBadRequest)
	}

	_, err = svc.CreateWebhook(ctx, f.users["olga"], f.project.ID, WebhookInput{Name: "ci", URL: "https://hooks.example.com/x", Key: "k"})
	require.NoError(t, err)
	_, err = svc.CreateWebhook(ctx, f.users["olga"], f.project.ID, WebhookInput{Name: "later", URL: "https://not-yet.example.com/x", Key: "k"})
	require.NoError(t, err)
}

func TestWebhooksFireAfterCommitOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateWebhook(ctx, f.users["mike"], f.project.ID, WebhookInput{Name: "ci", URL: "https://hooks.example.com/x", Key: "k"})
	assertKind(t, err, apperr.KindForbidden)
	_, err = f.svc.CreateWebhook(ctx, f.users["olga"], f.project.ID, WebhookInput{Name: "ci", URL: "ftp://hooks.example.com/x", Key: "k"})
	assertKind(t, err, apperr.KindBadRequest)
	hook, err := f.svc.CreateWebhook(ctx, f.users["olga"], f.project.ID, WebhookInput{Name: "ci", URL: "https://hooks.example.com/x", Key: "k"})
	require.NoError(t, err)

	s := f.story(t, `{"subject":"Login"}`)
	assert.Equal(t, 1, f.queue.Len(webhook.Topic))

	_, err = f.patch(f.users["olga"], s.ID, `{"version":7,"subject":"stale"}`)
	assertKind(t, err, apperr.KindStaleVersion)
	assert.Equal(t, 1, f.queue.Len(webhook.Topic))

	_, err = f.svc.BulkOrder(ctx, f.users["olga"], f.project.ID, store.KindUserStory, "backlog_order", "", []ordering.Op{{ID: s.ID, Order: 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.Len(webhook.Topic))

	hooks, err := f.svc.ListWebhooks(ctx, f.users["olga"], f.project.ID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, hook.ID, hooks[0].ID)

	_, err = f.svc.WebhookLogs(ctx, f.users["mike"], hook.ID)
	assertKind(t, err, apperr.KindForbidden)
}

func TestEntityKindsCarryTheirOwnCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, kind := range store.EntityKinds {
		body := `{"subject":"x"}`
		switch kind {
		case store.KindWikiPage:
			body = `{"slug":"home","content":"hi"}`
		case store.KindMilestone:
			body = `{"name":"Sprint 1"}`
		}
		t.Run(string(kind), func(t *testing.T) {
			res, err := f.svc.CreateEntity(ctx, f.users["olga"], f.project.ID, kind, []byte(body))
			require.NoError(t, err)
			assert.Equal(t, kind, res.Entity.Kind)
			assert.Equal(t, store.SnapshotCreate, res.Snapshot.Type)

			_, err = f.svc.CreateEntity(ctx, f.users["mike"], f.project.ID, kind, []byte(body))
			assertKind(t, err, apperr.KindForbidden)
		})
	}

	refs := map[int64]bool{}
	for i := 0; i < 3; i++ {
		s := f.story(t, fmt.Sprintf(`{"subject":"s%d"}`, i))
		assert.False(t, refs[s.Ref])
		refs[s.Ref] = true
	}
}
