package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemory(t *testing.T) (*MemoryStore, Entity) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateUser(ctx, User{ID: "usr_alice", Username: "alice", Email: "alice@example.com", IsActive: true}))
	require.NoError(t, s.CreateProject(ctx, Project{ID: "prj_1", Name: "Kernel", Slug: "kernel", OwnerID: "usr_alice", IsPrivate: true}))

	entity := Entity{
		Kind:      KindUserStory,
		ID:        "us_1",
		ProjectID: "prj_1",
		Ref:       1,
		OwnerID:   "usr_alice",
		Orders:    map[string]int64{"backlog_order": 1},
		Body:      &UserStoryBody{Subject: "First"},
	}
	require.NoError(t, s.InsertEntity(ctx, entity))
	return s, entity
}

func TestMemoryBumpEntityVersionCompareAndSwap(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()

	version, err := s.BumpEntityVersion(ctx, KindUserStory, "us_1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	current, err := s.BumpEntityVersion(ctx, KindUserStory, "us_1", 1)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, int64(2), current)

	_, err = s.BumpEntityVersion(ctx, KindUserStory, "us_missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	version, err = s.BumpEntityVersion(ctx, KindUserStory, "us_1", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	projectVersion, err := s.BumpEntityVersion(ctx, KindProject, "prj_1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), projectVersion)
}

func TestMemoryWithTxRollsBackOnError(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q Queries) error {
		if _, err := q.BumpEntityVersion(ctx, KindUserStory, "us_1", 1); err != nil {
			return err
		}
		snap := &Snapshot{ID: "snp_1", Kind: KindUserStory, EntityID: "us_1", ProjectID: "prj_1", Type: SnapshotChange, Version: 2, CreatedAt: time.Now()}
		if err := q.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entity, err := s.GetEntity(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entity.Version)

	last, err := s.LastSnapshot(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMemoryWithTxAbortsWhenContextEndsMidway(t *testing.T) {
	s, _ := seedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.WithTx(ctx, func(q Queries) error {
		if _, err := q.BumpEntityVersion(ctx, KindUserStory, "us_1", 1); err != nil {
			return err
		}
		if err := q.CreateUser(ctx, User{ID: "usr_bob", Username: "bob", Email: "bob@example.com", IsActive: true}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	entity, err := s.GetEntity(bg, KindUserStory, "us_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entity.Version)
	_, err = s.GetUser(bg, "usr_bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEntityReadsAreIsolatedCopies(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()

	entity, err := s.GetEntity(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	entity.Orders["backlog_order"] = 99
	entity.Body.(*UserStoryBody).Subject = "mutated"

	again, err := s.GetEntity(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Orders["backlog_order"])
	assert.Equal(t, "First", again.Body.Title())
}

func TestMemoryListSiblingsByScope(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()
	for i, milestone := range []string{"ms_1", "ms_1", "ms_2"} {
		require.NoError(t, s.InsertEntity(ctx, Entity{
			Kind:      KindUserStory,
			ID:        []string{"us_a", "us_b", "us_c"}[i],
			ProjectID: "prj_1",
			Ref:       int64(10 + i),
			Orders:    map[string]int64{"sprint_order": int64(3 - i)},
			Body:      &UserStoryBody{Subject: "scoped", MilestoneID: milestone},
		}))
	}

	items, err := s.ListSiblings(ctx, Collection{ProjectID: "prj_1", Kind: KindUserStory, Field: "sprint_order", ScopeKey: "milestone_id", Scope: "ms_1"})
	require.NoError(t, err)
	assert.Equal(t, []OrderItem{{ID: "us_b", Order: 2}, {ID: "us_a", Order: 3}}, items)

	require.NoError(t, s.SetOrder(ctx, Collection{Kind: KindUserStory, Field: "sprint_order"}, "us_a", 1))
	items, err = s.ListSiblings(ctx, Collection{ProjectID: "prj_1", Kind: KindUserStory, Field: "sprint_order", ScopeKey: "milestone_id", Scope: "ms_1"})
	require.NoError(t, err)
	assert.Equal(t, "us_a", items[0].ID)
}

func TestMemoryRelatedStoriesCollection(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()
	require.NoError(t, s.LinkRelatedStory(ctx, "ep_1", "us_1", 2))
	require.NoError(t, s.LinkRelatedStory(ctx, "ep_1", "us_2", 1))

	c := Collection{Field: RelatedStoriesField, Scope: "ep_1"}
	items, err := s.ListSiblings(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []OrderItem{{ID: "us_2", Order: 1}, {ID: "us_1", Order: 2}}, items)

	require.NoError(t, s.DeleteEntity(ctx, KindUserStory, "us_1"))
	items, err = s.ListSiblings(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []OrderItem{{ID: "us_2", Order: 1}}, items)
}

func TestMemorySnapshotsRoundTripThroughJSON(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := &Snapshot{ID: "snp_1", Kind: KindUserStory, EntityID: "us_1", Type: SnapshotCreate, Version: 1, CreatedAt: base,
		Frozen: map[string]any{"ref": int64(1)}}
	second := &Snapshot{ID: "snp_2", Kind: KindUserStory, EntityID: "us_1", Type: SnapshotChange, Version: 2, CreatedAt: base,
		Diff: Diff{"subject": {"First", "Second"}}}
	require.NoError(t, s.InsertSnapshot(ctx, first))
	require.NoError(t, s.InsertSnapshot(ctx, second))
	assert.Less(t, first.Seq, second.Seq)

	last, err := s.LastSnapshot(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "snp_2", last.ID)
	assert.Equal(t, FieldChange{"First", "Second"}, last.Diff["subject"])

	all, err := s.ListSnapshots(ctx, KindUserStory, "us_1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, float64(1), all[0].Frozen["ref"])
}

func TestMemoryMembershipUniqueness(t *testing.T) {
	s, _ := seedMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRole(ctx, Role{ID: "rol_1", ProjectID: "prj_1", Name: "Dev", Slug: "dev", Permissions: []string{"view_us"}}))
	assert.ErrorIs(t, s.CreateRole(ctx, Role{ID: "rol_2", ProjectID: "prj_1", Name: "Dev", Slug: "dev"}), ErrDuplicate)

	require.NoError(t, s.CreateMembership(ctx, Membership{ID: "mem_1", ProjectID: "prj_1", UserID: "usr_alice", RoleID: "rol_1"}))
	assert.ErrorIs(t, s.CreateMembership(ctx, Membership{ID: "mem_2", ProjectID: "prj_1", UserID: "usr_alice", RoleID: "rol_1"}), ErrDuplicate)

	require.NoError(t, s.CreateMembership(ctx, Membership{ID: "mem_3", ProjectID: "prj_1", Email: "Bob@example.com", RoleID: "rol_1"}))
	assert.ErrorIs(t, s.CreateMembership(ctx, Membership{ID: "mem_4", ProjectID: "prj_1", Email: "bob@example.com", RoleID: "rol_1"}), ErrDuplicate)

	m, err := s.GetMembership(ctx, "prj_1", "usr_alice")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, m.Role)
	assert.Equal(t, []string{"view_us"}, m.Role.Permissions)

	none, err := s.GetMembership(ctx, "prj_1", "usr_nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryRejectsAnonPermissionsOnPrivateProject(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateProject(context.Background(), Project{ID: "prj_x", Slug: "x", IsPrivate: true, AnonPermissions: []string{"view_project"}})
	require.Error(t, err)
}
