package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
)

func seed(t *testing.T) (*store.MemoryStore, store.Entity) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, u := range []store.User{
		{ID: "usr_alice", Username: "alice", FullName: "Alice A", IsActive: true},
		{ID: "usr_bob", Username: "bob", IsActive: true},
		{ID: "usr_carol", Username: "carol", IsActive: true},
	} {
		require.NoError(t, s.CreateUser(ctx, u))
	}
	e := store.Entity{
		Kind:      store.KindUserStory,
		ID:        "us_1",
		ProjectID: "prj_1",
		Ref:       1,
		Version:   1,
		OwnerID:   "usr_alice",
		Watchers:  []string{"usr_alice"},
		Orders:    map[string]int64{"backlog_order": 1},
		Body:      &store.UserStoryBody{Subject: "First"},
	}
	return s, e
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestRecordCreateThenChange(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	r := NewRecorder()
	alice := &store.User{ID: "usr_alice", Username: "alice", FullName: "Alice A"}

	first, err := r.Record(ctx, s, &e, Change{Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotCreate, first.Type)
	assert.Empty(t, first.Diff)
	assert.Equal(t, "Alice A", first.UserName)
	assert.Equal(t, []any{}, first.Frozen["tags"])

	e.Version = 2
	e.Body.(*store.UserStoryBody).Subject = "Renamed"
	e.AddWatcher("usr_carol")
	second, err := r.Record(ctx, s, &e, Change{Actor: alice, Comment: "ping @carol"})
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotChange, second.Type)
	assert.Equal(t, store.FieldChange{"First", "Renamed"}, second.Diff["subject"])
	assert.Equal(t, store.FieldChange{[]any{"usr_alice"}, []any{"usr_alice", "usr_carol"}}, second.Diff["watchers"])
	assert.Equal(t, map[string]any{"added": []string{"usr_carol"}, "removed": []string{}}, second.Values["watchers"])
	assert.Equal(t, map[string]any{"usr_alice": "Alice A", "usr_carol": "carol"}, second.Values["users"])
	assert.False(t, second.IsHidden)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestRecordRejectsNonIncreasingVersion(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	r := NewRecorder()

	_, err := r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	_, err = r.Record(ctx, s, &e, Change{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not advance")
}

func TestRecordTimestampsStayMonotonic(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder().WithClock(fixedClock(ts))

	first, err := r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	e.Version = 2
	second, err := r.Record(ctx, s, &e, Change{Comment: "same instant"})
	require.NoError(t, err)

	assert.True(t, ts.Equal(first.CreatedAt))
	assert.True(t, ts.Add(time.Microsecond).Equal(second.CreatedAt))
}

func TestOrderOnlyChangeIsHidden(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	r := NewRecorder()

	_, err := r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	e.Version = 2
	e.Orders["backlog_order"] = 5
	snap, err := r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	assert.True(t, snap.IsHidden)

	e.Version = 3
	e.Orders["backlog_order"] = 6
	commented, err := r.Record(ctx, s, &e, Change{Comment: "moved up"})
	require.NoError(t, err)
	assert.False(t, commented.IsHidden)
}

func TestDiffCustomAttributesPerKey(t *testing.T) {
	prev := map[string]any{"custom_attributes": map[string]any{"size": "S", "team": "core"}}
	next := map[string]any{"custom_attributes": map[string]any{"size": "L", "team": "core", "risk": "high"}}

	diff, _ := Diff(prev, next)
	assert.Equal(t, store.Diff{
		"custom_attributes.size": {"S", "L"},
		"custom_attributes.risk": {nil, "high"},
	}, diff)
}

func TestDiffLongTextCarriesPatch(t *testing.T) {
	before := strings.Repeat("a", LongTextThreshold+10)
	after := before + " and more"

	diff, values := Diff(map[string]any{"description": before}, map[string]any{"description": after})
	assert.Equal(t, store.FieldChange{before, after}, diff["description"])
	patch, ok := values["description_diff"].(string)
	require.True(t, ok)
	assert.Contains(t, patch, "and more")

	_, short := Diff(map[string]any{"description": "x"}, map[string]any{"description": "y"})
	assert.NotContains(t, short, "description_diff")
}

func TestTimelineOnlyRelevant(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	r := NewRecorder()

	_, err := r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	e.Version = 2
	e.Orders["backlog_order"] = 9
	_, err = r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	e.Version = 3
	_, err = r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	e.Version = 4
	e.Body.(*store.UserStoryBody).Status = "done"
	_, err = r.Record(ctx, s, &e, Change{})
	require.NoError(t, err)

	all, err := Timeline(ctx, s, store.KindUserStory, "us_1", false)
	require.NoError(t, err)
	require.Len(t, all, 4)

	relevant, err := Timeline(ctx, s, store.KindUserStory, "us_1", true)
	require.NoError(t, err)
	require.Len(t, relevant, 2)
	assert.Equal(t, int64(1), relevant[0].Version)
	assert.Equal(t, int64(4), relevant[1].Version)
}

func TestTimelineHidesContainerDeletes(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	r := NewRecorder()
	p := &store.Project{ID: "prj_1", Name: "Kernel", OwnerID: "usr_alice", Version: 1}

	_, err := r.RecordProject(ctx, s, p, Change{})
	require.NoError(t, err)
	p.Version = 2
	_, err = r.RecordProject(ctx, s, p, Change{Delete: true})
	require.NoError(t, err)

	relevant, err := Timeline(ctx, s, store.KindProject, "prj_1", true)
	require.NoError(t, err)
	require.Len(t, relevant, 1)
	assert.Equal(t, store.SnapshotCreate, relevant[0].Type)
}

func TestCommentModeration(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()
	r := NewRecorder()
	alice := &store.User{ID: "usr_alice", Username: "alice"}
	bob := &store.User{ID: "usr_bob", Username: "bob"}

	_, err := r.Record(ctx, s, &e, Change{Actor: alice})
	require.NoError(t, err)
	e.Version = 2
	snap, err := r.Record(ctx, s, &e, Change{Actor: alice, Comment: "looks good"})
	require.NoError(t, err)

	_, err = r.DeleteComment(ctx, s, *snap, bob, false)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	deleted, err := r.DeleteComment(ctx, s, *snap, bob, true)
	require.NoError(t, err)
	assert.Equal(t, "usr_bob", deleted.DeleteCommentBy)

	timeline, err := Timeline(ctx, s, store.KindUserStory, "us_1", true)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Empty(t, timeline[1].Comment)
	assert.True(t, timeline[1].CommentDeleted())

	stored, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	restored, err := r.UndeleteComment(ctx, s, stored, alice, false)
	require.NoError(t, err)
	assert.False(t, restored.CommentDeleted())

	_, err = r.EditComment(ctx, s, restored, bob, "hijack")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	edited, err := r.EditComment(ctx, s, restored, alice, "looks great")
	require.NoError(t, err)
	assert.Equal(t, "looks great", edited.Comment)
	require.Len(t, edited.CommentVersions, 1)
	assert.Equal(t, "looks good", edited.CommentVersions[0].Comment)
	require.NotNil(t, edited.EditCommentAt)

	stored, err = s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "looks great", stored.Comment)
}

func TestIsFirstChange(t *testing.T) {
	s, e := seed(t)
	ctx := context.Background()

	first, err := IsFirstChange(ctx, s, store.KindUserStory, "us_1")
	require.NoError(t, err)
	assert.True(t, first)

	_, err = NewRecorder().Record(ctx, s, &e, Change{})
	require.NoError(t, err)
	first, err = IsFirstChange(ctx, s, store.KindUserStory, "us_1")
	require.NoError(t, err)
	assert.False(t, first)
}
