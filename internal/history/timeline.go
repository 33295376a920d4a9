package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
)

type TimelineStore interface {
	ListSnapshots(ctx context.Context, kind store.EntityKind, entityID string) ([]store.Snapshot, error)
}

// containerKinds are deleted together with their content; their own delete
// snapshot says nothing a reader of the timeline needs.
var containerKinds = map[store.EntityKind]bool{
	store.KindProject:   true,
	store.KindMilestone: true,
}

// Timeline lists an entity's snapshots oldest first. Deleted comments come
// back blank with their deletion marker set.
func Timeline(ctx context.Context, q TimelineStore, kind store.EntityKind, id string, onlyRelevant bool) ([]store.Snapshot, error) {
	snaps, err := q.ListSnapshots(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].Seq < snaps[j].Seq
	})

	out := make([]store.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if onlyRelevant && !relevant(s) {
			continue
		}
		out = append(out, redact(s))
	}
	return out, nil
}

func relevant(s store.Snapshot) bool {
	if s.IsHidden {
		return false
	}
	switch s.Type {
	case store.SnapshotChange:
		return len(s.Diff) > 0 || s.Comment != "" || s.CommentDeleted()
	case store.SnapshotDelete:
		return !containerKinds[s.Kind]
	}
	return true
}

func redact(s store.Snapshot) store.Snapshot {
	if s.CommentDeleted() {
		s.Comment = ""
		s.CommentVersions = nil
	}
	return s
}

type CommentStore interface {
	UpdateSnapshotComment(ctx context.Context, snap store.Snapshot) error
}

// DeleteComment tombstones the comment of snap. Only its author or a
// project admin may do so.
func (r *Recorder) DeleteComment(ctx context.Context, q CommentStore, snap store.Snapshot, actor *store.User, isAdmin bool) (store.Snapshot, error) {
	if err := canModerate(snap, actor, isAdmin); err != nil {
		return store.Snapshot{}, err
	}
	if snap.CommentDeleted() {
		return snap, nil
	}
	now := r.now().UTC().Truncate(time.Microsecond)
	snap.DeleteCommentAt = &now
	snap.DeleteCommentBy = actor.ID
	if err := q.UpdateSnapshotComment(ctx, snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("delete comment: %w", err)
	}
	return snap, nil
}

func (r *Recorder) UndeleteComment(ctx context.Context, q CommentStore, snap store.Snapshot, actor *store.User, isAdmin bool) (store.Snapshot, error) {
	if err := canModerate(snap, actor, isAdmin); err != nil {
		return store.Snapshot{}, err
	}
	if !snap.CommentDeleted() {
		return snap, nil
	}
	snap.DeleteCommentAt = nil
	snap.DeleteCommentBy = ""
	if err := q.UpdateSnapshotComment(ctx, snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("undelete comment: %w", err)
	}
	return snap, nil
}

// EditComment replaces the comment text, keeping the previous text in
// CommentVersions. Only the author may edit.
func (r *Recorder) EditComment(ctx context.Context, q CommentStore, snap store.Snapshot, actor *store.User, text string) (store.Snapshot, error) {
	if actor == nil {
		return store.Snapshot{}, apperr.Unauthenticated("authentication required")
	}
	if snap.Comment == "" {
		return store.Snapshot{}, apperr.BadRequest("snapshot has no comment")
	}
	if snap.UserID != actor.ID {
		return store.Snapshot{}, apperr.Forbidden("only the author can edit a comment")
	}
	if snap.CommentDeleted() {
		return store.Snapshot{}, apperr.BadRequest("comment is deleted")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Snapshot{}, apperr.BadRequest("comment is required")
	}
	if text == snap.Comment {
		return snap, nil
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	snap.CommentVersions = append(snap.CommentVersions, store.CommentVersion{
		Comment: snap.Comment,
		UserID:  actor.ID,
		Date:    now,
	})
	snap.Comment = text
	snap.EditCommentAt = &now
	if err := q.UpdateSnapshotComment(ctx, snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("edit comment: %w", err)
	}
	return snap, nil
}

func canModerate(snap store.Snapshot, actor *store.User, isAdmin bool) error {
	if actor == nil {
		return apperr.Unauthenticated("authentication required")
	}
	if snap.Comment == "" {
		return apperr.BadRequest("snapshot has no comment")
	}
	if snap.UserID != actor.ID && !isAdmin {
		return apperr.Forbidden("only the author or a project admin can moderate this comment")
	}
	return nil
}
