package app

import (
	"time"

	"taigalike/api/internal/store"
)

// entityView flattens an entity the way clients send it back: header keys,
// order fields and body fields side by side.
func entityView(e store.Entity) map[string]any {
	out, err := store.BodyFields(e.Body)
	if err != nil {
		out = map[string]any{}
	}
	for field, order := range e.Orders {
		out[field] = order
	}
	out["id"] = e.ID
	out["kind"] = e.Kind
	out["project_id"] = e.ProjectID
	out["ref"] = e.Ref
	out["version"] = e.Version
	out["owner"] = e.OwnerID
	out["assigned_to"] = nullable(e.AssignedTo)
	out["watchers"] = e.Watchers
	out["custom_attributes"] = e.Attributes
	out["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["modified_at"] = e.ModifiedAt.UTC().Format(time.RFC3339Nano)
	return out
}

func projectView(p store.Project) map[string]any {
	return map[string]any{
		"id":                 p.ID,
		"name":               p.Name,
		"slug":               p.Slug,
		"description":        p.Description,
		"owner":              p.OwnerID,
		"is_private":         p.IsPrivate,
		"is_blocked":         p.IsBlocked,
		"anon_permissions":   p.AnonPermissions,
		"public_permissions": p.PublicPermissions,
		"version":            p.Version,
		"created_at":         p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"modified_at":        p.ModifiedAt.UTC().Format(time.RFC3339Nano),
	}
}

func snapshotView(s store.Snapshot) map[string]any {
	out := map[string]any{
		"id":                  s.ID,
		"kind":                s.Kind,
		"entity_id":           s.EntityID,
		"project_id":          s.ProjectID,
		"type":                s.Type,
		"version":             s.Version,
		"user":                map[string]any{"id": nullable(s.UserID), "name": s.UserName},
		"created_at":          s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"diff":                s.Diff,
		"values":              s.Values,
		"comment":             s.Comment,
		"comment_versions":    s.CommentVersions,
		"is_hidden":           s.IsHidden,
		"edit_comment_date":   nil,
		"delete_comment_date": nil,
		"delete_comment_user": nullable(s.DeleteCommentBy),
	}
	if s.EditCommentAt != nil {
		out["edit_comment_date"] = s.EditCommentAt.UTC().Format(time.RFC3339Nano)
	}
	if s.DeleteCommentAt != nil {
		out["delete_comment_date"] = s.DeleteCommentAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func snapshotsView(snaps []store.Snapshot) []map[string]any {
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotView(s))
	}
	return out
}

func webhookView(h store.Webhook) map[string]any {
	return map[string]any{
		"id":         h.ID,
		"project_id": h.ProjectID,
		"name":       h.Name,
		"url":        h.URL,
		"key":        h.Key,
		"is_active":  h.IsActive,
		"created_at": h.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func webhookLogView(l store.WebhookLog) map[string]any {
	return map[string]any{
		"id":               l.ID,
		"webhook_id":       l.WebhookID,
		"delivery_id":      l.DeliveryID,
		"attempt":          l.Attempt,
		"url":              l.URL,
		"status":           l.Status,
		"status_code":      l.StatusCode,
		"request_headers":  l.RequestHeaders,
		"request_data":     l.RequestBody,
		"response_headers": l.ResponseHeaders,
		"response_data":    l.ResponseBody,
		"duration_ms":      l.DurationMS,
		"created":          l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func userView(u store.User) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"username":  u.Username,
		"email":     u.Email,
		"full_name": u.FullName,
	}
}

func membershipView(m store.Membership) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"project_id": m.ProjectID,
		"user_id":    nullable(m.UserID),
		"email":      m.Email,
		"role_id":    m.RoleID,
		"is_admin":   m.IsAdmin,
	}
	if m.Role != nil {
		out["role"] = roleView(*m.Role)
	}
	return out
}

func roleView(r store.Role) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"project_id":  r.ProjectID,
		"name":        r.Name,
		"slug":        r.Slug,
		"permissions": r.Permissions,
	}
}

func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}
