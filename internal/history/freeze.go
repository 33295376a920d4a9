// Package history records per-entity snapshots and computes their diffs.
package history

import (
	"encoding/json"
	"slices"
	"sort"

	"taigalike/api/internal/store"
)

// labelsKey holds the user id -> display name map frozen with each image.
// It is context for readers and never diffed.
const labelsKey = "users"

// Freeze projects an entity into the flat map stored in snapshots.
func Freeze(e *store.Entity, users map[string]store.User) map[string]any {
	fields, err := store.BodyFields(e.Body)
	if err != nil {
		fields = map[string]any{}
	}
	if tags, ok := fields["tags"]; ok && tags == nil {
		fields["tags"] = []string{}
	}

	watchers := slices.Clone(e.Watchers)
	if watchers == nil {
		watchers = []string{}
	}
	sort.Strings(watchers)

	fields["ref"] = e.Ref
	fields["owner"] = e.OwnerID
	fields["assigned_to"] = nullable(e.AssignedTo)
	fields["watchers"] = watchers
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	fields["custom_attributes"] = attrs
	for field, order := range e.Orders {
		fields[field] = order
	}
	fields[labelsKey] = labelsFor(users, append([]string{e.OwnerID, e.AssignedTo}, watchers...))
	return normalize(fields)
}

// FreezeProject projects a project for its own timeline.
func FreezeProject(p *store.Project, users map[string]store.User) map[string]any {
	anon := slices.Clone(p.AnonPermissions)
	public := slices.Clone(p.PublicPermissions)
	sort.Strings(anon)
	sort.Strings(public)
	if anon == nil {
		anon = []string{}
	}
	if public == nil {
		public = []string{}
	}
	return normalize(map[string]any{
		"name":               p.Name,
		"slug":               p.Slug,
		"description":        p.Description,
		"owner":              p.OwnerID,
		"is_private":         p.IsPrivate,
		"is_blocked":         p.IsBlocked,
		"anon_permissions":   anon,
		"public_permissions": public,
		labelsKey:            labelsFor(users, []string{p.OwnerID}),
	})
}

func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func labelsFor(users map[string]store.User, ids []string) map[string]string {
	out := map[string]string{}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if u, ok := users[id]; ok {
			out[id] = u.DisplayName()
		}
	}
	return out
}

// normalize passes v through JSON so fresh images compare equal to images
// read back from storage.
func normalize(v map[string]any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func userIDs(e *store.Entity) []string {
	ids := append([]string{e.OwnerID, e.AssignedTo}, e.Watchers...)
	out := []string{}
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
