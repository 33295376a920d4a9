package ordering

import "taigalike/api/internal/store"

// Field describes an order column and the body field that scopes it.
type Field struct {
	Name     string
	Kind     store.EntityKind
	ScopeKey string
}

var fields = []Field{
	{Name: "backlog_order", Kind: store.KindUserStory},
	{Name: "sprint_order", Kind: store.KindUserStory, ScopeKey: "milestone_id"},
	{Name: "kanban_order", Kind: store.KindUserStory, ScopeKey: "status"},
	{Name: "us_order", Kind: store.KindTask, ScopeKey: "user_story_id"},
	{Name: "taskboard_order", Kind: store.KindTask, ScopeKey: "milestone_id"},
	{Name: "epics_order", Kind: store.KindEpic},
	{Name: store.RelatedStoriesField, Kind: store.KindUserStory, ScopeKey: "epic_id"},
}

// Lookup finds the order field of kind named name.
func Lookup(kind store.EntityKind, name string) (Field, bool) {
	for _, f := range fields {
		if f.Kind == kind && f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldsFor lists the order fields of kind.
func FieldsFor(kind store.EntityKind) []Field {
	var out []Field
	for _, f := range fields {
		if f.Kind == kind && f.Name != store.RelatedStoriesField {
			out = append(out, f)
		}
	}
	return out
}

// Collection narrows the field to one project and scope value. Related
// stories are scoped by their epic.
func (f Field) Collection(projectID, scope string) store.Collection {
	return store.Collection{ProjectID: projectID, Kind: f.Kind, Field: f.Name, ScopeKey: f.ScopeKey, Scope: scope}
}

// Versioned reports whether moving an item bumps the item's version.
// Related story links have no version of their own.
func (f Field) Versioned() bool {
	return f.Name != store.RelatedStoriesField
}

// LockKey serializes reorders of the same collection.
func LockKey(c store.Collection) string {
	return "order:" + c.ProjectID + ":" + c.Field + ":" + c.Scope
}
