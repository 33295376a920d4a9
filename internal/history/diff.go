package history

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"taigalike/api/internal/store"
)

// LongTextThreshold is the length above which text changes also carry a
// textual patch in the snapshot values.
const LongTextThreshold = 256

const customAttributesKey = "custom_attributes"

var setFields = map[string]bool{
	"tags":     true,
	"watchers": true,
}

// orderFields only move an entity around a board. Snapshots touching
// nothing else are hidden from the timeline.
var orderFields = map[string]bool{
	"backlog_order":   true,
	"sprint_order":    true,
	"kanban_order":    true,
	"us_order":        true,
	"taskboard_order": true,
	"epics_order":     true,
}

// IsOrderField reports whether field is one of the board order columns.
func IsOrderField(field string) bool {
	return orderFields[field]
}

// Diff compares two frozen images. Values carries the extra display data:
// added and removed members of set fields, text patches for long fields and
// the labels of users referenced by the change.
func Diff(prev, next map[string]any) (store.Diff, map[string]any) {
	diff := store.Diff{}
	values := map[string]any{}

	for _, key := range unionKeys(prev, next) {
		if key == labelsKey {
			continue
		}
		before, after := prev[key], next[key]
		if key == customAttributesKey {
			diffAttributes(diff, asMap(before), asMap(after))
			continue
		}
		if reflect.DeepEqual(before, after) {
			continue
		}
		diff[key] = store.FieldChange{before, after}

		if setFields[key] {
			added, removed := setDelta(asStrings(before), asStrings(after))
			values[key] = map[string]any{"added": added, "removed": removed}
		}
		if patch, ok := textPatch(before, after); ok {
			values[key+"_diff"] = patch
		}
	}

	if labels := referencedLabels(diff, prev, next); len(labels) > 0 {
		values[labelsKey] = labels
	}
	return diff, values
}

// IsHidden reports whether a change only reordered the entity.
func IsHidden(diff store.Diff, comment string) bool {
	if comment != "" || len(diff) == 0 {
		return false
	}
	for key := range diff {
		if !orderFields[key] {
			return false
		}
	}
	return true
}

func unionKeys(a, b map[string]any) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func diffAttributes(diff store.Diff, before, after map[string]any) {
	for _, key := range unionKeys(before, after) {
		b, a := before[key], after[key]
		if reflect.DeepEqual(b, a) {
			continue
		}
		diff[customAttributesKey+"."+key] = store.FieldChange{b, a}
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func setDelta(before, after []string) (added, removed []string) {
	had := map[string]bool{}
	for _, v := range before {
		had[v] = true
	}
	has := map[string]bool{}
	for _, v := range after {
		has[v] = true
	}
	added, removed = []string{}, []string{}
	for _, v := range after {
		if !had[v] {
			added = append(added, v)
		}
	}
	for _, v := range before {
		if !has[v] {
			removed = append(removed, v)
		}
	}
	return added, removed
}

func textPatch(before, after any) (string, bool) {
	b, okB := before.(string)
	a, okA := after.(string)
	if !okB && before != nil || !okA && after != nil {
		return "", false
	}
	if len(b) <= LongTextThreshold && len(a) <= LongTextThreshold {
		return "", false
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(b, dmp.DiffMain(b, a, false))
	return dmp.PatchToText(patches), true
}

func referencedLabels(diff store.Diff, prev, next map[string]any) map[string]any {
	labels := map[string]any{}
	sources := []map[string]any{asMap(prev[labelsKey]), asMap(next[labelsKey])}
	collect := func(v any) {
		ids := asStrings(v)
		if id, ok := v.(string); ok {
			ids = []string{id}
		}
		for _, id := range ids {
			for _, src := range sources {
				if name, ok := src[id]; ok {
					labels[id] = name
				}
			}
		}
	}
	for key, change := range diff {
		if key == "owner" || key == "assigned_to" || key == "watchers" || strings.HasSuffix(key, "_by") {
			collect(change[0])
			collect(change[1])
		}
	}
	return labels
}
