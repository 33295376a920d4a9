package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/store"
)

// WriteMode selects replace (PUT) or merge (PATCH) semantics for the body.
type WriteMode int

const (
	ModeReplace WriteMode = iota
	ModePatch
)

// Keys clients echo back from reads. They are never writable.
var readOnlyKeys = map[string]bool{
	"id": true, "kind": true, "ref": true, "project": true, "project_id": true,
	"owner": true, "created_at": true, "modified_at": true,
}

// entityInput is a decoded entity write. The shared header keys are pulled
// out; everything else belongs to the kind's body.
type entityInput struct {
	version     *int64
	comment     string
	assignedTo  *string
	watchers    []string
	hasWatchers bool
	attributes  map[string]any
	orders      map[string]int64
	body        map[string]json.RawMessage
}

// commentOnly reports a write that carries nothing but a comment.
func (in entityInput) commentOnly() bool {
	return in.comment != "" && len(in.body) == 0 && in.assignedTo == nil &&
		!in.hasWatchers && in.attributes == nil && len(in.orders) == 0
}

func parseEntityInput(kind store.EntityKind, raw []byte) (entityInput, error) {
	in := entityInput{orders: map[string]int64{}, body: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(raw)) == 0 {
		return in, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return in, apperr.BadRequest("invalid JSON body")
	}

	orderFields := map[string]bool{}
	for _, f := range ordering.FieldsFor(kind) {
		orderFields[f.Name] = true
	}

	for key, value := range fields {
		var err error
		switch {
		case readOnlyKeys[key]:
		case key == "version":
			err = decodeNullable(value, &in.version)
		case key == "comment":
			err = json.Unmarshal(value, &in.comment)
			in.comment = strings.TrimSpace(in.comment)
		case key == "assigned_to":
			var assigned *string
			if err = decodeNullable(value, &assigned); err == nil {
				if assigned == nil {
					assigned = new(string)
				}
				in.assignedTo = assigned
			}
		case key == "watchers":
			in.hasWatchers = true
			err = json.Unmarshal(value, &in.watchers)
		case key == "custom_attributes":
			in.attributes = map[string]any{}
			err = json.Unmarshal(value, &in.attributes)
		case orderFields[key]:
			var order int64
			if err = json.Unmarshal(value, &order); err == nil {
				in.orders[key] = order
			}
		default:
			in.body[key] = value
		}
		if err != nil {
			return in, apperr.BadRequest(fmt.Sprintf("invalid value for %s", key))
		}
	}
	return in, nil
}

func decodeNullable[T any](raw json.RawMessage, dest **T) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*dest = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dest = &v
	return nil
}

// buildBody decodes the body of a write. In patch mode the given keys are
// laid over the current body; otherwise they replace it.
func buildBody(kind store.EntityKind, current store.Body, mode WriteMode, fields map[string]json.RawMessage) (store.Body, error) {
	merged := map[string]json.RawMessage{}
	if mode == ModePatch && current != nil {
		raw, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("encode current body: %w", err)
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, fmt.Errorf("decode current body: %w", err)
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	body, err := store.DecodeBody(kind, raw)
	if err == nil {
		err = body.Validate()
	}
	if errors.Is(err, store.ErrInvalidBody) {
		return nil, apperr.BadRequest(err.Error())
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func uniqueSorted(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

var idPrefixes = map[store.EntityKind]string{
	store.KindEpic:      "epic",
	store.KindUserStory: "us",
	store.KindTask:      "task",
	store.KindIssue:     "issue",
	store.KindWikiPage:  "wiki",
	store.KindMilestone: "ms",
}
