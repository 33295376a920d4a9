package webhook

import (
	"strings"
	"time"

	"taigalike/api/internal/store"
)

// Actor is the author block of a payload.
type Actor struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
}

type Change struct {
	Diff    store.Diff `json:"diff"`
	Comment string     `json:"comment"`
}

type Payload struct {
	Action string         `json:"action"`
	Type   string         `json:"type"`
	By     *Actor         `json:"by,omitempty"`
	Date   time.Time      `json:"date"`
	Data   map[string]any `json:"data"`
	Change *Change        `json:"change,omitempty"`
}

// NewActor builds the author block. publicURL prefixes the profile link.
func NewActor(u *store.User, publicURL string) *Actor {
	if u == nil {
		return nil
	}
	return &Actor{
		ID:        u.ID,
		Permalink: strings.TrimRight(publicURL, "/") + "/profile/" + u.Username,
		Username:  u.Username,
		FullName:  u.DisplayName(),
	}
}

// BuildPayload describes a recorded snapshot. Change is only set for change
// snapshots.
func BuildPayload(snap *store.Snapshot, actor *store.User, publicURL string) Payload {
	data := make(map[string]any, len(snap.Frozen)+2)
	for k, v := range snap.Frozen {
		data[k] = v
	}
	data["id"] = snap.EntityID
	if snap.Kind != store.KindProject {
		data["project"] = snap.ProjectID
	}

	p := Payload{
		Action: string(snap.Type),
		Type:   string(snap.Kind),
		By:     NewActor(actor, publicURL),
		Date:   snap.CreatedAt.UTC(),
		Data:   data,
	}
	if snap.Type == store.SnapshotChange {
		diff := snap.Diff
		if diff == nil {
			diff = store.Diff{}
		}
		p.Change = &Change{Diff: diff, Comment: snap.Comment}
	}
	return p
}

// TestPayload is the synthetic event sent by the test endpoint.
func TestPayload(actor *store.User, publicURL string, now time.Time) Payload {
	return Payload{
		Action: "test",
		Type:   "test",
		By:     NewActor(actor, publicURL),
		Date:   now.UTC(),
		Data:   map[string]any{"test": "test"},
	}
}
