package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type EntityKind string

const (
	KindEpic      EntityKind = "epic"
	KindUserStory EntityKind = "userstory"
	KindTask      EntityKind = "task"
	KindIssue     EntityKind = "issue"
	KindWikiPage  EntityKind = "wikipage"
	KindMilestone EntityKind = "milestone"
	KindProject   EntityKind = "project"
)

// EntityKinds lists the kinds stored in the entities table.
var EntityKinds = []EntityKind{KindEpic, KindUserStory, KindTask, KindIssue, KindWikiPage, KindMilestone}

func ParseKind(raw string) (EntityKind, bool) {
	kind := EntityKind(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(EntityKinds, kind) {
		return kind, true
	}
	return "", false
}

// Body is the kind-specific part of a tracked entity.
type Body interface {
	Kind() EntityKind
	Validate() error
	// Texts returns the free-text fields scanned for mentions.
	Texts() map[string]string
	// Title is used in notifications and webhook payloads.
	Title() string
}

type EpicBody struct {
	Subject           string   `json:"subject"`
	Description       string   `json:"description"`
	Status            string   `json:"status"`
	Tags              []string `json:"tags"`
	Color             string   `json:"color"`
	ClientRequirement bool     `json:"client_requirement"`
	TeamRequirement   bool     `json:"team_requirement"`
	IsBlocked         bool     `json:"is_blocked"`
	BlockedNote       string   `json:"blocked_note"`
}

func (b *EpicBody) Kind() EntityKind { return KindEpic }
func (b *EpicBody) Validate() error  { return requireText("subject", b.Subject) }
func (b *EpicBody) Title() string    { return b.Subject }
func (b *EpicBody) Texts() map[string]string {
	return map[string]string{"subject": b.Subject, "description": b.Description, "blocked_note": b.BlockedNote}
}

type UserStoryBody struct {
	Subject           string   `json:"subject"`
	Description       string   `json:"description"`
	Status            string   `json:"status"`
	Tags              []string `json:"tags"`
	MilestoneID       string   `json:"milestone_id"`
	IsClosed          bool     `json:"is_closed"`
	ClientRequirement bool     `json:"client_requirement"`
	TeamRequirement   bool     `json:"team_requirement"`
	IsBlocked         bool     `json:"is_blocked"`
	BlockedNote       string   `json:"blocked_note"`
	DueDate           string   `json:"due_date"`
}

func (b *UserStoryBody) Kind() EntityKind { return KindUserStory }
func (b *UserStoryBody) Validate() error  { return requireText("subject", b.Subject) }
func (b *UserStoryBody) Title() string    { return b.Subject }
func (b *UserStoryBody) Texts() map[string]string {
	return map[string]string{"subject": b.Subject, "description": b.Description, "blocked_note": b.BlockedNote}
}

type TaskBody struct {
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags"`
	UserStoryID string   `json:"user_story_id"`
	MilestoneID string   `json:"milestone_id"`
	IsIocaine   bool     `json:"is_iocaine"`
	IsBlocked   bool     `json:"is_blocked"`
	BlockedNote string   `json:"blocked_note"`
	DueDate     string   `json:"due_date"`
}

func (b *TaskBody) Kind() EntityKind { return KindTask }
func (b *TaskBody) Validate() error  { return requireText("subject", b.Subject) }
func (b *TaskBody) Title() string    { return b.Subject }
func (b *TaskBody) Texts() map[string]string {
	return map[string]string{"subject": b.Subject, "description": b.Description, "blocked_note": b.BlockedNote}
}

type IssueBody struct {
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Priority    string   `json:"priority"`
	MilestoneID string   `json:"milestone_id"`
	IsBlocked   bool     `json:"is_blocked"`
	BlockedNote string   `json:"blocked_note"`
	DueDate     string   `json:"due_date"`
}

func (b *IssueBody) Kind() EntityKind { return KindIssue }
func (b *IssueBody) Validate() error  { return requireText("subject", b.Subject) }
func (b *IssueBody) Title() string    { return b.Subject }
func (b *IssueBody) Texts() map[string]string {
	return map[string]string{"subject": b.Subject, "description": b.Description, "blocked_note": b.BlockedNote}
}

type WikiPageBody struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

func (b *WikiPageBody) Kind() EntityKind { return KindWikiPage }
func (b *WikiPageBody) Validate() error  { return requireText("slug", b.Slug) }
func (b *WikiPageBody) Title() string    { return b.Slug }
func (b *WikiPageBody) Texts() map[string]string {
	return map[string]string{"content": b.Content}
}

type MilestoneBody struct {
	Name            string  `json:"name"`
	Slug            string  `json:"slug"`
	EstimatedStart  string  `json:"estimated_start"`
	EstimatedFinish string  `json:"estimated_finish"`
	Closed          bool    `json:"closed"`
	Disponibility   float64 `json:"disponibility"`
}

func (b *MilestoneBody) Kind() EntityKind { return KindMilestone }
func (b *MilestoneBody) Validate() error  { return requireText("name", b.Name) }
func (b *MilestoneBody) Title() string    { return b.Name }
func (b *MilestoneBody) Texts() map[string]string {
	return map[string]string{}
}

var ErrInvalidBody = errors.New("invalid entity body")

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidBody, field)
	}
	return nil
}

func NewBody(kind EntityKind) (Body, error) {
	switch kind {
	case KindEpic:
		return &EpicBody{}, nil
	case KindUserStory:
		return &UserStoryBody{}, nil
	case KindTask:
		return &TaskBody{}, nil
	case KindIssue:
		return &IssueBody{}, nil
	case KindWikiPage:
		return &WikiPageBody{}, nil
	case KindMilestone:
		return &MilestoneBody{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// DecodeBody strictly decodes raw into the body type of kind. Unknown
// fields are rejected.
func DecodeBody(kind EntityKind, raw []byte) (Body, error) {
	body, err := NewBody(kind)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return body, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return body, nil
}

// BodyFields flattens a body into a generic field map.
func BodyFields(body Body) (map[string]any, error) {
	if body == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode body fields: %w", err)
	}
	return out, nil
}

type Entity struct {
	Kind       EntityKind
	ID         string
	ProjectID  string
	Ref        int64
	Version    int64
	OwnerID    string
	AssignedTo string
	Watchers   []string
	Orders     map[string]int64
	Attributes map[string]any
	Body       Body
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (e *Entity) HasWatcher(userID string) bool {
	return slices.Contains(e.Watchers, userID)
}

// AddWatcher reports whether the watcher set changed.
func (e *Entity) AddWatcher(userID string) bool {
	if userID == "" || e.HasWatcher(userID) {
		return false
	}
	e.Watchers = append(e.Watchers, userID)
	slices.Sort(e.Watchers)
	return true
}

func (e *Entity) RemoveWatcher(userID string) bool {
	idx := slices.Index(e.Watchers, userID)
	if idx < 0 {
		return false
	}
	e.Watchers = slices.Delete(e.Watchers, idx, idx+1)
	return true
}

// Participants are the owner and the current assignee.
func (e *Entity) Participants() []string {
	out := []string{}
	if e.OwnerID != "" {
		out = append(out, e.OwnerID)
	}
	if e.AssignedTo != "" && e.AssignedTo != e.OwnerID {
		out = append(out, e.AssignedTo)
	}
	return out
}

func (e *Entity) Title() string {
	if e.Body == nil {
		return ""
	}
	return e.Body.Title()
}

// Clone deep-copies the entity so callers can mutate the result freely.
func (e Entity) Clone() Entity {
	out := e
	out.Watchers = slices.Clone(e.Watchers)
	out.Orders = make(map[string]int64, len(e.Orders))
	for k, v := range e.Orders {
		out.Orders[k] = v
	}
	out.Attributes = cloneMap(e.Attributes)
	if e.Body != nil {
		if raw, err := json.Marshal(e.Body); err == nil {
			if body, err := DecodeBody(e.Kind, raw); err == nil {
				out.Body = body
			}
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
