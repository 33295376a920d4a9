package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                string
	Username          string
	Email             string
	FullName          string
	PasswordHash      string
	IsActive          bool
	IsSuperuser       bool
	NotifyChangesByMe bool
	CreatedAt         time.Time
}

// DisplayName is the label frozen into snapshots and payloads.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

type Project struct {
	ID                string
	Name              string
	Slug              string
	Description       string
	OwnerID           string
	IsPrivate         bool
	IsBlocked         bool
	AnonPermissions   []string
	PublicPermissions []string
	Version           int64
	CreatedAt         time.Time
	ModifiedAt        time.Time
}

type Role struct {
	ID          string
	ProjectID   string
	Name        string
	Slug        string
	Permissions []string
	SortOrder   int
}

// Membership binds a user (or a pending email invitation when UserID is
// empty) to a project role.
type Membership struct {
	ID        string
	ProjectID string
	UserID    string
	Email     string
	RoleID    string
	IsAdmin   bool
	InvitedBy string
	CreatedAt time.Time
	Role      *Role
}

type NotifyLevel string

const (
	NotifyAll      NotifyLevel = "all"
	NotifyInvolved NotifyLevel = "involved"
	NotifyNone     NotifyLevel = "none"
)

func (l NotifyLevel) Valid() bool {
	switch l {
	case NotifyAll, NotifyInvolved, NotifyNone:
		return true
	}
	return false
}

type NotifyPolicy struct {
	ProjectID  string
	UserID     string
	Level      NotifyLevel
	ModifiedAt time.Time
}

type SnapshotType string

const (
	SnapshotCreate SnapshotType = "create"
	SnapshotChange SnapshotType = "change"
	SnapshotDelete SnapshotType = "delete"
)

// FieldChange is the [old, new] pair recorded for a changed field.
type FieldChange [2]any

type Diff map[string]FieldChange

type CommentVersion struct {
	Comment string    `json:"comment"`
	UserID  string    `json:"user_id"`
	Date    time.Time `json:"date"`
}

type Snapshot struct {
	Seq             int64
	ID              string
	Kind            EntityKind
	EntityID        string
	ProjectID       string
	Type            SnapshotType
	Version         int64
	UserID          string
	UserName        string
	CreatedAt       time.Time
	Frozen          map[string]any
	Diff            Diff
	Values          map[string]any
	Comment         string
	CommentVersions []CommentVersion
	EditCommentAt   *time.Time
	IsHidden        bool
	DeleteCommentBy string
	DeleteCommentAt *time.Time
}

// CommentDeleted reports whether the comment carries a tombstone.
func (s Snapshot) CommentDeleted() bool {
	return s.DeleteCommentAt != nil
}

type Webhook struct {
	ID        string
	ProjectID string
	Name      string
	URL       string
	Key       string
	IsActive  bool
	CreatedAt time.Time
}

const (
	DeliveryDelivered        = "delivered"
	DeliveryHTTPError        = "http_error"
	DeliveryNetworkError     = "network_error"
	DeliveryBlockedPrivateIP = "blocked_private_ip"
)

type WebhookLog struct {
	ID              int64
	WebhookID       string
	DeliveryID      string
	Attempt         int
	URL             string
	Status          string
	StatusCode      int
	RequestHeaders  map[string]string
	RequestBody     json.RawMessage
	ResponseHeaders map[string]string
	ResponseBody    string
	DurationMS      int64
	CreatedAt       time.Time
}

// Success reports a 2xx answer from the receiver.
func (l WebhookLog) Success() bool {
	return l.Status == DeliveryDelivered
}

type Application struct {
	ID      string
	Name    string
	Key     string
	NextURL string
}

type ApplicationToken struct {
	ID            string
	UserID        string
	ApplicationID string
	AuthCode      *string
	Token         string
	State         string
	CreatedAt     time.Time
}

type OrderItem struct {
	ID    string
	Order int64
}

// Collection identifies one ordered sibling set: a kind's order field,
// optionally narrowed by a scope value (milestone, status, parent story).
type Collection struct {
	ProjectID string
	Kind      EntityKind
	Field     string
	ScopeKey  string
	Scope     string
}
