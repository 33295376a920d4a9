package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrStale     = errors.New("stale version")
	ErrDuplicate = errors.New("duplicate")
)

// RelatedStoriesField is the order field of an epic's related user stories.
const RelatedStoriesField = "epic_related_order"

// Queries is everything the kernel reads or writes. Both the database handle
// and an open transaction satisfy it.
type Queries interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUsers(ctx context.Context, ids []string) ([]User, error)
	GetUsersByUsername(ctx context.Context, usernames []string) ([]User, error)
	CreateUser(ctx context.Context, user User) error

	GetProject(ctx context.Context, id string) (Project, error)
	CreateProject(ctx context.Context, project Project) error
	UpdateProject(ctx context.Context, project Project) error

	CreateRole(ctx context.Context, role Role) error
	GetRole(ctx context.Context, id string) (Role, error)
	CreateMembership(ctx context.Context, membership Membership) error
	// GetMembership returns nil when the user holds no membership.
	GetMembership(ctx context.Context, projectID, userID string) (*Membership, error)
	SetMembershipAdmin(ctx context.Context, projectID, userID string, isAdmin bool) error

	// GetNotifyPolicy returns nil when the user never chose a level.
	GetNotifyPolicy(ctx context.Context, projectID, userID string) (*NotifyPolicy, error)
	UpsertNotifyPolicy(ctx context.Context, policy NotifyPolicy) error

	GetEntity(ctx context.Context, kind EntityKind, id string) (Entity, error)
	// LockEntity reads the entity and holds a row lock until the transaction ends.
	LockEntity(ctx context.Context, kind EntityKind, id string) (Entity, error)
	InsertEntity(ctx context.Context, entity Entity) error
	SaveEntity(ctx context.Context, entity Entity) error
	DeleteEntity(ctx context.Context, kind EntityKind, id string) error
	// BumpEntityVersion increments the version when it still equals
	// expected. A negative expected bumps unconditionally. KindProject
	// addresses the projects table.
	BumpEntityVersion(ctx context.Context, kind EntityKind, id string, expected int64) (int64, error)
	NextRef(ctx context.Context, projectID string) (int64, error)
	SetWatchers(ctx context.Context, kind EntityKind, id string, watchers []string) error

	ListSiblings(ctx context.Context, c Collection) ([]OrderItem, error)
	SetOrder(ctx context.Context, c Collection, id string, order int64) error
	LinkRelatedStory(ctx context.Context, epicID, userStoryID string, order int64) error

	LastSnapshot(ctx context.Context, kind EntityKind, entityID string) (*Snapshot, error)
	InsertSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	ListSnapshots(ctx context.Context, kind EntityKind, entityID string) ([]Snapshot, error)
	UpdateSnapshotComment(ctx context.Context, snap Snapshot) error

	CreateWebhook(ctx context.Context, hook Webhook) error
	GetWebhook(ctx context.Context, id string) (Webhook, error)
	ListWebhooks(ctx context.Context, projectID string, activeOnly bool) ([]Webhook, error)
	InsertWebhookLog(ctx context.Context, entry *WebhookLog) error
	GetWebhookLog(ctx context.Context, id int64) (WebhookLog, error)
	ListWebhookLogs(ctx context.Context, webhookID string) ([]WebhookLog, error)

	CreateApplication(ctx context.Context, app Application) error
	GetApplication(ctx context.Context, id string) (Application, error)
	GetApplicationToken(ctx context.Context, userID, applicationID string) (*ApplicationToken, error)
	LockApplicationTokenByCode(ctx context.Context, applicationID, authCode string) (ApplicationToken, error)
	SaveApplicationToken(ctx context.Context, token ApplicationToken) error

	// AdvisoryLock serializes writers sharing key until the transaction ends.
	AdvisoryLock(ctx context.Context, key string) error
}

type Store interface {
	Queries
	// WithTx runs fn in one serializable unit. Any error rolls every write back.
	WithTx(ctx context.Context, fn func(Queries) error) error
	Ping(ctx context.Context) error
}
