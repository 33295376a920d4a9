package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taigalike/api/internal/store"
)

type ServiceStore interface {
	InsertWebhookLog(ctx context.Context, entry *store.WebhookLog) error
	ListWebhookLogs(ctx context.Context, webhookID string) ([]store.WebhookLog, error)
}

// Service runs the synchronous operations: test, resend and log listing.
// Callers check that the actor administers the webhook's project.
type Service struct {
	store     ServiceStore
	sender    *Sender
	publicURL string
	now       func() time.Time
}

func NewService(s ServiceStore, sender *Sender, publicURL string) *Service {
	return &Service{store: s, sender: sender, publicURL: publicURL, now: time.Now}
}

// Test sends the synthetic test event and records its log.
func (s *Service) Test(ctx context.Context, hook store.Webhook, actor *store.User) (store.WebhookLog, error) {
	body, err := json.Marshal(TestPayload(actor, s.publicURL, s.now()))
	if err != nil {
		return store.WebhookLog{}, fmt.Errorf("marshal test payload: %w", err)
	}
	return s.send(ctx, hook, body)
}

// Resend delivers the body of a previous attempt again, byte for byte, as a
// new delivery.
func (s *Service) Resend(ctx context.Context, hook store.Webhook, previous store.WebhookLog) (store.WebhookLog, error) {
	return s.send(ctx, hook, previous.RequestBody)
}

func (s *Service) send(ctx context.Context, hook store.Webhook, body json.RawMessage) (store.WebhookLog, error) {
	d := Delivery{ID: uuid.NewString(), WebhookID: hook.ID, Body: body}
	entry := s.sender.Attempt(ctx, hook, d, 1)
	if err := s.store.InsertWebhookLog(ctx, &entry); err != nil {
		return store.WebhookLog{}, fmt.Errorf("insert webhook log: %w", err)
	}
	return entry, nil
}

// Logs lists a webhook's attempts, newest first.
func (s *Service) Logs(ctx context.Context, webhookID string) ([]store.WebhookLog, error) {
	return s.store.ListWebhookLogs(ctx, webhookID)
}
