package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
	"taigalike/api/internal/util"
	"taigalike/api/internal/webhook"
)

type WebhookInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Key  string `json:"key"`
}

// requireAdmin lets project admins through. Invisible projects stay
// not_found; writes on blocked projects answer blocked.
func (s *Service) requireAdmin(ctx context.Context, actor *store.User, project *store.Project, write bool) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if err := s.resolver.Authorize(ctx, actor, rbac.ViewProject, project); err != nil {
		return err
	}
	isAdmin, err := s.resolver.IsAdmin(ctx, actor, project)
	if err != nil {
		return err
	}
	if !isAdmin {
		return apperr.Forbidden("project administration is required")
	}
	if write && project.IsBlocked {
		return apperr.Blocked("project is blocked")
	}
	return nil
}

func (s *Service) CreateWebhook(ctx context.Context, actor *store.User, projectID string, in WebhookInput) (store.Webhook, error) {
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return store.Webhook{}, err
	}
	if err := s.requireAdmin(ctx, actor, project, true); err != nil {
		return store.Webhook{}, err
	}
	name, key := strings.TrimSpace(in.Name), strings.TrimSpace(in.Key)
	if name == "" || key == "" {
		return store.Webhook{}, apperr.BadRequest("name and key are required")
	}
	u, err := webhook.ValidateURL(in.URL)
	if err != nil {
		return store.Webhook{}, apperr.BadRequest(err.Error())
	}
	// Hosts that do not resolve yet are accepted; every send checks again.
	if err := s.hookGuard.Check(ctx, u.String()); errors.Is(err, webhook.ErrPrivateAddress) {
		return store.Webhook{}, apperr.BadRequest(err.Error())
	}
	hook := store.Webhook{
		ID:        util.NewID("whk"),
		ProjectID: project.ID,
		Name:      name,
		URL:       u.String(),
		Key:       key,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateWebhook(ctx, hook); err != nil {
		return store.Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return hook, nil
}

func (s *Service) ListWebhooks(ctx context.Context, actor *store.User, projectID string) ([]store.Webhook, error) {
	project, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, actor, project, false); err != nil {
		return nil, err
	}
	return s.store.ListWebhooks(ctx, project.ID, false)
}

// loadWebhook returns the webhook after checking actor administers its
// project.
func (s *Service) loadWebhook(ctx context.Context, actor *store.User, id string, write bool) (store.Webhook, error) {
	hook, err := s.store.GetWebhook(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Webhook{}, apperr.NotFound("webhook not found")
	}
	if err != nil {
		return store.Webhook{}, fmt.Errorf("load webhook: %w", err)
	}
	project, err := loadProject(ctx, s.store, hook.ProjectID)
	if err != nil {
		return store.Webhook{}, err
	}
	if err := s.requireAdmin(ctx, actor, project, write); err != nil {
		return store.Webhook{}, err
	}
	return hook, nil
}

// TestWebhook sends the synthetic test event synchronously.
func (s *Service) TestWebhook(ctx context.Context, actor *store.User, webhookID string) (store.WebhookLog, error) {
	hook, err := s.loadWebhook(ctx, actor, webhookID, true)
	if err != nil {
		return store.WebhookLog{}, err
	}
	return s.hookSvc.Test(ctx, hook, actor)
}

func (s *Service) WebhookLogs(ctx context.Context, actor *store.User, webhookID string) ([]store.WebhookLog, error) {
	hook, err := s.loadWebhook(ctx, actor, webhookID, false)
	if err != nil {
		return nil, err
	}
	return s.hookSvc.Logs(ctx, hook.ID)
}

// ResendWebhookLog delivers a logged request body again as a new delivery.
func (s *Service) ResendWebhookLog(ctx context.Context, actor *store.User, logID int64) (store.WebhookLog, error) {
	entry, err := s.store.GetWebhookLog(ctx, logID)
	if errors.Is(err, store.ErrNotFound) {
		return store.WebhookLog{}, apperr.NotFound("webhook log not found")
	}
	if err != nil {
		return store.WebhookLog{}, fmt.Errorf("load webhook log: %w", err)
	}
	hook, err := s.loadWebhook(ctx, actor, entry.WebhookID, true)
	if err != nil {
		return store.WebhookLog{}, err
	}
	return s.hookSvc.Resend(ctx, hook, entry)
}
