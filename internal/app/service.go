package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/apptoken"
	"taigalike/api/internal/auth"
	"taigalike/api/internal/authpw"
	"taigalike/api/internal/config"
	"taigalike/api/internal/email"
	"taigalike/api/internal/history"
	"taigalike/api/internal/notify"
	"taigalike/api/internal/occ"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/queue"
	"taigalike/api/internal/rbac"
	"taigalike/api/internal/store"
	"taigalike/api/internal/webhook"
)

// Deps are the collaborators the service cannot build from configuration
// alone.
type Deps struct {
	Store  store.Store
	Queue  queue.Queue
	Mailer notify.Mailer
	// HTTPClient overrides the webhook client. Tests point it at httptest
	// servers.
	HTTPClient *http.Client
	Resolver   webhook.Resolver
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Service is the request pipeline: every write is authorized, version
// checked, applied, snapshotted and fanned out through it.
type Service struct {
	cfg    config.Config
	store  store.Store
	queue  queue.Queue
	secret []byte
	log    zerolog.Logger
	now    func() time.Time

	resolver  *rbac.Resolver
	guard     *occ.Guard
	recorder  *history.Recorder
	ordering  *ordering.Service
	analyzer  *notify.Analyzer
	engine    *notify.Engine
	notifier  *notify.Dispatcher
	hooks     *webhook.Dispatcher
	hookSvc   *webhook.Service
	hookGuard *webhook.Guard
	deliverer *webhook.Worker
	passwords *authpw.Service
	apptokens *apptoken.Service
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewMemoryQueue()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	mentions, err := notify.NewMentions(cfg.MentionPattern)
	if err != nil {
		return nil, err
	}
	level := store.NotifyLevel(cfg.DefaultNotifyLevel)

	hookGuard := webhook.NewGuard(cfg.WebhookBlockPrivateIPs, deps.Resolver)
	sender := webhook.NewSender(webhook.SenderOptions{
		Client:         deps.HTTPClient,
		Guard:          hookGuard,
		AttemptTimeout: cfg.WebhookAttemptTimeout,
		ResponseLimit:  cfg.WebhookResponseLimit,
		Now:            deps.Now,
		Logger:         deps.Logger,
	})

	guard := occ.NewGuard()
	recorder := history.NewRecorder().WithClock(deps.Now)
	mailer := deps.Mailer
	if mailer == nil {
		mailer = disabledMailer{}
	}

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		secret:    []byte(cfg.SecretKey),
		log:       deps.Logger,
		now:       deps.Now,
		resolver:  rbac.NewResolver(deps.Store),
		guard:     guard,
		recorder:  recorder,
		ordering:  ordering.NewService(guard, recorder),
		analyzer:  notify.NewAnalyzer(mentions, level),
		engine:    notify.NewEngine(level),
		notifier: notify.NewDispatcher(deps.Queue, mailer, notify.DispatcherOptions{
			MaxAttempts: cfg.NotifyMaxAttempts,
			RetryDelay:  cfg.NotifyRetryDelay,
			PublicURL:   cfg.PublicURL,
			Logger:      deps.Logger,
		}),
		hooks:     webhook.NewDispatcher(deps.Store, deps.Queue),
		hookSvc:   webhook.NewService(deps.Store, sender, cfg.PublicURL),
		hookGuard: hookGuard,
		deliverer: webhook.NewWorker(deps.Store, sender, deps.Queue, cfg.WebhookRetrySchedule, deps.Logger),
		passwords: authpw.NewService(deps.Store, cfg.SecretKey, cfg.AccessTTL),
		apptokens: apptoken.NewService(deps.Store),
	}, nil
}

type disabledMailer struct{}

func (disabledMailer) IsConfigured() bool { return false }

func (disabledMailer) SendChangeNotification(string, email.ChangeData) error { return nil }

// RunWorkers consumes the webhook and notification topics until ctx ends.
func (s *Service) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(ctx, s.queue, webhook.Topic, s.cfg.WebhookWorkers, s.deliverer.Handle, s.log)
	})
	g.Go(func() error {
		return queue.Run(ctx, s.queue, notify.Topic, s.cfg.NotifyWorkers, s.notifier.Handle, s.log)
	})
	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the store and, when it supports it, the queue.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if p, ok := s.queue.(pinger); ok {
		checks["queue"] = p.Ping(ctx)
	}
	return checks
}

// Authenticate resolves a bearer token to an active user.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.User, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	user, err := s.store.GetUser(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	if err != nil {
		return nil, fmt.Errorf("load token user: %w", err)
	}
	if !user.IsActive {
		return nil, apperr.Unauthenticated("account is disabled")
	}
	return &user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*authpw.SignInResponse, error) {
	return s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error) {
	return s.passwords.SignUp(ctx, req)
}

func (s *Service) AuthorizeApplication(ctx context.Context, actor *store.User, applicationID, state string) (apptoken.Authorization, error) {
	return s.apptokens.Authorize(ctx, actor, applicationID, state)
}

func (s *Service) ValidateApplication(ctx context.Context, applicationID, authCode, state string) (string, error) {
	return s.apptokens.Validate(ctx, applicationID, authCode, state)
}

func loadProject(ctx context.Context, q store.Queries, id string) (*store.Project, error) {
	project, err := q.GetProject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return &project, nil
}

func loadEntity(ctx context.Context, q store.Queries, kind store.EntityKind, id string) (*store.Entity, error) {
	entity, err := q.GetEntity(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s not found", kind))
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return &entity, nil
}

func requireActor(actor *store.User) error {
	if actor == nil || actor.ID == "" {
		return apperr.Unauthenticated("authentication required")
	}
	return nil
}

// fanout is what a committed write hands to notification and webhook
// delivery.
type fanout struct {
	project          store.Project
	entity           *store.Entity
	snapshot         *store.Snapshot
	actor            *store.User
	mentioned        []string
	previousAssignee string
}

// deliver runs after commit. Failures are logged and never reach the
// client; the write already happened.
func (s *Service) deliver(ctx context.Context, f *fanout) {
	if f == nil || f.snapshot == nil || f.snapshot.IsHidden {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().Str("snapshot_id", f.snapshot.ID).Str("kind", string(f.snapshot.Kind)).Logger()

	if f.entity != nil {
		ev := notify.Event{
			Project:          &f.project,
			Entity:           f.entity,
			Snapshot:         f.snapshot,
			Actor:            f.actor,
			Mentioned:        f.mentioned,
			PreviousAssignee: f.previousAssignee,
		}
		recipients, err := s.engine.Recipients(ctx, s.store, s.resolver, ev)
		if err != nil {
			log.Warn().Err(err).Msg("resolve notification recipients")
		} else if n, err := s.notifier.Enqueue(ctx, ev, recipients); err != nil {
			log.Warn().Err(err).Int("queued", n).Msg("enqueue notifications")
		}
	}

	payload := webhook.BuildPayload(f.snapshot, f.actor, s.cfg.PublicURL)
	if n, err := s.hooks.Emit(ctx, f.project.ID, payload); err != nil {
		log.Warn().Err(err).Int("queued", n).Msg("emit webhooks")
	}
}
