package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taigalike/api/internal/queue"
	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
)

// Topic is the queue topic carrying deliveries.
const Topic = "webhooks"

// DefaultRetrySchedule is 1s, 5s, 25s, 125s, 625s.
func DefaultRetrySchedule() []time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 5
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	out := make([]time.Duration, 0, 5)
	for i := 0; i < 5; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

type HookStore interface {
	ListWebhooks(ctx context.Context, projectID string, activeOnly bool) ([]store.Webhook, error)
}

// Dispatcher turns events into queued deliveries, one per active webhook.
type Dispatcher struct {
	hooks HookStore
	queue queue.Queue
}

func NewDispatcher(hooks HookStore, q queue.Queue) *Dispatcher {
	return &Dispatcher{hooks: hooks, queue: q}
}

// Emit enqueues p for every active webhook of the project and returns the
// number of deliveries queued.
func (d *Dispatcher) Emit(ctx context.Context, projectID string, p Payload) (int, error) {
	hooks, err := d.hooks.ListWebhooks(ctx, projectID, true)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	queued := 0
	for _, hook := range hooks {
		job, err := queue.NewJob(Topic, Delivery{ID: uuid.NewString(), WebhookID: hook.ID, Body: body})
		if err != nil {
			return queued, err
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return queued, fmt.Errorf("enqueue delivery: %w", err)
		}
		queued++
	}
	return queued, nil
}

type LogStore interface {
	GetWebhook(ctx context.Context, id string) (store.Webhook, error)
	InsertWebhookLog(ctx context.Context, entry *store.WebhookLog) error
}

// Worker consumes the delivery topic. Each attempt is logged; failed
// attempts are requeued per the retry schedule until it runs out.
type Worker struct {
	store      LogStore
	sender     *Sender
	queue      queue.Queue
	schedule   []time.Duration
	log        zerolog.Logger
	deliveries metric.Int64Counter
}

func NewWorker(s LogStore, sender *Sender, q queue.Queue, schedule []time.Duration, log zerolog.Logger) *Worker {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule()
	}
	return &Worker{
		store:      s,
		sender:     sender,
		queue:      q,
		schedule:   schedule,
		log:        log,
		deliveries: telemetry.Counter(telemetry.Meter("taigalike/api/webhook"), "webhook.deliveries", "Webhook delivery attempts"),
	}
}

// MaxAttempts is the first attempt plus one per scheduled retry.
func (w *Worker) MaxAttempts() int { return len(w.schedule) + 1 }

func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var d Delivery
	if err := job.Decode(&d); err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	hook, err := w.store.GetWebhook(ctx, d.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Debug().Str("webhook_id", d.WebhookID).Msg("webhook gone, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load webhook: %w", err)
	}
	if !hook.IsActive {
		return nil
	}

	entry := w.sender.Attempt(ctx, hook, d, job.Attempt)
	if err := w.store.InsertWebhookLog(ctx, &entry); err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	w.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", entry.Status)))

	switch {
	case entry.Status == store.DeliveryDelivered, entry.Status == store.DeliveryBlockedPrivateIP:
		return nil
	case job.Attempt >= w.MaxAttempts():
		w.log.Warn().Str("webhook_id", hook.ID).Str("delivery_id", d.ID).Int("attempts", job.Attempt).
			Str("status", entry.Status).Msg("webhook delivery failed permanently")
		return nil
	}
	delay := w.schedule[job.Attempt-1]
	if err := w.queue.EnqueueAfter(ctx, job.Next(), delay); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}
