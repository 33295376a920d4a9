package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"taigalike/api/internal/email"
	"taigalike/api/internal/queue"
	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
)

// Topic is the queue topic carrying notification messages.
const Topic = "notifications"

const (
	DefaultRetryDelay = time.Minute
	maxValueLength    = 120
)

// Mailer is the delivery sink; *email.Service satisfies it.
type Mailer interface {
	IsConfigured() bool
	SendChangeNotification(to string, data email.ChangeData) error
}

// Message is one queued notification for one recipient.
type Message struct {
	SnapshotID  string           `json:"snapshot_id"`
	RecipientID string           `json:"recipient_id"`
	Email       string           `json:"email"`
	Change      email.ChangeData `json:"change"`
}

// DispatcherOptions configures Dispatcher behavior.
type DispatcherOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
	PublicURL   string
	Logger      zerolog.Logger
}

// Dispatcher queues notifications and delivers them from the worker pool.
// Failed sends are retried out of band with a linearly growing delay.
type Dispatcher struct {
	queue       queue.Queue
	mailer      Mailer
	maxAttempts int
	retryDelay  time.Duration
	publicURL   string
	log         zerolog.Logger
	sent        metric.Int64Counter
}

func NewDispatcher(q queue.Queue, mailer Mailer, opts DispatcherOptions) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Dispatcher{
		queue:       q,
		mailer:      mailer,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		publicURL:   strings.TrimRight(opts.PublicURL, "/"),
		log:         opts.Logger,
		sent:        telemetry.Counter(telemetry.Meter("taigalike/api/notify"), "notify.sent", "Notification emails sent"),
	}
}

// Enqueue queues one message per recipient.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event, recipients []store.User) (int, error) {
	queued := 0
	for _, u := range recipients {
		if u.Email == "" {
			continue
		}
		msg := Message{
			SnapshotID:  ev.Snapshot.ID,
			RecipientID: u.ID,
			Email:       u.Email,
			Change:      d.changeData(ev, u),
		}
		job, err := queue.NewJob(Topic, msg)
		if err != nil {
			return queued, err
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return queued, fmt.Errorf("enqueue notification: %w", err)
		}
		queued++
	}
	return queued, nil
}

func (d *Dispatcher) changeData(ev Event, recipient store.User) email.ChangeData {
	data := email.ChangeData{
		UserName: recipient.DisplayName(),
		Action:   string(ev.Snapshot.Type),
		Kind:     string(ev.Entity.Kind),
		Ref:      ev.Entity.Ref,
		Title:    ev.Entity.Title(),
		Comment:  ev.Snapshot.Comment,
		Changes:  FormatDiff(ev.Snapshot.Diff),
	}
	if ev.Actor != nil {
		data.ActorName = ev.Actor.DisplayName()
	}
	if d.publicURL != "" && ev.Entity.Ref > 0 && ev.Project != nil {
		data.URL = d.publicURL + "/project/" + ev.Project.Slug + "/" + string(ev.Entity.Kind) + "/" + strconv.FormatInt(ev.Entity.Ref, 10)
	}
	return data
}

// FormatDiff renders a diff as sorted, length capped table rows.
func FormatDiff(diff store.Diff) []email.FieldChange {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]email.FieldChange, 0, len(keys))
	for _, k := range keys {
		change := diff[k]
		out = append(out, email.FieldChange{Field: k, From: formatValue(change[0]), To: formatValue(change[1])})
	}
	return out
}

func formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		s = strings.Join(parts, ", ")
	default:
		s = fmt.Sprint(val)
	}
	if r := []rune(s); len(r) > maxValueLength {
		s = string(r[:maxValueLength]) + "…"
	}
	return s
}

// Handle sends one queued message. Send failures are rescheduled until
// MaxAttempts is reached.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	var msg Message
	if err := job.Decode(&msg); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if !d.mailer.IsConfigured() {
		d.log.Debug().Str("recipient_id", msg.RecipientID).Msg("email not configured, notification skipped")
		return nil
	}
	err := d.mailer.SendChangeNotification(msg.Email, msg.Change)
	if err == nil {
		d.sent.Add(ctx, 1)
		return nil
	}
	if job.Attempt >= d.maxAttempts {
		d.log.Warn().Err(err).Str("recipient_id", msg.RecipientID).Str("snapshot_id", msg.SnapshotID).
			Int("attempts", job.Attempt).Msg("notification dropped")
		return nil
	}
	delay := d.retryDelay * time.Duration(job.Attempt)
	if err := d.queue.EnqueueAfter(ctx, job.Next(), delay); err != nil {
		return fmt.Errorf("schedule notification retry: %w", err)
	}
	d.log.Debug().Err(err).Str("recipient_id", msg.RecipientID).Dur("delay", delay).Msg("notification retry scheduled")
	return nil
}
