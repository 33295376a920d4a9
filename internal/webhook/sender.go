package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taigalike/api/internal/store"
)

const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultResponseLimit  = 2048
)

// Delivery is one event bound for one webhook. ID stays the same across
// retries.
type Delivery struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhook_id"`
	Body      json.RawMessage `json:"body"`
}

// SenderOptions configures Sender behavior.
type SenderOptions struct {
	Client         *http.Client
	Guard          *Guard
	AttemptTimeout time.Duration
	ResponseLimit  int
	Now            func() time.Time
	Logger         zerolog.Logger
}

// Sender performs single delivery attempts and describes each one as a log
// row. It never retries.
type Sender struct {
	client  *http.Client
	guard   *Guard
	timeout time.Duration
	limit   int
	now     func() time.Time
	log     zerolog.Logger
}

func NewSender(opts SenderOptions) *Sender {
	guard := opts.Guard
	if guard == nil {
		guard = NewGuard(true, nil)
	}

	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	limit := opts.ResponseLimit
	if limit <= 0 {
		limit = DefaultResponseLimit
	}

	client := opts.Client
	if client == nil {
		dialer := &net.Dialer{Timeout: timeout, Control: guard.Control}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dialer.DialContext
		transport.Proxy = nil
		client = &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Sender{
		client:  client,
		guard:   guard,
		timeout: timeout,
		limit:   limit,
		now:     now,
		log:     opts.Logger,
	}
}

// Attempt sends d to hook once. The returned log is ready to insert.
func (s *Sender) Attempt(ctx context.Context, hook store.Webhook, d Delivery, attempt int) store.WebhookLog {
	entry := store.WebhookLog{
		WebhookID:       hook.ID,
		DeliveryID:      d.ID,
		Attempt:         attempt,
		URL:             hook.URL,
		RequestHeaders:  s.headers(hook, d),
		RequestBody:     d.Body,
		ResponseHeaders: map[string]string{},
		CreatedAt:       s.now().UTC(),
	}

	if err := s.guard.Check(ctx, hook.URL); err != nil {
		entry.Status = statusFor(err)
		entry.ResponseBody = "error-in-request: " + err.Error()
		s.log.Warn().Str("webhook_id", hook.ID).Str("delivery_id", d.ID).Str("status", entry.Status).Msg("webhook target refused")
		return entry
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(d.Body))
	if err != nil {
		entry.Status = store.DeliveryNetworkError
		entry.ResponseBody = "error-in-request: " + err.Error()
		return entry
	}
	for k, v := range entry.RequestHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	entry.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		entry.Status = statusFor(err)
		entry.ResponseBody = "error-in-request: " + err.Error()
		s.log.Debug().Err(err).Str("webhook_id", hook.ID).Str("delivery_id", d.ID).Int("attempt", attempt).Msg("webhook attempt failed")
		return entry
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.limit)))
	entry.StatusCode = resp.StatusCode
	entry.ResponseBody = strings.ToValidUTF8(string(body), "")
	for k := range resp.Header {
		entry.ResponseHeaders[k] = resp.Header.Get(k)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		entry.Status = store.DeliveryDelivered
	} else {
		entry.Status = store.DeliveryHTTPError
	}
	s.log.Debug().Str("webhook_id", hook.ID).Str("delivery_id", d.ID).Int("attempt", attempt).
		Int("status_code", resp.StatusCode).Int64("duration_ms", entry.DurationMS).Msg("webhook attempt")
	return entry
}

func (s *Sender) headers(hook store.Webhook, d Delivery) map[string]string {
	signature := Sign(d.Body, hook.Key)
	return map[string]string{
		"Content-Type":        "application/json",
		SignatureHeader:       signature,
		KernelSignatureHeader: signature,
		DeliveryHeader:        d.ID,
	}
}

func statusFor(err error) string {
	if errors.Is(err, ErrPrivateAddress) {
		return store.DeliveryBlockedPrivateIP
	}
	return store.DeliveryNetworkError
}
