// Package callbacks delivers signed webhooks to user-configured URLs.
// Deliveries are fire-and-forget with a fixed retry ladder; every attempt
// is recorded so operators can audit what left the platform.
package callbacks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

const (
	// HeaderSignature carries hex(HMAC-SHA256(secret, body)).
	HeaderSignature = "X-Flydesk-Signature"
	// HeaderEvent names the event so receivers can route before parsing.
	HeaderEvent = "X-Flydesk-Event"

	// DefaultTimeout bounds one delivery attempt.
	DefaultTimeout = 5 * time.Second
)

// DefaultRetryOffsets are the attempt times measured from dispatch start.
func DefaultRetryOffsets() []time.Duration {
	return []time.Duration{0, 30 * time.Second, 300 * time.Second}
}

// payload is the wire body. It is marshaled once per dispatch so every
// retry carries byte-identical content and therefore the same signature.
type payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sign computes the hex HMAC-SHA256 signature of a callback body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the body under secret.
// Receivers use it; compare is constant-time.
func VerifySignature(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// Dispatcher delivers callbacks. Safe for concurrent use.
type Dispatcher struct {
	store      storage.CallbackStore
	client     *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	offsets    []time.Duration
	publicOnly bool
	now        func() time.Time
	wg         sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.client.Timeout = d
		}
	}
}

// WithRetryOffsets replaces the attempt schedule. Offsets are measured
// from dispatch start and must be ascending.
func WithRetryOffsets(offsets []time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if len(offsets) > 0 {
			dp.offsets = offsets
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) {
		if logger != nil {
			dp.logger = logger.With("component", "callbacks")
		}
	}
}

// WithDispatcherMetrics sets the metrics collector.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// WithPublicTargetsOnly rejects deliveries to loopback, private, and
// link-local addresses. Callback URLs arrive from workflow authors, so
// anywhere outside a trusted network this should be on.
func WithPublicTargetsOnly() DispatcherOption {
	return func(dp *Dispatcher) { dp.publicOnly = true }
}

// WithDispatcherNow overrides the timestamp clock.
func WithDispatcherNow(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) {
		if now != nil {
			dp.now = now
		}
	}
}

// NewDispatcher builds a dispatcher over the delivery store.
func NewDispatcher(store storage.CallbackStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default().With("component", "callbacks"),
		offsets: DefaultRetryOffsets(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers one event, retrying per the offset schedule. An
// attempt succeeds when the HTTP call completes without transport error;
// the response status is recorded but never retried on. Returns the last
// transport error when every attempt fails.
func (d *Dispatcher) Dispatch(ctx context.Context, callbackID, event, url, secret string, data map[string]any) error {
	if d.publicOnly {
		// Revalidated on every dispatch, not just at registration, so a
		// DNS record repointed at something internal is still caught.
		if err := ValidateURL(ctx, url); err != nil {
			d.record(ctx, callbackID, event, url, 1, 0, err)
			d.logger.Error("callback target rejected", "callback_id", callbackID,
				"event", event, "url", url, "error", err)
			return err
		}
	}
	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal callback body: %w", err)
	}
	signature := Sign(secret, body)

	start := d.now()
	var lastErr error
	for i, offset := range d.offsets {
		if err := d.waitUntil(ctx, start.Add(offset)); err != nil {
			return err
		}

		attempt := i + 1
		statusCode, attemptErr := d.attempt(ctx, url, event, signature, body)
		d.record(ctx, callbackID, event, url, attempt, statusCode, attemptErr)

		if attemptErr == nil {
			d.logger.Info("callback delivered", "callback_id", callbackID,
				"event", event, "attempt", attempt, "status_code", statusCode)
			return nil
		}
		lastErr = attemptErr
		d.logger.Warn("callback attempt failed", "callback_id", callbackID,
			"event", event, "attempt", attempt, "error", attemptErr)
	}

	d.logger.Error("callback delivery failed", "callback_id", callbackID,
		"event", event, "url", url, "attempts", len(d.offsets), "error", lastErr)
	return fmt.Errorf("callback delivery exhausted after %d attempts: %w", len(d.offsets), lastErr)
}

// DispatchAsync runs Dispatch in a goroutine. Close waits for all
// in-flight deliveries.
func (d *Dispatcher) DispatchAsync(ctx context.Context, callbackID, event, url, secret string, data map[string]any) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Deliveries detach from the request that triggered them; only
		// dispatcher shutdown should cut them short.
		_ = d.Dispatch(context.WithoutCancel(ctx), callbackID, event, url, secret, data)
	}()
}

// Close waits for in-flight async deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) attempt(ctx context.Context, url, event, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(ctx context.Context, callbackID, event, url string, attempt, statusCode int, attemptErr error) {
	delivery := &models.CallbackDelivery{
		ID:         uuid.NewString(),
		CallbackID: callbackID,
		Event:      event,
		URL:        url,
		Attempt:    attempt,
		Status:     models.DeliverySuccess,
		StatusCode: statusCode,
		CreatedAt:  d.now().UTC(),
	}
	if attemptErr != nil {
		delivery.Status = models.DeliveryFailed
		delivery.Error = attemptErr.Error()
	}
	if err := d.store.Record(ctx, delivery); err != nil {
		d.logger.Error("delivery record failed", "callback_id", callbackID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RecordCallbackDelivery(event, string(delivery.Status))
	}
}

// waitUntil sleeps until target or the context ends. A target in the past
// returns immediately.
func (d *Dispatcher) waitUntil(ctx context.Context, target time.Time) error {
	delay := target.Sub(d.now())
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
