// Package webhooks delivers kernel events to registered HTTP endpoints.
// Deliveries are signed, retried with exponential backoff, and every attempt
// is persisted for inspection.
package webhooks

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
	"net/url"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// defaultQueueSize bounds the in-flight event queue. Events beyond it
	// are parked for the worker rather than blocking publishers.
	defaultQueueSize = 256

	// maxResponseBytes caps how much of an endpoint's response is stored.
	maxResponseBytes = 1024
)

// payload is the JSON body POSTed to subscription endpoints.
type payload struct {
	Event     string         `json:"event"`
	ServerID  string         `json:"server_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Dispatcher fans kernel events out to matching webhook subscriptions.
type Dispatcher struct {
	store   *store.WebhookStore
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
	client  *http.Client

	queue chan events.Event
	sub   events.Subscription
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	parked []events.Event

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher creates a dispatcher. queueSize <= 0 uses the default.
func NewDispatcher(st *store.WebhookStore, bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		store:   st,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "webhooks"),
		client:  &http.Client{},
		queue:   make(chan events.Event, queueSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the event bus and launches the delivery worker.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.sub = d.bus.SubscribeAll(d.enqueue)
		d.wg.Add(1)
		go d.run()
	})
}

// Stop unsubscribes, drains the queue, and waits for in-flight deliveries.
// Pending retry waits are abandoned and their deliveries marked failed.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.bus.Unsubscribe(d.sub)
		close(d.done)
		d.wg.Wait()
	})
}

// enqueue runs on the publisher's goroutine and must not block. Events that
// do not fit the queue are parked and re-queued by the worker, so every
// matching event still gets a delivery attempt.
func (d *Dispatcher) enqueue(ev events.Event) {
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.parked = append(d.parked, ev)
		d.mu.Unlock()
		d.logger.Warn("webhook queue full, deferring event", "event", ev.Type)
	}
}

// requeue moves parked events into freed queue slots, preserving order.
func (d *Dispatcher) requeue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.parked) > 0 {
		select {
		case d.queue <- d.parked[0]:
			d.parked = d.parked[1:]
		default:
			return
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
			d.requeue()
		case <-d.done:
			// Drain whatever was queued or parked before shutdown.
			for {
				d.requeue()
				select {
				case ev := <-d.queue:
					d.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans one event out to every matching subscription. Each delivery
// runs on its own goroutine so a slow endpoint cannot stall the rest.
func (d *Dispatcher) dispatch(ev events.Event) {
	ctx := context.Background()
	subs, err := d.store.ListSubscriptions(ctx)
	if err != nil {
		d.logger.Error("failed to list webhook subscriptions", "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Matches(string(ev.Type), ev.ServerID) {
			continue
		}
		d.wg.Add(1)
		go func(sub *models.WebhookSubscription) {
			defer d.wg.Done()
			d.deliver(ctx, sub, ev)
		}(sub)
	}
}

// deliver POSTs the event to one subscription, retrying on failure. The
// delivery row is updated after every attempt.
func (d *Dispatcher) deliver(ctx context.Context, sub *models.WebhookSubscription, ev events.Event) {
	body, err := json.Marshal(payload{
		Event:     string(ev.Type),
		ServerID:  ev.ServerID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		d.logger.Error("failed to encode webhook payload", "event", ev.Type, "error", err)
		return
	}

	delivery := &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		Event:          string(ev.Type),
		Payload:        body,
		Status:         models.DeliveryPending,
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		d.logger.Error("failed to record webhook delivery", "subscription", sub.ID, "error", err)
		return
	}

	maxAttempts := sub.RetryCount + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivery.Attempt = attempt
		status, respBody, err := d.post(ctx, sub, delivery.ID, string(ev.Type), body)
		delivery.StatusCode = status
		delivery.ResponseBody = respBody
		if err == nil {
			delivery.Status = models.DeliverySuccess
			delivery.Error = ""
			d.finish(ctx, delivery)
			return
		}

		delivery.Error = err.Error()
		if attempt == maxAttempts {
			break
		}
		d.logger.Debug("webhook attempt failed, retrying",
			"subscription", sub.ID,
			"attempt", attempt,
			"error", err)
		if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
			d.logger.Error("failed to update webhook delivery", "delivery", delivery.ID, "error", err)
		}
		select {
		case <-time.After(backoff(sub.RetryDelayMs, attempt)):
		case <-d.done:
			delivery.Status = models.DeliveryFailed
			delivery.Error = "dispatcher stopped before retry"
			d.finish(ctx, delivery)
			return
		}
	}

	delivery.Status = models.DeliveryFailed
	d.finish(ctx, delivery)
}

func (d *Dispatcher) finish(ctx context.Context, delivery *models.WebhookDelivery) {
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		d.logger.Error("failed to update webhook delivery", "delivery", delivery.ID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(string(delivery.Status)).Inc()
	}
	if delivery.Status == models.DeliveryFailed {
		d.logger.Warn("webhook delivery failed",
			"delivery", delivery.ID,
			"subscription", delivery.SubscriptionID,
			"attempts", delivery.Attempt,
			"error", delivery.Error)
	}
}

// post performs one HTTP attempt. A non-2xx response is an error.
func (d *Dispatcher) post(ctx context.Context, sub *models.WebhookSubscription, deliveryID, event string, body []byte) (int, string, error) {
	timeout := time.Duration(sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event)
	req.Header.Set("X-Delivery-Id", deliveryID)
	if sub.Secret != "" {
		req.Header.Set("X-Signature", Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(respBody), fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, string(respBody), nil
}

// TestDelivery sends a synthetic event to one subscription synchronously and
// returns the recorded delivery.
func (d *Dispatcher) TestDelivery(ctx context.Context, subscriptionID string) (*models.WebhookDelivery, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload{
		Event:     "webhook.test",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"subscription_id": sub.ID},
	})
	if err != nil {
		return nil, err
	}
	delivery := &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		Event:          "webhook.test",
		Payload:        body,
		Status:         models.DeliveryPending,
		Attempt:        1,
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	status, respBody, postErr := d.post(ctx, sub, delivery.ID, "webhook.test", body)
	delivery.StatusCode = status
	delivery.ResponseBody = respBody
	if postErr != nil {
		delivery.Status = models.DeliveryFailed
		delivery.Error = postErr.Error()
	} else {
		delivery.Status = models.DeliverySuccess
	}
	d.finish(ctx, delivery)
	return delivery, nil
}

// CreateSubscription validates and stores a new subscription.
func (d *Dispatcher) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}
	return d.store.CreateSubscription(ctx, sub)
}

// UpdateSubscription validates and stores subscription changes.
func (d *Dispatcher) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}
	return d.store.UpdateSubscription(ctx, sub)
}

// GetSubscription returns one subscription.
func (d *Dispatcher) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return d.store.GetSubscription(ctx, id)
}

// ListSubscriptions returns all subscriptions.
func (d *Dispatcher) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	return d.store.ListSubscriptions(ctx)
}

// DeleteSubscription removes a subscription and its delivery history.
func (d *Dispatcher) DeleteSubscription(ctx context.Context, id string) error {
	return d.store.DeleteSubscription(ctx, id)
}

// Deliveries returns recent deliveries for a subscription, newest first.
func (d *Dispatcher) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]*models.WebhookDelivery, error) {
	return d.store.ListDeliveries(ctx, subscriptionID, limit)
}

// Stats returns delivery counts for a subscription.
func (d *Dispatcher) Stats(ctx context.Context, subscriptionID string) (*store.DeliveryStats, error) {
	return d.store.Stats(ctx, subscriptionID)
}

func validateSubscription(sub *models.WebhookSubscription) error {
	var fields []kernelerr.FieldError
	if sub.Name == "" {
		fields = append(fields, kernelerr.FieldError{Path: "name", Message: "required"})
	}
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fields = append(fields, kernelerr.FieldError{Path: "url", Message: "must be an absolute http or https URL"})
	}
	if len(sub.Events) == 0 {
		fields = append(fields, kernelerr.FieldError{Path: "events", Message: "at least one event is required"})
	}
	for _, e := range sub.Events {
		if e == "*" {
			continue
		}
		if !validEvent(e) {
			fields = append(fields, kernelerr.FieldError{Path: "events", Message: fmt.Sprintf("unknown event %q", e)})
		}
	}
	if len(fields) > 0 {
		return kernelerr.Validation("invalid webhook subscription", fields...)
	}
	return nil
}

func validEvent(name string) bool {
	for _, t := range events.All {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// backoff doubles the base delay for each completed attempt.
func backoff(baseMs, attempt int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	d := time.Duration(baseMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
