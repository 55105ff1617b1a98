package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

type fixture struct {
	dispatcher *Dispatcher
	bus        *events.Bus
	store      *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(slog.Default())
	d := NewDispatcher(st.Webhooks, bus, nil, slog.Default(), 16)
	d.Start()
	t.Cleanup(d.Stop)

	return &fixture{dispatcher: d, bus: bus, store: st}
}

func (f *fixture) subscribe(t *testing.T, url string, mutate func(*models.WebhookSubscription)) *models.WebhookSubscription {
	t.Helper()
	sub := &models.WebhookSubscription{
		Name:         "test",
		URL:          url,
		Events:       []string{"*"},
		Enabled:      true,
		RetryCount:   0,
		RetryDelayMs: 1,
		TimeoutMs:    2000,
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := f.dispatcher.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

// waitForDelivery polls until the subscription has a delivery in a terminal
// state.
func (f *fixture) waitForDelivery(t *testing.T, subID string) *models.WebhookDelivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		deliveries, err := f.dispatcher.Deliveries(context.Background(), subID, 10)
		if err != nil {
			t.Fatalf("deliveries: %v", err)
		}
		for _, d := range deliveries {
			if d.Status != models.DeliveryPending {
				return d
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for delivery")
	return nil
}

func TestDeliverySignedAndRecorded(t *testing.T) {
	f := newFixture(t)

	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, func(s *models.WebhookSubscription) {
		s.Secret = "hunter2"
	})

	f.bus.Publish(events.Event{
		Type:     events.ServerConnected,
		ServerID: "s1",
		Data:     map[string]any{"name": "alpha"},
	})

	d := f.waitForDelivery(t, sub.ID)
	if d.Status != models.DeliverySuccess || d.StatusCode != http.StatusOK || d.Attempt != 1 {
		t.Fatalf("delivery = %+v", d)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get("X-Event-Type"); got != "server.connected" {
		t.Errorf("X-Event-Type = %q", got)
	}
	if got := headers.Get("X-Delivery-Id"); got != d.ID {
		t.Errorf("X-Delivery-Id = %q, want %q", got, d.ID)
	}
	if got := headers.Get("X-Signature"); got != Sign("hunter2", body) {
		t.Errorf("X-Signature = %q, want body HMAC", got)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Event != "server.connected" || p.ServerID != "s1" || p.Data["name"] != "alpha" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)

	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 4 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, func(s *models.WebhookSubscription) {
		s.RetryCount = 3
	})

	f.bus.Publish(events.Event{Type: events.ToolFailed, ServerID: "s1"})

	d := f.waitForDelivery(t, sub.ID)
	if d.Status != models.DeliverySuccess {
		t.Fatalf("status = %s, error = %s", d.Status, d.Error)
	}
	if d.Attempt != 4 {
		t.Fatalf("attempt = %d, want success on the fourth try", d.Attempt)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, func(s *models.WebhookSubscription) {
		s.RetryCount = 2
	})

	f.bus.Publish(events.Event{Type: events.CircuitOpened, ServerID: "s1"})

	d := f.waitForDelivery(t, sub.ID)
	if d.Status != models.DeliveryFailed || d.Attempt != 3 {
		t.Fatalf("delivery = %+v", d)
	}
	if d.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status code = %d", d.StatusCode)
	}

	stats, err := f.dispatcher.Stats(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEventAndServerFiltering(t *testing.T) {
	f := newFixture(t)

	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, func(s *models.WebhookSubscription) {
		s.Events = []string{"tool.invoked"}
		s.ServerFilter = []string{"s1"}
	})

	// Wrong event, wrong server, then a match.
	f.bus.Publish(events.Event{Type: events.ToolFailed, ServerID: "s1"})
	f.bus.Publish(events.Event{Type: events.ToolInvoked, ServerID: "s2"})
	f.bus.Publish(events.Event{Type: events.ToolInvoked, ServerID: "s1"})

	d := f.waitForDelivery(t, sub.ID)
	if d.Event != "tool.invoked" {
		t.Fatalf("delivered event = %s", d.Event)
	}

	deliveries, err := f.dispatcher.Deliveries(context.Background(), sub.ID, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want only the matching event", len(deliveries))
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("endpoint calls = %d", calls)
	}
}

func TestDisabledSubscriptionSkipped(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled subscription received a delivery")
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, func(s *models.WebhookSubscription) {
		s.Enabled = false
	})

	f.bus.Publish(events.Event{Type: events.ServerConnected, ServerID: "s1"})
	time.Sleep(100 * time.Millisecond)

	deliveries, err := f.dispatcher.Deliveries(context.Background(), sub.ID, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("deliveries = %d, want none", len(deliveries))
	}
}

func TestTestDelivery(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Event-Type") != "webhook.test" {
			t.Errorf("X-Event-Type = %q", r.Header.Get("X-Event-Type"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.subscribe(t, srv.URL, nil)

	d, err := f.dispatcher.TestDelivery(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("test delivery: %v", err)
	}
	if d.Status != models.DeliverySuccess || d.Event != "webhook.test" {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sub  models.WebhookSubscription
	}{
		{"missing url", models.WebhookSubscription{Name: "a", Events: []string{"*"}}},
		{"relative url", models.WebhookSubscription{Name: "a", URL: "/hooks", Events: []string{"*"}}},
		{"no events", models.WebhookSubscription{Name: "a", URL: "https://example.com"}},
		{"unknown event", models.WebhookSubscription{Name: "a", URL: "https://example.com", Events: []string{"bogus.event"}}},
		{"missing name", models.WebhookSubscription{URL: "https://example.com", Events: []string{"*"}}},
	}
	for _, tc := range cases {
		sub := tc.sub
		if err := f.dispatcher.CreateSubscription(ctx, &sub); kernelerr.CodeOf(err) != kernelerr.CodeValidation {
			t.Errorf("%s: err = %v, want validation", tc.name, err)
		}
	}
}

func TestQueueOverflowDefersInsteadOfDropping(t *testing.T) {
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	bus := events.NewBus(slog.Default())
	d := NewDispatcher(st.Webhooks, bus, nil, slog.Default(), 1)

	sub := &models.WebhookSubscription{
		Name:      "overflow",
		URL:       srv.URL,
		Events:    []string{"*"},
		Enabled:   true,
		TimeoutMs: 2000,
	}
	if err := d.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	// The worker is not running yet, so the single queue slot fills and
	// the remaining events park instead of dropping.
	for i := 0; i < 3; i++ {
		d.enqueue(events.Event{Type: events.ServerConnected, ServerID: "s1"})
	}

	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(5 * time.Second)
	delivered := 0
	for time.Now().Before(deadline) {
		deliveries, err := d.Deliveries(context.Background(), sub.ID, 10)
		if err != nil {
			t.Fatalf("deliveries: %v", err)
		}
		delivered = 0
		for _, del := range deliveries {
			if del.Status == models.DeliverySuccess {
				delivered++
			}
		}
		if delivered == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivered %d of 3 parked events", delivered)
}
