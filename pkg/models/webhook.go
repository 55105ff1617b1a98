package models

import (
	"encoding/json"
	"time"
)

// WebhookSubscription is a durable registration of a URL plus event set.
type WebhookSubscription struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Events       []string  `json:"events"`
	Secret       string    `json:"secret,omitempty"`
	Enabled      bool      `json:"enabled"`
	ServerFilter []string  `json:"server_filter,omitempty"`
	RetryCount   int       `json:"retry_count"`
	RetryDelayMs int       `json:"retry_delay_ms"`
	TimeoutMs    int       `json:"timeout_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants the given event for the
// given server. An empty server filter matches all servers.
func (s *WebhookSubscription) Matches(event, serverID string) bool {
	if !s.Enabled {
		return false
	}
	found := false
	for _, e := range s.Events {
		if e == event || e == "*" {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(s.ServerFilter) == 0 || serverID == "" {
		return true
	}
	for _, id := range s.ServerFilter {
		if id == serverID {
			return true
		}
	}
	return false
}

// DeliveryStatus is the terminal-or-pending state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery is one attempt-tracked delivery of an event to a
// subscription endpoint.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	StatusCode     int             `json:"status_code,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
