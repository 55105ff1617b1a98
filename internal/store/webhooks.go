package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// WebhookStore persists webhook subscriptions and delivery records.
type WebhookStore struct {
	db *sql.DB
}

const subscriptionColumns = `id, name, url, events, secret, enabled, server_filter, retry_count, retry_delay_ms, timeout_ms, created_at`

// CreateSubscription inserts a subscription, applying retry defaults.
func (w *WebhookStore) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.RetryCount <= 0 {
		sub.RetryCount = 3
	}
	if sub.RetryDelayMs <= 0 {
		sub.RetryDelayMs = 1000
	}
	if sub.TimeoutMs <= 0 {
		sub.TimeoutMs = 10000
	}
	sub.CreatedAt = time.Now().UTC()

	events, _ := json.Marshal(sub.Events)
	var filter any
	if len(sub.ServerFilter) > 0 {
		raw, _ := json.Marshal(sub.ServerFilter)
		filter = string(raw)
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.URL, string(events), nullString(sub.Secret),
		boolInt(sub.Enabled), filter, sub.RetryCount, sub.RetryDelayMs,
		sub.TimeoutMs, formatTime(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (w *WebhookStore) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	events, _ := json.Marshal(sub.Events)
	var filter any
	if len(sub.ServerFilter) > 0 {
		raw, _ := json.Marshal(sub.ServerFilter)
		filter = string(raw)
	}
	res, err := w.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET name = ?, url = ?, events = ?, secret = ?, enabled = ?, server_filter = ?,
		    retry_count = ?, retry_delay_ms = ?, timeout_ms = ?
		WHERE id = ?`,
		sub.Name, sub.URL, string(events), nullString(sub.Secret),
		boolInt(sub.Enabled), filter, sub.RetryCount, sub.RetryDelayMs,
		sub.TimeoutMs, sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return requireRow(res, "webhook subscription")
}

// GetSubscription fetches a subscription by id.
func (w *WebhookStore) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := w.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// ListSubscriptions returns all subscriptions ordered by name.
func (w *WebhookStore) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*models.WebhookSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a subscription and its delivery history.
func (w *WebhookStore) DeleteSubscription(ctx context.Context, id string) error {
	if _, err := w.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	res, err := w.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return requireRow(res, "webhook subscription")
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var (
		sub            models.WebhookSubscription
		events         string
		secret, filter sql.NullString
		enabled        int
		createdAt      string
	)
	err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &events, &secret, &enabled,
		&filter, &sub.RetryCount, &sub.RetryDelayMs, &sub.TimeoutMs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("webhook subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if filter.Valid && filter.String != "" {
		_ = json.Unmarshal([]byte(filter.String), &sub.ServerFilter)
	}
	sub.Secret = secret.String
	sub.Enabled = enabled != 0
	sub.CreatedAt = parseTime(createdAt)
	return &sub, nil
}

const deliveryColumns = `id, subscription_id, event, payload, status, status_code, response_body, error, attempt, created_at, updated_at`

// CreateDelivery inserts a delivery row in pending state.
func (w *WebhookStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.Event, string(d.Payload), string(d.Status),
		nullInt(d.StatusCode), nullString(d.ResponseBody), nullString(d.Error),
		d.Attempt, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery rewrites the attempt outcome of a delivery row.
func (w *WebhookStore) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := w.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, status_code = ?, response_body = ?, error = ?, attempt = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), nullInt(d.StatusCode), nullString(d.ResponseBody),
		nullString(d.Error), d.Attempt, formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireRow(res, "webhook delivery")
}

// ListDeliveries returns deliveries, newest first, optionally filtered to one
// subscription.
func (w *WebhookStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	args := []any{}
	if subscriptionID != "" {
		query += ` WHERE subscription_id = ?`
		args = append(args, subscriptionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		var (
			d                    models.WebhookDelivery
			status               string
			statusCode           sql.NullInt64
			body, errMsg         sql.NullString
			payload              string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.Event, &payload, &status,
			&statusCode, &body, &errMsg, &d.Attempt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.Status = models.DeliveryStatus(status)
		d.StatusCode = int(statusCode.Int64)
		d.ResponseBody = body.String
		d.Error = errMsg.String
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// DeliveryStats aggregates delivery outcomes per subscription.
type DeliveryStats struct {
	SubscriptionID string `json:"subscription_id"`
	Total          int    `json:"total"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Pending        int    `json:"pending"`
}

// Stats reports delivery outcome counts for a subscription.
func (w *WebhookStore) Stats(ctx context.Context, subscriptionID string) (*DeliveryStats, error) {
	stats := &DeliveryStats{SubscriptionID: subscriptionID}
	err := w.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM webhook_deliveries WHERE subscription_id = ?`, subscriptionID).
		Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	return stats, nil
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
