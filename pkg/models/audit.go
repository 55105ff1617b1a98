package models

import (
	"encoding/json"
	"time"
)

// AuditEntry is one append-only audit row. Entries are only ever inserted
// and purged, never updated.
type AuditEntry struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	APIKeyID     string          `json:"api_key_id,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	Success      bool            `json:"success"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// UsageRecord is one metered action row.
type UsageRecord struct {
	ID          string    `json:"id"`
	APIKeyID    string    `json:"api_key_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	ServerID    string    `json:"server_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	ActionType  string    `json:"action_type"`
	Count       int       `json:"count"`
	TokensUsed  int64     `json:"tokens_used,omitempty"`
	CostCredits float64   `json:"cost_credits,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// APIKey is a stored API credential. Only the SHA-256 hash of the key
// material is persisted.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// KeyPattern is a named regular expression matched against tool output to
// flag leaked credentials.
type KeyPattern struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
}

// KeyExposureDetection records a secret-looking value observed in tool
// output. Detection only; the kernel never rewrites payloads.
type KeyExposureDetection struct {
	ID        string    `json:"id"`
	PatternID string    `json:"pattern_id"`
	ServerID  string    `json:"server_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Snippet   string    `json:"snippet"`
	Timestamp time.Time `json:"timestamp"`
}
