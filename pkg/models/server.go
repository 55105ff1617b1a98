// Package models defines the durable data types shared across the conduit
// kernel: upstream server definitions, workflows, budgets, webhook
// subscriptions, and the audit/usage record shapes.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransportType identifies the wire transport used to reach an upstream.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "ws"
)

// TransportConfig is the tagged transport variant of a server definition.
// Exactly the fields for the selected Type are meaningful.
type TransportConfig struct {
	Type TransportType `json:"type"`

	// Stdio transport options.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP and WebSocket transport options.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks that the transport variant is internally consistent.
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportHTTP, TransportWebSocket:
		if t.URL == "" {
			return fmt.Errorf("%s transport requires a url", t.Type)
		}
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// HealthCheckConfig controls the periodic liveness probe for a server.
type HealthCheckConfig struct {
	Enabled    bool `json:"enabled"`
	IntervalMs int  `json:"interval_ms,omitempty"`
	TimeoutMs  int  `json:"timeout_ms,omitempty"`
}

// RateLimitConfig is the admission budget for a server. Zero means no cap
// for that window.
type RateLimitConfig struct {
	PerMinute int `json:"per_minute"`
	PerDay    int `json:"per_day"`
}

// ServerMetadata carries free-form classification for listings and search.
type ServerMetadata struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Version  string   `json:"version,omitempty"`
}

// Server is the durable definition of an upstream tool server.
type Server struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Transport   TransportConfig   `json:"transport"`
	Auth        json.RawMessage   `json:"auth,omitempty"`
	HealthCheck HealthCheckConfig `json:"health_check"`
	RateLimits  RateLimitConfig   `json:"rate_limits"`
	Metadata    ServerMetadata    `json:"metadata"`
	GroupID     string            `json:"group_id,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the server definition for API-level errors.
func (s *Server) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	return s.Transport.Validate()
}

// ServerGroup clusters servers for listing and filtering.
type ServerGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConnectionState is the runtime lifecycle state of a pooled connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "failed"
)

// ToolDescriptor describes a tool as reported by an upstream.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceDescriptor describes a resource as reported by an upstream.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptDescriptor describes a prompt as reported by an upstream.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one declared argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}
