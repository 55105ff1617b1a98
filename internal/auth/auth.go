// Package auth resolves API keys into principals. Authorization policy
// (RBAC) is out of kernel scope; the kernel only ever sees the resolved
// Principal on a RequestContext.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Principal is the authenticated caller identity attached to every kernel
// call.
type Principal struct {
	APIKeyID string
	TenantID string
	Master   bool
}

// RequestContext carries the per-request values the kernel needs. It is
// passed explicitly; the kernel never reads hidden context keys.
type RequestContext struct {
	Principal Principal
	RequestID string
	IPAddress string
	UserAgent string
}

// KeyStore looks up API keys by hash.
type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Service validates presented credentials.
type Service struct {
	masterKey string
	keys      KeyStore
}

// NewService creates the auth service. masterKey must be non-empty.
func NewService(masterKey string, keys KeyStore) *Service {
	return &Service{masterKey: masterKey, keys: keys}
}

// HashKey returns the hex SHA-256 of key material, the form keys are stored
// in.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a presented key to a Principal.
func (s *Service) Authenticate(ctx context.Context, presented string) (Principal, error) {
	if presented == "" {
		return Principal{}, kernelerr.New(kernelerr.CodeUnauthenticated, "missing API key")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.masterKey)) == 1 {
		return Principal{APIKeyID: "master", Master: true}, nil
	}
	if s.keys == nil {
		return Principal{}, kernelerr.New(kernelerr.CodeUnauthenticated, "invalid API key")
	}
	key, err := s.keys.GetByHash(ctx, HashKey(presented))
	if err != nil || key == nil || !key.Enabled {
		return Principal{}, kernelerr.New(kernelerr.CodeUnauthenticated, "invalid API key")
	}
	_ = s.keys.TouchLastUsed(ctx, key.ID, time.Now().UTC())
	return Principal{APIKeyID: key.ID, TenantID: key.TenantID}, nil
}

// ExtractKey pulls the API key from a request: Authorization bearer,
// x-api-key header, or api_key query parameter, in that order.
func ExtractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}
