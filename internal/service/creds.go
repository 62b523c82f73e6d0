package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/cache"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/secrets"
)

const connectorTokenTTL = 5 * time.Minute

// CredentialService unseals connector credentials at point of use, caching
// briefly so a burst of calls for one connector decrypts once. Concurrent
// misses for the same connector coalesce into a single decryption.
type CredentialService struct {
	store  database.Store
	sealer *secrets.Sealer
	cache  cache.Cache
	group  singleflight.Group
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(store database.Store, sealer *secrets.Sealer, c cache.Cache) *CredentialService {
	return &CredentialService{store: store, sealer: sealer, cache: c}
}

// ConnectorToken returns the decrypted credential for a connector.
func (s *CredentialService) ConnectorToken(ctx context.Context, connectorID string) (string, error) {
	key := "connector-token:" + middleware.TenantIDFromContext(ctx) + ":" + connectorID
	if data, ok, _ := s.cache.Get(ctx, key); ok {
		return string(data), nil
	}

	token, err, _ := s.group.Do(key, func() (any, error) {
		conn, err := s.store.GetConnector(ctx, connectorID)
		if err != nil {
			return "", err
		}
		plain, err := s.sealer.Open(conn.SealedToken)
		if err != nil {
			return "", fmt.Errorf("open connector %s credential: %w", connectorID, err)
		}
		_ = s.cache.Set(ctx, key, plain, connectorTokenTTL)
		return string(plain), nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
