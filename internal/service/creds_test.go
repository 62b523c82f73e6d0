package service

import (
	"errors"
	"testing"

	"github.com/runforge/runforge/internal/domain"
)

func TestConnectorTokenDecryptsOnce(t *testing.T) {
	store := newFakeStore()
	sealer := newTestSealer(t)
	sealConnector(t, store, sealer, "conn-1", "ghp_token")
	c := newFakeCache()
	svc := NewCredentialService(store, sealer, c)

	for i := 0; i < 3; i++ {
		tok, err := svc.ConnectorToken(testCtx(), "conn-1")
		if err != nil {
			t.Fatalf("ConnectorToken: %v", err)
		}
		if tok != "ghp_token" {
			t.Fatalf("token = %q", tok)
		}
	}
	// One store row, one sealed blob: after the first call everything is a
	// cache hit.
	key := "connector-token:" + testTenant + ":conn-1"
	if c.gets[key] != 3 {
		t.Fatalf("cache lookups = %d", c.gets[key])
	}
	if len(c.data) != 1 {
		t.Fatalf("cache entries = %d", len(c.data))
	}
}

func TestConnectorTokenUnknownConnector(t *testing.T) {
	svc := NewCredentialService(newFakeStore(), newTestSealer(t), newFakeCache())
	if _, err := svc.ConnectorToken(testCtx(), "conn-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConnectorTokenBadCiphertext(t *testing.T) {
	store := newFakeStore()
	sealer := newTestSealer(t)
	other := newTestSealerKey(t, "cd")
	sealConnector(t, store, other, "conn-1", "ghp_token")
	svc := NewCredentialService(store, sealer, newFakeCache())

	if _, err := svc.ConnectorToken(testCtx(), "conn-1"); err == nil {
		t.Fatal("expected open failure for foreign ciphertext")
	}
}
