package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

func TestDeactivateExpired_LeavesRenewedRecordActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Store(ctx, StoreRequest{
		ProviderID: "google-1",
		AuthType:   schema.AuthTypeOAuth,
		Bundle:     schema.Bundle{AccessToken: accessToken},
		Metadata:   map[string]any{"expires_in": 30},
	}))
	h.clock.Advance(time.Minute)

	// A refresh lands between the expiry scan and the bulk update.
	h.store.afterFindExpired = func() {
		h.store.setExpiry("google-1", h.clock.Now().Add(time.Hour))
	}

	n, err := h.svc.DeactivateExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.store.record("google-1").Active)
}

func TestUpdate_PersistFailureKeepsCacheAndIsOpaque(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.storeAPIKey(t, "openai-1", openAIKey)
	_, err := h.svc.Get(ctx, "openai-1", "")
	require.NoError(t, err)

	h.store.failOn("Upsert", errors.New("disk I/O error"))
	replacement := "sk-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	err = h.svc.Update(ctx, UpdateRequest{
		ProviderID: "openai-1",
		Partial:    schema.Bundle{APIKey: replacement},
		ActorID:    "tester",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.ErrorCode(err))
	assert.NotContains(t, err.Error(), replacement)
	assert.NotContains(t, err.Error(), openAIKey)
	assert.NotContains(t, err.Error(), "disk I/O")

	failed := h.audit.find(schema.AuditWrite, false)
	require.Len(t, failed, 1)
	assert.Equal(t, "tester", failed[0].ActorID)
	assert.Contains(t, failed[0].Metadata["error"], "disk I/O error")

	// The durable write never happened, so the cached bundle is still right.
	e, ok := h.svc.cache.Get("openai-1")
	require.True(t, ok)
	assert.Equal(t, openAIKey, e.Bundle.APIKey)
	assert.Equal(t, int64(1), h.store.record("openai-1").Revision)
}

func TestStore_PersistFailureCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.store.failOn("Upsert", errors.New("database is locked"))
	events := h.subscribe(t, schema.EventCredentialsStored)

	err := h.svc.Store(context.Background(), StoreRequest{
		ProviderID: "openai-1",
		AuthType:   schema.AuthTypeAPIKey,
		Bundle:     schema.Bundle{APIKey: openAIKey},
	})
	assert.Equal(t, schema.ErrCodeInternal, schema.ErrorCode(err))
	assert.NotContains(t, err.Error(), openAIKey)
	assert.Nil(t, h.store.record("openai-1"))
	assert.Len(t, h.audit.find(schema.AuditWrite, false), 1)

	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDelete_StoreFailureKeepsRecordAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.storeAPIKey(t, "openai-1", openAIKey)
	_, err := h.svc.Get(ctx, "openai-1", "")
	require.NoError(t, err)

	h.store.failOn("UpdateActiveFlag", errors.New("disk I/O error"))
	err = h.svc.Delete(ctx, "openai-1", "tester")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.ErrorCode(err))
	assert.NotContains(t, err.Error(), "disk I/O")

	failed := h.audit.find(schema.AuditDelete, false)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Metadata["error"], "disk I/O error")
	assert.Empty(t, h.audit.find(schema.AuditDelete, true))

	assert.True(t, h.store.record("openai-1").Active)
	_, ok := h.svc.cache.Get("openai-1")
	assert.True(t, ok)
}

func TestGet_StoreFailureIsOpaque(t *testing.T) {
	h := newHarness(t)
	h.storeAPIKey(t, "openai-1", openAIKey)
	h.store.failOn("FindByProviderID", errors.New("connection reset by peer"))

	got, err := h.svc.Get(context.Background(), "openai-1", "reader")
	assert.Nil(t, got)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.ErrorCode(err))
	assert.False(t, schema.IsNotFound(err))
	assert.NotContains(t, err.Error(), "connection reset")
	assert.NotContains(t, err.Error(), openAIKey)

	failed := h.audit.find(schema.AuditRead, false)
	require.Len(t, failed, 1)
	assert.Equal(t, "reader", failed[0].ActorID)
	assert.Contains(t, failed[0].Metadata["error"], "connection reset by peer")
	assert.Zero(t, h.svc.cache.Len())
}
