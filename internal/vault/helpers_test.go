package vault

import (
	"context"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/schema"
)

var (
	testSalt = []byte("credvault-test-salt")
	testKDF  = secrets.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
)

const (
	openAIKey   = "sk-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	accessToken = "ya29.A0ARrdaM-Kq81xTz4Pw2LmNb7Vc"
)

// --- in-memory credential store ---

type memStore struct {
	mu          sync.Mutex
	recs        map[string]*store.CredentialRecord
	finds       int
	casConflict map[string]bool
	// failures makes the named operation return the error.
	failures map[string]error
	// afterFindExpired runs once FindManyExpiredActive has released the lock.
	afterFindExpired func()

	lockHolder  string
	lockExpires time.Time
}

func newMemStore() *memStore {
	return &memStore{
		recs:        make(map[string]*store.CredentialRecord),
		casConflict: make(map[string]bool),
		failures:    make(map[string]error),
	}
}

func (m *memStore) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// failure must be called with mu held.
func (m *memStore) failure(op string) error { return m.failures[op] }

func copyRecord(r *store.CredentialRecord) *store.CredentialRecord {
	c := *r
	c.Encrypted.Ciphertext = slices.Clone(r.Encrypted.Ciphertext)
	c.Encrypted.IV = slices.Clone(r.Encrypted.IV)
	c.Encrypted.Tag = slices.Clone(r.Encrypted.Tag)
	return &c
}

func (m *memStore) FindByProviderID(_ context.Context, id string) (*store.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if err := m.failure("FindByProviderID"); err != nil {
		return nil, err
	}
	r, ok := m.recs[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "credentials not found").WithProvider(id)
	}
	return copyRecord(r), nil
}

func (m *memStore) Upsert(_ context.Context, rec *store.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Upsert"); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Active = true
	rec.UpdatedAt = now
	if prev, ok := m.recs[rec.ProviderID]; ok {
		rec.Revision = prev.Revision + 1
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.Revision = 1
		rec.CreatedAt = now
	}
	m.recs[rec.ProviderID] = copyRecord(rec)
	return nil
}

func (m *memStore) UpdateActiveFlag(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateActiveFlag"); err != nil {
		return err
	}
	r, ok := m.recs[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "credentials not found").WithProvider(id)
	}
	r.Active = active
	return nil
}

func (m *memStore) FindManyExpiredActive(_ context.Context, now time.Time) ([]*store.CredentialRecord, error) {
	m.mu.Lock()
	var out []*store.CredentialRecord
	for _, r := range m.recs {
		if r.Active && r.IsExpired(now) {
			out = append(out, copyRecord(r))
		}
	}
	hook := m.afterFindExpired
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) DeactivateMany(_ context.Context, ids []string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if r, ok := m.recs[id]; ok && r.Active && r.IsExpired(now) {
			r.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListActive(_ context.Context) ([]*store.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.CredentialRecord
	for _, r := range m.recs {
		if r.Active {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (m *memStore) CompareAndSwapEncrypted(_ context.Context, id string, rev int64, enc schema.EncryptedBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "credentials not found").WithProvider(id)
	}
	if m.casConflict[id] || r.Revision != rev {
		return schema.NewError(schema.ErrCodeConflict, "stale revision").WithProvider(id)
	}
	r.Encrypted = enc
	r.Revision++
	return nil
}

func (m *memStore) AcquireRotationLock(_ context.Context, holder string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.lockHolder != "" && m.lockHolder != holder && now.Before(m.lockExpires) {
		return schema.NewError(schema.ErrCodeConflict, "rotation already in progress")
	}
	m.lockHolder = holder
	m.lockExpires = now.Add(lease)
	return nil
}

func (m *memStore) ReleaseRotationLock(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHolder == holder {
		m.lockHolder = ""
	}
	return nil
}

func (m *memStore) lockHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockHolder != ""
}

// setExpiry renews a record behind the service's back.
func (m *memStore) setExpiry(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id].ExpiresAt = &at
	m.recs[id].Revision++
}

func (m *memStore) record(id string) *store.CredentialRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		return copyRecord(r)
	}
	return nil
}

func (m *memStore) corrupt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id].Encrypted.Ciphertext[0] ^= 0xFF
}

func (m *memStore) findCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finds
}

// --- audit recorder ---

type auditLog struct {
	mu      sync.Mutex
	entries []schema.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e schema.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditLog) find(action schema.AuditAction, success bool) []schema.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []schema.AuditEntry
	for _, e := range a.entries {
		if e.Action == action && e.Success == success {
			out = append(out, e)
		}
	}
	return out
}

// --- clock ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- harness ---

type harness struct {
	svc   *Service
	store *memStore
	audit *auditLog
	hub   *streaming.MemoryHub
	clock *testClock
}

func newTestCipher(t *testing.T, secret string) *secrets.Cipher {
	t.Helper()
	key, err := secrets.DeriveKey(secret, testSalt, testKDF)
	require.NoError(t, err)
	kr, err := secrets.NewKeyring(1, key)
	require.NoError(t, err)
	return secrets.NewCipher(kr)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, newMemStore())
}

// newHarnessOn builds a service over st, as a second process sharing one
// database would.
func newHarnessOn(t *testing.T, st *memStore) *harness {
	t.Helper()
	v, err := validation.New()
	require.NoError(t, err)

	h := &harness{
		store: st,
		audit: &auditLog{},
		hub:   streaming.NewMemoryHub(),
		clock: &testClock{now: time.Now().UTC()},
	}
	h.svc, err = New(Deps{
		Store:     h.store,
		Cipher:    newTestCipher(t, "initial-master-secret"),
		Validator: v,
		Auditor:   h.audit,
		Events:    h.hub,
		Now:       h.clock.Now,
		Salt:      testSalt,
		KDF:       testKDF,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) storeAPIKey(t *testing.T, id, key string) {
	t.Helper()
	require.NoError(t, h.svc.Store(context.Background(), StoreRequest{
		ProviderID: id,
		AuthType:   schema.AuthTypeAPIKey,
		Bundle:     schema.Bundle{APIKey: key},
		ActorID:    "tester",
	}))
}

func (h *harness) subscribe(t *testing.T, eventTypes ...string) <-chan streaming.Event {
	t.Helper()
	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{EventTypes: eventTypes})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func receive(t *testing.T, ch <-chan streaming.Event) streaming.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return streaming.Event{}
	}
}
