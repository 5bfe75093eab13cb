package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testRecord(providerID string) *CredentialRecord {
	return &CredentialRecord{
		ProviderID:   providerID,
		ProviderType: schema.ParseProviderType(providerID),
		AuthType:     schema.AuthTypeAPIKey,
		Encrypted: schema.EncryptedBundle{
			Ciphertext: []byte("ciphertext-" + providerID),
			IV:         []byte("0123456789ab"),
			Tag:        []byte("0123456789abcdef"),
			KeyVersion: 1,
		},
	}
}

func seedRecord(t *testing.T, s *LibSQLStore, providerID string) *CredentialRecord {
	t.Helper()
	rec := testRecord(providerID)
	require.NoError(t, s.Upsert(context.Background(), rec))
	return rec
}

func ptrTime(t time.Time) *time.Time { return &t }

// --- Credential Tests ---

func TestUpsertAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedRecord(t, s, "openai-1")
	assert.Equal(t, int64(1), rec.Revision)
	assert.True(t, rec.Active)

	got, err := s.FindByProviderID(ctx, "openai-1")
	require.NoError(t, err)
	assert.Equal(t, "openai-1", got.ProviderID)
	assert.Equal(t, schema.ProviderOpenAI, got.ProviderType)
	assert.Equal(t, schema.AuthTypeAPIKey, got.AuthType)
	assert.Equal(t, rec.Encrypted, got.Encrypted)
	assert.Nil(t, got.ExpiresAt)
	assert.True(t, got.Active)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpsert_SingleRecordPerProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "anthropic-1")
	created, err := s.FindByProviderID(ctx, "anthropic-1")
	require.NoError(t, err)

	second := testRecord("anthropic-1")
	second.Encrypted.Ciphertext = []byte("replaced")
	second.Encrypted.KeyVersion = 2
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	second.ExpiresAt = &expires
	require.NoError(t, s.Upsert(ctx, second))
	assert.Equal(t, int64(2), second.Revision)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []byte("replaced"), active[0].Encrypted.Ciphertext)
	assert.Equal(t, 2, active[0].Encrypted.KeyVersion)
	require.NotNil(t, active[0].ExpiresAt)
	assert.True(t, expires.Equal(*active[0].ExpiresAt))
	assert.Equal(t, created.CreatedAt, active[0].CreatedAt)
}

func TestUpsert_Reactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "groq-1")
	require.NoError(t, s.UpdateActiveFlag(ctx, "groq-1", false))

	got, err := s.FindByProviderID(ctx, "groq-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	seedRecord(t, s, "groq-1")
	got, err = s.FindByProviderID(ctx, "groq-1")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestFindByProviderID_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindByProviderID(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestUpdateActiveFlag_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateActiveFlag(context.Background(), "missing", false)
	assert.True(t, schema.IsNotFound(err))
}

func TestFindManyExpiredActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := testRecord("expired-1")
	past.ExpiresAt = ptrTime(now.Add(-time.Minute))
	require.NoError(t, s.Upsert(ctx, past))

	future := testRecord("future-1")
	future.ExpiresAt = ptrTime(now.Add(time.Hour))
	require.NoError(t, s.Upsert(ctx, future))

	seedRecord(t, s, "no-expiry")

	inactive := testRecord("expired-inactive")
	inactive.ExpiresAt = ptrTime(now.Add(-time.Hour))
	require.NoError(t, s.Upsert(ctx, inactive))
	require.NoError(t, s.UpdateActiveFlag(ctx, "expired-inactive", false))

	expired, err := s.FindManyExpiredActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired-1", expired[0].ProviderID)
}

func expiringRecord(providerID string, expiresAt time.Time) *CredentialRecord {
	rec := testRecord(providerID)
	rec.ExpiresAt = ptrTime(expiresAt)
	return rec
}

func TestDeactivateMany(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, expiringRecord("a", now.Add(-time.Minute))))
	require.NoError(t, s.Upsert(ctx, expiringRecord("b", now.Add(-time.Minute))))
	require.NoError(t, s.Upsert(ctx, expiringRecord("c", now.Add(-time.Minute))))

	n, err := s.DeactivateMany(ctx, []string{"a", "b", "missing"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].ProviderID)

	// Already inactive rows are not counted twice.
	n, err = s.DeactivateMany(ctx, []string{"a"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.DeactivateMany(ctx, nil, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeactivateMany_SkipsRenewedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, expiringRecord("openai-1", now.Add(-time.Minute))))
	seedRecord(t, s, "no-expiry")

	expired, err := s.FindManyExpiredActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// Renewed between selection and deactivation.
	require.NoError(t, s.Upsert(ctx, expiringRecord("openai-1", now.Add(time.Hour))))

	n, err := s.DeactivateMany(ctx, []string{"openai-1", "no-expiry"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.FindByProviderID(ctx, "openai-1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	got, err = s.FindByProviderID(ctx, "no-expiry")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestRotationLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireRotationLock(ctx, "node-a", time.Minute))

	err := s.AcquireRotationLock(ctx, "node-b", time.Minute)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	// Releasing someone else's lease is a no-op.
	require.NoError(t, s.ReleaseRotationLock(ctx, "node-b"))
	err = s.AcquireRotationLock(ctx, "node-b", time.Minute)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	require.NoError(t, s.ReleaseRotationLock(ctx, "node-a"))
	require.NoError(t, s.AcquireRotationLock(ctx, "node-b", time.Minute))
}

func TestRotationLock_ExpiredLeaseCanBeTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	require.NoError(t, s.AcquireRotationLock(ctx, "node-a", time.Minute))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, s.AcquireRotationLock(ctx, "node-b", time.Minute))

	err := s.AcquireRotationLock(ctx, "node-a", time.Minute)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestCompareAndSwapEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedRecord(t, s, "mistral-1")

	swapped := schema.EncryptedBundle{
		Ciphertext: []byte("rotated"),
		IV:         []byte("ba9876543210"),
		Tag:        []byte("fedcba9876543210"),
		KeyVersion: 2,
	}
	require.NoError(t, s.CompareAndSwapEncrypted(ctx, "mistral-1", rec.Revision, swapped))

	got, err := s.FindByProviderID(ctx, "mistral-1")
	require.NoError(t, err)
	assert.Equal(t, swapped, got.Encrypted)
	assert.Equal(t, rec.Revision+1, got.Revision)

	// Stale revision loses.
	err = s.CompareAndSwapEncrypted(ctx, "mistral-1", rec.Revision, swapped)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = s.CompareAndSwapEncrypted(ctx, "missing", 1, swapped)
	assert.True(t, schema.IsNotFound(err))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	version, err := schemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRecord(t, s, "openai-1")
	require.NoError(t, s.Vacuum(ctx))

	_, err := s.FindByProviderID(ctx, "openai-1")
	require.NoError(t, err)
}

// --- Audit Tests ---

func TestAppendAndListAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	entries := []*schema.AuditEntry{
		{ID: uuid.NewString(), Timestamp: base.Add(-2 * time.Minute), ProviderID: "openai-1", Action: schema.AuditWrite, ActorID: "alice", Success: true},
		{ID: uuid.NewString(), Timestamp: base.Add(-time.Minute), ProviderID: "openai-1", Action: schema.AuditRead, ActorID: "bob", Success: false, Metadata: map[string]any{"error": "expired"}},
		{ID: uuid.NewString(), Timestamp: base, ProviderID: "cohere-1", Action: schema.AuditDelete, ActorID: "alice", Success: true},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	all, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cohere-1", all[0].ProviderID, "newest first")

	byProvider, err := s.ListAudit(ctx, AuditFilter{ProviderID: "openai-1"})
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, schema.AuditRead, byProvider[0].Action)
	assert.False(t, byProvider[0].Success)
	assert.Equal(t, "expired", byProvider[0].Metadata["error"])

	byActor, err := s.ListAudit(ctx, AuditFilter{ActorID: "alice", Action: schema.AuditDelete})
	require.NoError(t, err)
	require.Len(t, byActor, 1)

	since := base.Add(-90 * time.Second)
	recent, err := s.ListAudit(ctx, AuditFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "cohere-1", recent[0].ProviderID)
}

// --- Failure paths ---

func newMockStore(t *testing.T) (*LibSQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLibSQLStoreFromDB(db), mock
}

func TestUpsert_DatabaseFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO credentials").WillReturnError(errors.New("disk full"))

	err := s.Upsert(context.Background(), testRecord("openai-1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.NotContains(t, err.Error(), "ciphertext")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit_DatabaseFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(errors.New("locked"))

	err := s.AppendAudit(context.Background(), &schema.AuditEntry{ID: "1", ProviderID: "p", Action: schema.AuditRead})
	assert.Equal(t, schema.ErrCodeAudit, schema.ErrorCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestSplitStatements_SemicolonInComment(t *testing.T) {
	stmts := splitStatements("-- one; two\nCREATE TABLE a (\n  x INT -- trailing; note\n);\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (\n  x INT \n)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestEmbeddedMigrationsSplitCleanly(t *testing.T) {
	for _, m := range migrations {
		for _, stmt := range splitStatements(m.SQL) {
			assert.NotContains(t, stmt, "--", "migration %d", m.Version)
			upper := strings.ToUpper(stmt)
			assert.True(t, strings.HasPrefix(upper, "CREATE") || strings.HasPrefix(upper, "INSERT"),
				"migration %d has a fragment that is not a statement: %q", m.Version, stmt)
		}
	}
}
