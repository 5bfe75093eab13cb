package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/credvault/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/vault.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return NewLibSQLStoreFromDB(db), nil
}

// NewLibSQLStoreFromDB wraps an already opened database handle.
func NewLibSQLStoreFromDB(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return storeErr("vacuum", err)
	}
	return nil
}

// --- Rotation lock ---

// AcquireRotationLock claims the rotation lease for holder until lease elapses.
// Returns CONFLICT while another holder owns an unexpired lease.
func (s *LibSQLStore) AcquireRotationLock(ctx context.Context, holder string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_lock SET holder = ?, expires_at = ?
		 WHERE id = 1 AND (holder IS NULL OR holder = ? OR expires_at <= ?)`,
		holder, toMillis(now.Add(lease)), holder, toMillis(now),
	)
	if err != nil {
		return storeErr("acquire rotation lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("acquire rotation lock", err)
	}
	if n == 0 {
		return schema.NewError(schema.ErrCodeConflict, "rotation already in progress")
	}
	return nil
}

// ReleaseRotationLock frees the lease if holder still owns it.
func (s *LibSQLStore) ReleaseRotationLock(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE rotation_lock SET holder = NULL, expires_at = 0 WHERE id = 1 AND holder = ?`,
		holder,
	); err != nil {
		return storeErr("release rotation lock", err)
	}
	return nil
}

// --- Credentials ---

const credentialColumns = `provider_id, provider_type, auth_type, ciphertext, iv, tag, key_version, expires_at, active, revision, created_at, updated_at`

func (s *LibSQLStore) FindByProviderID(ctx context.Context, providerID string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE provider_id = ?`, providerID)
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("credentials", providerID)
	}
	if err != nil {
		return nil, storeErr("find credentials", err).WithProvider(providerID)
	}
	return rec, nil
}

func (s *LibSQLStore) Upsert(ctx context.Context, rec *CredentialRecord) error {
	now := s.now()
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
			provider_type = excluded.provider_type,
			auth_type = excluded.auth_type,
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			tag = excluded.tag,
			key_version = excluded.key_version,
			expires_at = excluded.expires_at,
			active = 1,
			revision = credentials.revision + 1,
			updated_at = excluded.updated_at
		 RETURNING revision`,
		rec.ProviderID, string(rec.ProviderType), string(rec.AuthType),
		rec.Encrypted.Ciphertext, rec.Encrypted.IV, rec.Encrypted.Tag, rec.Encrypted.KeyVersion,
		nullMillis(rec.ExpiresAt), toMillis(now), toMillis(now),
	).Scan(&revision)
	if err != nil {
		return storeErr("upsert credentials", err).WithProvider(rec.ProviderID)
	}
	rec.Revision = revision
	rec.Active = true
	rec.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) UpdateActiveFlag(ctx context.Context, providerID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = ?, updated_at = ? WHERE provider_id = ?`,
		boolInt(active), toMillis(s.now()), providerID,
	)
	if err != nil {
		return storeErr("update active flag", err).WithProvider(providerID)
	}
	return checkRowsAffected(res, "credentials", providerID)
}

func (s *LibSQLStore) FindManyExpiredActive(ctx context.Context, now time.Time) ([]*CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY provider_id`, toMillis(now))
	if err != nil {
		return nil, storeErr("find expired credentials", err)
	}
	return scanCredentials(rows)
}

// DeactivateMany clears the active flag of the listed records that are still
// expired at now. Records renewed after they were selected are left alone.
func (s *LibSQLStore) DeactivateMany(ctx context.Context, providerIDs []string, now time.Time) (int64, error) {
	if len(providerIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(providerIDs)), ",")
	args := make([]any, 0, len(providerIDs)+2)
	args = append(args, toMillis(s.now()), toMillis(now))
	for _, id := range providerIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = 0, updated_at = ?
		 WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
		 AND provider_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, storeErr("deactivate credentials", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("deactivate credentials", err)
	}
	return n, nil
}

func (s *LibSQLStore) ListActive(ctx context.Context) ([]*CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE active = 1 ORDER BY provider_id`)
	if err != nil {
		return nil, storeErr("list credentials", err)
	}
	return scanCredentials(rows)
}

func (s *LibSQLStore) CompareAndSwapEncrypted(ctx context.Context, providerID string, expectedRevision int64, enc schema.EncryptedBundle) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials
		 SET ciphertext = ?, iv = ?, tag = ?, key_version = ?, revision = revision + 1, updated_at = ?
		 WHERE provider_id = ? AND revision = ?`,
		enc.Ciphertext, enc.IV, enc.Tag, enc.KeyVersion, toMillis(s.now()),
		providerID, expectedRevision,
	)
	if err != nil {
		return storeErr("swap encrypted bundle", err).WithProvider(providerID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("swap encrypted bundle", err).WithProvider(providerID)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.FindByProviderID(ctx, providerID); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "revision %d is stale", expectedRevision).
		WithProvider(providerID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*CredentialRecord, error) {
	rec := &CredentialRecord{}
	var (
		providerType, authType string
		expiresAt              sql.NullInt64
		active                 int
		createdAt, updatedAt   int64
	)
	err := row.Scan(&rec.ProviderID, &providerType, &authType,
		&rec.Encrypted.Ciphertext, &rec.Encrypted.IV, &rec.Encrypted.Tag, &rec.Encrypted.KeyVersion,
		&expiresAt, &active, &rec.Revision, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.ProviderType = schema.ProviderType(providerType)
	rec.AuthType = schema.AuthType(authType)
	rec.ExpiresAt = fromNullMillis(expiresAt)
	rec.Active = active == 1
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanCredentials(rows *sql.Rows) ([]*CredentialRecord, error) {
	defer rows.Close()
	var recs []*CredentialRecord
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, storeErr("scan credentials", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan credentials", err)
	}
	return recs, nil
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *schema.AuditEntry) error {
	metadata, err := marshalMapOrNil(entry.Metadata)
	if err != nil {
		return schema.NewError(schema.ErrCodeAudit, "marshal audit metadata").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, timestamp, provider_id, action, actor_id, success, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, toMillis(timeOrNow(entry.Timestamp)), entry.ProviderID, string(entry.Action),
		nullStr(entry.ActorID), boolInt(entry.Success), metadata,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeAudit, "append audit entry").
			WithProvider(entry.ProviderID).
			WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error) {
	query := `SELECT id, timestamp, provider_id, action, actor_id, success, metadata FROM audit_log`
	var where []string
	var args []any

	if filter.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(*filter.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	defer rows.Close()

	var entries []*schema.AuditEntry
	for rows.Next() {
		e := &schema.AuditEntry{}
		var (
			ts       int64
			action   string
			actorID  sql.NullString
			success  int
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ProviderID, &action, &actorID, &success, &metadata); err != nil {
			return nil, storeErr("scan audit", err)
		}
		e.Timestamp = fromMillis(ts)
		e.Action = schema.AuditAction(action)
		e.ActorID = actorID.String
		e.Success = success == 1
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, storeErr("unmarshal audit metadata", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list audit", err)
	}
	return entries, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.VaultError {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
