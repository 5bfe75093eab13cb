package vault

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// rotationTarget is the provider id recorded for vault-wide audit entries.
const rotationTarget = "*"

// rotationLease bounds how long a crashed rotation can block the next one.
const rotationLease = 15 * time.Minute

// Rotate derives a new master key from newMasterSecret and re-encrypts every
// active record under it. Records fail independently; the batch always runs
// to the end. Old key versions stay in the keyring so records that failed
// remain readable. A second rotation, in this process or in another one
// sharing the store, fails with CONFLICT.
func (s *Service) Rotate(ctx context.Context, newMasterSecret, actorID string) (schema.RotationResult, error) {
	if !s.rotating.TryLock() {
		return schema.RotationResult{}, schema.NewError(schema.ErrCodeConflict, "a key rotation is already running")
	}
	defer s.rotating.Unlock()

	logger := logging.LogWith(ctx, s.logger)
	failed := func(err error) {
		s.record(ctx, rotationTarget, schema.AuditRotate, actorID, false, map[string]any{"error": err.Error()})
	}

	holder := uuid.NewString()
	if err := s.store.AcquireRotationLock(ctx, holder, rotationLease); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return schema.RotationResult{}, schema.NewError(schema.ErrCodeConflict, "a key rotation is already running")
		}
		failed(err)
		return schema.RotationResult{}, internalErr("", "key rotation failed", err)
	}
	defer func() {
		if err := s.store.ReleaseRotationLock(context.WithoutCancel(ctx), holder); err != nil {
			logger.WarnContext(ctx, "releasing rotation lock failed", slog.String("error", err.Error()))
		}
	}()

	key, err := secrets.DeriveKey(newMasterSecret, s.salt, s.kdf)
	if err != nil {
		failed(err)
		return schema.RotationResult{}, err
	}

	base := s.cipher.Keyring()
	target := base.Current() + 1
	staged, err := base.With(target, key)
	clear(key)
	if err != nil {
		failed(err)
		return schema.RotationResult{}, err
	}

	recs, err := s.store.ListActive(ctx)
	if err != nil {
		failed(err)
		logger.ErrorContext(ctx, "listing credentials for rotation failed", slog.String("error", err.Error()))
		return schema.RotationResult{}, internalErr("", "key rotation failed", err)
	}

	done, err := alreadyRotated(recs, staged, target)
	if err != nil {
		failed(err)
		logger.ErrorContext(ctx, "key rotation refused", slog.String("error", err.Error()))
		return schema.RotationResult{}, err
	}

	// Stage the new key so EncryptWithVersion can use it while new writes
	// keep using the current version.
	s.cipher.SwapKeyring(staged)

	result := schema.RotationResult{KeyVersion: target}
	fail := func(providerID, reason string) {
		result.FailedCount++
		result.Errors = append(result.Errors, schema.RotationFailure{ProviderID: providerID, Reason: reason})
		logger.WarnContext(ctx, "credential rotation failed",
			slog.String("provider_id", providerID),
			slog.String("reason", reason),
		)
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			fail(rec.ProviderID, "rotation cancelled")
			continue
		}
		if done[rec.ProviderID] {
			result.SkippedCount++
			continue
		}
		b, err := s.cipher.Decrypt(rec.ProviderID, rec.Encrypted)
		if err != nil {
			fail(rec.ProviderID, "decrypt failed: "+err.Error())
			continue
		}
		enc, err := s.cipher.EncryptWithVersion(rec.ProviderID, b, target)
		if err != nil {
			fail(rec.ProviderID, "encrypt failed: "+err.Error())
			continue
		}
		if err := s.store.CompareAndSwapEncrypted(ctx, rec.ProviderID, rec.Revision, enc); err != nil {
			switch {
			case schema.IsCode(err, schema.ErrCodeConflict):
				fail(rec.ProviderID, "modified during rotation")
			case schema.IsNotFound(err):
				fail(rec.ProviderID, "removed during rotation")
			default:
				fail(rec.ProviderID, "store update failed")
			}
			continue
		}
		result.RotatedCount++
	}

	promoted, err := s.cipher.Keyring().Promote(target)
	if err != nil {
		return result, err
	}
	s.cipher.SwapKeyring(promoted)
	s.cache.Clear()

	result.Success = result.FailedCount == 0
	s.record(ctx, rotationTarget, schema.AuditRotate, actorID, result.Success, map[string]any{
		"key_version": target,
		"rotated":     result.RotatedCount,
		"failed":      result.FailedCount,
		"skipped":     result.SkippedCount,
	})
	s.publish(ctx, schema.EventCredentialsRotated, rotationTarget, actorID, map[string]any{
		"key_version": target,
		"rotated":     result.RotatedCount,
		"failed":      result.FailedCount,
	})
	logger.InfoContext(ctx, "key rotation finished",
		slog.Int("key_version", target),
		slog.Int("rotated", result.RotatedCount),
		slog.Int("failed", result.FailedCount),
		slog.Int("skipped", result.SkippedCount),
	)
	return result, nil
}

// alreadyRotated returns the records that are already sealed under the staged
// target key, for instance after an interrupted rotation with the same secret.
// A record at the target version or newer that the staged key cannot open was
// written by a rotation this process never saw, so rotating would mix two
// master keys under one version; that is reported as CONFLICT.
func alreadyRotated(recs []*store.CredentialRecord, staged *secrets.Keyring, target int) (map[string]bool, error) {
	trial := secrets.NewCipher(staged)
	done := make(map[string]bool)
	for _, rec := range recs {
		version := rec.Encrypted.KeyVersion
		if version < target {
			continue
		}
		if version == target {
			if _, err := trial.Decrypt(rec.ProviderID, rec.Encrypted); err == nil {
				done[rec.ProviderID] = true
				continue
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"stored credentials use key version %d from a different master key; restart with the current master secret before rotating", version).
			WithProvider(rec.ProviderID)
	}
	return done, nil
}
