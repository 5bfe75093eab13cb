// Package audit records every credential access and mutation without ever
// blocking or failing the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/credvault/internal/fastkv"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// Defaults.
const (
	DefaultQueueSize      = 1024
	DefaultFastTTL        = 24 * time.Hour
	DefaultFastMaxEntries = 1000
	writeTimeout          = 5 * time.Second
)

// Config configures an Auditor.
type Config struct {
	QueueSize      int
	FastTTL        time.Duration
	FastMaxEntries int
	Now            func() time.Time
}

// Auditor queues audit entries and writes them to a short-retention fast
// store and a durable store from a single background worker.
type Auditor struct {
	cfg     Config
	fast    fastkv.Store
	durable store.AuditStore
	logger  *slog.Logger

	queue chan schema.AuditEntry
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New creates an Auditor. fast or durable may be nil to disable that sink.
func New(cfg Config, fast fastkv.Store, durable store.AuditStore, logger *slog.Logger) *Auditor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FastTTL <= 0 {
		cfg.FastTTL = DefaultFastTTL
	}
	if cfg.FastMaxEntries <= 0 {
		cfg.FastMaxEntries = DefaultFastMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		cfg:     cfg,
		fast:    fast,
		durable: durable,
		logger:  logger.With(slog.String("component", "auditor")),
		queue:   make(chan schema.AuditEntry, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine. Writes use a context detached from
// ctx's cancellation so the queue can still drain during shutdown.
func (a *Auditor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	go a.run(context.WithoutCancel(ctx))
}

// Close stops accepting entries and waits for queued ones to be written.
func (a *Auditor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	started := a.started
	a.mu.Unlock()

	if started {
		<-a.done
		return
	}
	a.run(context.Background())
}

// Record enqueues entry. It never blocks and never returns an error: a full
// queue drops the entry with a warning.
func (a *Auditor) Record(ctx context.Context, entry schema.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.cfg.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ctx, entry, "auditor closed")
		return
	}
	select {
	case a.queue <- entry:
	default:
		a.drop(ctx, entry, "audit queue full")
	}
}

// Recent returns up to n of the newest entries for providerID from the fast
// store, or from the durable store when no fast store is configured.
func (a *Auditor) Recent(ctx context.Context, providerID string, n int) ([]schema.AuditEntry, error) {
	if a.fast == nil {
		if a.durable == nil {
			return nil, nil
		}
		rows, err := a.durable.ListAudit(ctx, store.AuditFilter{ProviderID: providerID, Limit: n})
		if err != nil {
			return nil, err
		}
		out := make([]schema.AuditEntry, len(rows))
		for i, r := range rows {
			out[i] = *r
		}
		return out, nil
	}

	raw, err := a.fast.Range(ctx, fastKey(providerID), n)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAudit, "read recent audit entries").
			WithProvider(providerID).
			WithCause(err)
	}
	out := make([]schema.AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e schema.AuditEntry
		if err := json.Unmarshal(r, &e); err != nil {
			a.logger.WarnContext(ctx, "skipping undecodable audit entry",
				slog.String("provider_id", providerID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Dropped returns how many entries were discarded because the queue was full
// or the auditor closed.
func (a *Auditor) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many sink writes failed.
func (a *Auditor) Failed() uint64 { return a.failed.Load() }

func (a *Auditor) run(ctx context.Context) {
	defer close(a.done)
	for entry := range a.queue {
		a.write(ctx, entry)
	}
}

func (a *Auditor) write(ctx context.Context, entry schema.AuditEntry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if a.fast != nil {
		if err := a.writeFast(ctx, entry); err != nil {
			a.fail(ctx, entry, "fast", err)
		}
	}
	if a.durable != nil {
		if err := a.durable.AppendAudit(ctx, &entry); err != nil {
			a.fail(ctx, entry, "durable", err)
		}
	}
}

func (a *Auditor) writeFast(ctx context.Context, entry schema.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return a.fast.Append(ctx, fastKey(entry.ProviderID), raw, a.cfg.FastMaxEntries, a.cfg.FastTTL)
}

func (a *Auditor) fail(ctx context.Context, entry schema.AuditEntry, sink string, err error) {
	a.failed.Add(1)
	auditErr := schema.NewError(schema.ErrCodeAudit, "audit write failed").
		WithProvider(entry.ProviderID).
		WithCause(err)
	a.logger.ErrorContext(ctx, auditErr.Error(),
		slog.String("sink", sink),
		slog.String("audit_id", entry.ID),
		slog.String("action", string(entry.Action)),
		slog.String("error", err.Error()),
	)
}

func (a *Auditor) drop(ctx context.Context, entry schema.AuditEntry, reason string) {
	a.dropped.Add(1)
	a.logger.WarnContext(ctx, "audit entry dropped",
		slog.String("reason", reason),
		slog.String("provider_id", entry.ProviderID),
		slog.String("action", string(entry.Action)),
	)
}

func fastKey(providerID string) string { return "audit:" + providerID }
