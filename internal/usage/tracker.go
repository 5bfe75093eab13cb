// Package usage keeps rolling per-provider call counters.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/credvault/internal/fastkv"
	"github.com/rendis/credvault/pkg/schema"
)

// Defaults.
const (
	DefaultTTL        = 30 * 24 * time.Hour
	DefaultHealthExpr = `callCount < 10 || successRate >= 50`
)

const (
	fieldCalls    = "calls"
	fieldErrors   = "errors"
	fieldLastUsed = "last_used"
)

// Config configures a Tracker.
type Config struct {
	TTL time.Duration
	// HealthExpr is an expr-lang boolean over callCount, errorCount,
	// successRate (percent) and idleSeconds.
	HealthExpr string
	Now        func() time.Time
}

// healthEnv is the environment HealthExpr is compiled against.
type healthEnv struct {
	CallCount   int64   `expr:"callCount"`
	ErrorCount  int64   `expr:"errorCount"`
	SuccessRate float64 `expr:"successRate"`
	IdleSeconds float64 `expr:"idleSeconds"`
}

// Tracker records provider calls in the fast store.
type Tracker struct {
	kv     fastkv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	health *vm.Program
}

// New creates a Tracker. It fails if the health expression does not compile
// to a boolean.
func New(cfg Config, kv fastkv.Store, logger *slog.Logger) (*Tracker, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HealthExpr == "" {
		cfg.HealthExpr = DefaultHealthExpr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	prg, err := expr.Compile(cfg.HealthExpr, expr.Env(healthEnv{}), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"usage health expression %q: %s", cfg.HealthExpr, err.Error()).WithCause(err)
	}
	return &Tracker{
		kv:     kv,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		logger: logger.With(slog.String("component", "usage")),
		health: prg,
	}, nil
}

// RecordUsage counts one call for providerID in a single atomic write and
// refreshes the rolling TTL. Failures are logged, never returned.
func (t *Tracker) RecordUsage(ctx context.Context, providerID string, success bool) {
	counters := map[string]int64{fieldCalls: 1}
	if !success {
		counters[fieldErrors] = 1
	}
	fields := map[string]string{fieldLastUsed: t.now().UTC().Format(time.RFC3339Nano)}
	if err := t.kv.Incr(ctx, usageKey(providerID), counters, fields, t.ttl); err != nil {
		t.logger.WarnContext(ctx, "record usage failed",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()),
		)
	}
}

// GetUsage returns the counters for providerID. Success rate is a percentage
// and is 100 when no calls were recorded.
func (t *Tracker) GetUsage(ctx context.Context, providerID string) (schema.UsageStats, error) {
	fields, err := t.kv.Fields(ctx, usageKey(providerID))
	if err != nil {
		return schema.UsageStats{}, schema.NewError(schema.ErrCodeInternal, "read usage").
			WithProvider(providerID).
			WithCause(err)
	}
	return statsFromFields(fields)
}

// Report returns providerID's stats together with the health verdict. An
// expression that fails at run time reports healthy.
func (t *Tracker) Report(ctx context.Context, providerID string) (schema.UsageReport, error) {
	stats, err := t.GetUsage(ctx, providerID)
	if err != nil {
		return schema.UsageReport{}, err
	}
	return schema.UsageReport{UsageStats: stats, Healthy: t.healthy(ctx, providerID, stats)}, nil
}

func (t *Tracker) healthy(ctx context.Context, providerID string, stats schema.UsageStats) bool {
	env := healthEnv{
		CallCount:   stats.CallCount,
		ErrorCount:  stats.ErrorCount,
		SuccessRate: stats.SuccessRate,
	}
	if stats.LastUsed != nil {
		env.IdleSeconds = t.now().Sub(*stats.LastUsed).Seconds()
	}
	out, err := vm.Run(t.health, env)
	if err != nil {
		t.logger.WarnContext(ctx, "usage health expression failed",
			slog.String("provider_id", providerID), slog.String("error", err.Error()))
		return true
	}
	healthy, _ := out.(bool)
	return healthy
}

func statsFromFields(fields map[string]string) (schema.UsageStats, error) {
	var stats schema.UsageStats
	var err error
	if v, ok := fields[fieldCalls]; ok {
		if stats.CallCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return schema.UsageStats{}, fmt.Errorf("parse %s: %w", fieldCalls, err)
		}
	}
	if v, ok := fields[fieldErrors]; ok {
		if stats.ErrorCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return schema.UsageStats{}, fmt.Errorf("parse %s: %w", fieldErrors, err)
		}
	}
	if v, ok := fields[fieldLastUsed]; ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return schema.UsageStats{}, fmt.Errorf("parse %s: %w", fieldLastUsed, err)
		}
		stats.LastUsed = &ts
	}
	stats.SuccessRate = successRate(stats.CallCount, stats.ErrorCount)
	return stats, nil
}

func successRate(calls, errs int64) float64 {
	if calls <= 0 {
		return 100
	}
	rate := float64(calls-errs) / float64(calls) * 100
	return math.Round(rate*100) / 100
}

func usageKey(providerID string) string { return "usage:" + providerID }
