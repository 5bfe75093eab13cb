// Package config loads credvault settings from defaults, an optional YAML
// file and CREDVAULT_* environment variables, in increasing priority, and
// remembers where each value came from.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/credvault/internal/cache"
	"github.com/rendis/credvault/internal/scheduler"
	"github.com/rendis/credvault/internal/secrets"
)

const (
	// DefaultPath is read when no path is given and CREDVAULT_CONFIG is unset.
	// A missing default file is not an error.
	DefaultPath = "credvault.yml"
	envPrefix   = "CREDVAULT_"

	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "environment"
)

// ErrMissingMasterSecret is returned by Load when no master secret is set.
var ErrMissingMasterSecret = errors.New("master_secret is required (set CREDVAULT_MASTER_SECRET)")

// Config holds all credvault settings.
type Config struct {
	MasterSecret string
	KDFSalt      string
	KDF          secrets.KDFParams
	KeyVersion   int
	// RetiredKeys maps older key versions to the secrets they were derived
	// from, so records not yet rotated stay readable.
	RetiredKeys map[int]string

	DBPath         string
	RedisURL       string
	RedisKeyPrefix string

	CacheTTL        time.Duration
	CacheMaxSize    int
	GracePeriod     time.Duration
	CleanupSchedule string
	RefreshTimeout  time.Duration

	AuditQueueSize      int
	AuditFastTTL        time.Duration
	AuditFastMaxEntries int
	UsageTTL            time.Duration
	UsageHealthExpr     string

	LogLevel string

	path    string
	sources map[string]string
}

// Attribute is one setting with its display value and source.
type Attribute struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

type attribute struct {
	name   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var attributes = []attribute{
	{name: "master_secret", secret: true,
		get: func(c *Config) string { return c.MasterSecret },
		set: func(c *Config, v string) error { c.MasterSecret = v; return nil }},
	{name: "kdf_salt",
		get: func(c *Config) string { return c.KDFSalt },
		set: func(c *Config, v string) error { c.KDFSalt = v; return nil }},
	{name: "kdf_time",
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.KDF.Time), 10) },
		set: func(c *Config, v string) error { return setUint32(&c.KDF.Time, v) }},
	{name: "kdf_memory_kib",
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.KDF.MemoryKiB), 10) },
		set: func(c *Config, v string) error { return setUint32(&c.KDF.MemoryKiB, v) }},
	{name: "kdf_threads",
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.KDF.Threads), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return err
			}
			c.KDF.Threads = uint8(n)
			return nil
		}},
	{name: "key_version",
		get: func(c *Config) string { return strconv.Itoa(c.KeyVersion) },
		set: func(c *Config, v string) error { return setInt(&c.KeyVersion, v) }},
	{name: "db_path",
		get: func(c *Config) string { return c.DBPath },
		set: func(c *Config, v string) error { c.DBPath = v; return nil }},
	{name: "redis_url", secret: true,
		get: func(c *Config) string { return c.RedisURL },
		set: func(c *Config, v string) error { c.RedisURL = v; return nil }},
	{name: "redis_key_prefix",
		get: func(c *Config) string { return c.RedisKeyPrefix },
		set: func(c *Config, v string) error { c.RedisKeyPrefix = v; return nil }},
	{name: "cache_ttl",
		get: func(c *Config) string { return c.CacheTTL.String() },
		set: func(c *Config, v string) error { return setDuration(&c.CacheTTL, v) }},
	{name: "cache_max_size",
		get: func(c *Config) string { return strconv.Itoa(c.CacheMaxSize) },
		set: func(c *Config, v string) error { return setInt(&c.CacheMaxSize, v) }},
	{name: "grace_period",
		get: func(c *Config) string { return c.GracePeriod.String() },
		set: func(c *Config, v string) error { return setDuration(&c.GracePeriod, v) }},
	{name: "cleanup_schedule",
		get: func(c *Config) string { return c.CleanupSchedule },
		set: func(c *Config, v string) error { c.CleanupSchedule = v; return nil }},
	{name: "refresh_timeout",
		get: func(c *Config) string { return c.RefreshTimeout.String() },
		set: func(c *Config, v string) error { return setDuration(&c.RefreshTimeout, v) }},
	{name: "audit_queue_size",
		get: func(c *Config) string { return strconv.Itoa(c.AuditQueueSize) },
		set: func(c *Config, v string) error { return setInt(&c.AuditQueueSize, v) }},
	{name: "audit_fast_ttl",
		get: func(c *Config) string { return c.AuditFastTTL.String() },
		set: func(c *Config, v string) error { return setDuration(&c.AuditFastTTL, v) }},
	{name: "audit_fast_max_entries",
		get: func(c *Config) string { return strconv.Itoa(c.AuditFastMaxEntries) },
		set: func(c *Config, v string) error { return setInt(&c.AuditFastMaxEntries, v) }},
	{name: "usage_ttl",
		get: func(c *Config) string { return c.UsageTTL.String() },
		set: func(c *Config, v string) error { return setDuration(&c.UsageTTL, v) }},
	{name: "usage_health_expr",
		get: func(c *Config) string { return c.UsageHealthExpr },
		set: func(c *Config, v string) error { c.UsageHealthExpr = v; return nil }},
	{name: "log_level",
		get: func(c *Config) string { return c.LogLevel },
		set: func(c *Config, v string) error { c.LogLevel = v; return nil }},
}

// Default returns the built-in settings. MasterSecret is empty.
func Default() *Config {
	c := &Config{
		KDFSalt:             "credvault/master-key/v1",
		KDF:                 secrets.DefaultKDFParams(),
		KeyVersion:          1,
		RetiredKeys:         map[int]string{},
		DBPath:              "credvault.db",
		RedisKeyPrefix:      "credvault:",
		CacheTTL:            cache.DefaultTTL,
		GracePeriod:         5 * time.Minute,
		CleanupSchedule:     scheduler.DefaultSchedule,
		RefreshTimeout:      10 * time.Second,
		AuditQueueSize:      1024,
		AuditFastTTL:        24 * time.Hour,
		AuditFastMaxEntries: 1000,
		UsageTTL:            30 * 24 * time.Hour,
		LogLevel:            "info",
		sources:             make(map[string]string, len(attributes)+1),
	}
	for _, a := range attributes {
		c.sources[a.name] = SourceDefault
	}
	c.sources["retired_keys"] = SourceDefault
	return c
}

// Load builds the configuration. path may be empty, in which case
// CREDVAULT_CONFIG or DefaultPath is used. getenv defaults to os.Getenv.
// Load fails when no master secret is configured.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()

	explicit := path != ""
	if !explicit {
		if p := getenv(envPrefix + "CONFIG"); p != "" {
			path, explicit = p, true
		} else {
			path = DefaultPath
		}
	}
	c.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := c.applyFile(data); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := c.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyFile(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	for key, value := range raw {
		if key == "retired_keys" {
			keys, err := parseRetiredKeys(value)
			if err != nil {
				return err
			}
			c.RetiredKeys = keys
			c.sources["retired_keys"] = SourceFile
			continue
		}
		a, ok := lookup(key)
		if !ok {
			return fmt.Errorf("unknown setting %q", key)
		}
		if value == nil {
			continue
		}
		if err := a.set(c, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		c.sources[key] = SourceFile
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	for _, a := range attributes {
		name := envPrefix + strings.ToUpper(a.name)
		v := getenv(name)
		if v == "" {
			continue
		}
		if err := a.set(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		c.sources[a.name] = SourceEnv
	}
	// CREDVAULT_RETIRED_KEYS="1=old-secret,2=older-secret"
	if v := getenv(envPrefix + "RETIRED_KEYS"); v != "" {
		keys := make(map[int]string)
		for _, pair := range strings.Split(v, ",") {
			ver, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
			n, err := strconv.Atoi(ver)
			if !ok || err != nil || secret == "" {
				return fmt.Errorf("invalid %sRETIRED_KEYS entry", envPrefix)
			}
			keys[n] = secret
		}
		c.RetiredKeys = keys
		c.sources["retired_keys"] = SourceEnv
	}
	return nil
}

// Validate checks the settings that must hold before startup.
func (c *Config) Validate() error {
	if c.MasterSecret == "" {
		return ErrMissingMasterSecret
	}
	if c.KeyVersion < 1 {
		return fmt.Errorf("key_version must be positive, got %d", c.KeyVersion)
	}
	if c.KDFSalt == "" {
		return fmt.Errorf("kdf_salt must not be empty")
	}
	for v := range c.RetiredKeys {
		if v < 1 || v >= c.KeyVersion {
			return fmt.Errorf("retired key version %d must be between 1 and %d", v, c.KeyVersion-1)
		}
	}
	if _, err := scheduler.Parser.Parse(c.CleanupSchedule); err != nil {
		return fmt.Errorf("invalid cleanup_schedule: %w", err)
	}
	return nil
}

// Keyring derives the current key and every retired key.
func (c *Config) Keyring() (*secrets.Keyring, error) {
	salt := []byte(c.KDFSalt)
	key, err := secrets.DeriveKey(c.MasterSecret, salt, c.KDF)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	kr, err := secrets.NewKeyring(c.KeyVersion, key)
	if err != nil {
		return nil, err
	}
	for _, v := range slices.Sorted(maps.Keys(c.RetiredKeys)) {
		old, err := secrets.DeriveKey(c.RetiredKeys[v], salt, c.KDF)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", v, err)
		}
		kr, err = kr.With(v, old)
		clear(old)
		if err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// Path returns the config file path that was consulted.
func (c *Config) Path() string { return c.path }

// Source returns where name's value came from.
func (c *Config) Source(name string) string {
	if s, ok := c.sources[name]; ok {
		return s
	}
	return ""
}

// Attributes lists every setting with its source. Secret values are masked.
func (c *Config) Attributes() []Attribute {
	out := make([]Attribute, 0, len(attributes)+1)
	for _, a := range attributes {
		v := a.get(c)
		if a.secret && v != "" {
			v = "***"
		}
		out = append(out, Attribute{Name: a.name, Value: v, Source: c.sources[a.name]})
	}
	versions := slices.Sorted(maps.Keys(c.RetiredKeys))
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = strconv.Itoa(v) + "=***"
	}
	out = append(out, Attribute{Name: "retired_keys", Value: strings.Join(parts, ","), Source: c.sources["retired_keys"]})
	return out
}

func lookup(name string) (attribute, bool) {
	for _, a := range attributes {
		if a.name == name {
			return a, true
		}
	}
	return attribute{}, false
}

func parseRetiredKeys(value any) (map[int]string, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		if m, ok := value.(map[any]any); ok {
			raw = make(map[string]any, len(m))
			for k, v := range m {
				raw[fmt.Sprint(k)] = v
			}
		} else if value != nil {
			return nil, fmt.Errorf("retired_keys must map versions to secrets")
		}
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("retired_keys: version %q is not a number", k)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("retired_keys: version %d needs a secret", n)
		}
		out[n] = s
	}
	return out, nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setUint32(dst *uint32, v string) error {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return err
	}
	*dst = uint32(n)
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
