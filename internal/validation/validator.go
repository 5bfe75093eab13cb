// Package validation checks plaintext credential bundles before they are
// accepted: per-provider key format, secret strength, bundle shape (JSON
// Schema) and auth-type requirements (CEL rules).
package validation

import (
	"slices"

	"github.com/rendis/credvault/pkg/schema"
)

// Validator runs every credential check and aggregates the issues.
// It is safe for concurrent use.
type Validator struct {
	shape *shapeValidator
	rules *ruleEngine
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	rules []Rule
}

// WithRules replaces DefaultRules.
func WithRules(rules []Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithExtraRules appends rules to DefaultRules.
func WithExtraRules(rules ...Rule) Option {
	return func(o *options) { o.rules = append(o.rules, rules...) }
}

// New creates a Validator.
func New(opts ...Option) (*Validator, error) {
	o := &options{rules: append([]Rule(nil), DefaultRules...)}
	for _, opt := range opts {
		opt(o)
	}
	shape, err := newShapeValidator()
	if err != nil {
		return nil, err
	}
	rules, err := newRuleEngine(o.rules)
	if err != nil {
		return nil, err
	}
	return &Validator{shape: shape, rules: rules}, nil
}

// ValidateFormat reports whether apiKey has the shape expected for the provider.
// Providers without a fixed pattern accept anything.
func ValidateFormat(pt schema.ProviderType, apiKey string) bool {
	pattern := pt.Spec().KeyPattern
	if pattern == nil {
		return true
	}
	return pattern.MatchString(apiKey)
}

// Validate runs every check and returns all issues at once.
func (v *Validator) Validate(pt schema.ProviderType, at schema.AuthType, b schema.Bundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if !at.Valid() {
		result.AddError("auth_type", "unknown auth type "+string(at))
	}
	if !slices.Contains(schema.AllProviderTypes, pt) {
		result.AddWarning("provider_type", "unknown provider type "+string(pt)+", key format not checked")
	}

	report := ValidateStrength(b)
	result.Score = report.Score
	for _, issue := range report.Issues {
		result.AddError("bundle", issue)
	}

	if b.APIKey != "" && !ValidateFormat(pt, b.APIKey) {
		result.AddError("api_key", "api_key does not match the "+string(pt)+" key format")
	}

	result.Merge(v.shape.validate(b))
	result.Merge(v.rules.evaluate(pt, at, b))
	return result
}

// Check is Validate as an error: nil when the bundle is acceptable, otherwise
// a VALIDATION_ERROR whose details list every issue.
func (v *Validator) Check(pt schema.ProviderType, at schema.AuthType, b schema.Bundle) error {
	return v.Validate(pt, at, b).ToError()
}
