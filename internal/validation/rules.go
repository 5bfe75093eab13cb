package validation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/credvault/pkg/schema"
)

// Rule is a CEL requirement evaluated against every bundle. The expression
// sees three variables:
//   - bundle:    map(string, dyn), the bundle's JSON form (empty fields absent)
//   - provider:  string, the provider type
//   - auth_type: string
//
// The rule passes when the expression evaluates to true.
type Rule struct {
	Field      string
	Expression string
	Message    string
}

// DefaultRules are the requirement rules applied unless overridden.
var DefaultRules = []Rule{
	{
		Field:      "api_key",
		Expression: `auth_type != "api_key" || has(bundle.api_key)`,
		Message:    "api_key auth requires an api_key",
	},
	{
		Field:      "access_token",
		Expression: `auth_type != "oauth" || has(bundle.access_token) || has(bundle.refresh_token)`,
		Message:    "oauth auth requires an access_token or refresh_token",
	},
	{
		Field:      "client_secret",
		Expression: `auth_type != "client_credentials" || (has(bundle.client_id) && has(bundle.client_secret))`,
		Message:    "client_credentials auth requires client_id and client_secret",
	},
	{
		Field:      "access_token",
		Expression: `auth_type != "bearer" || has(bundle.access_token) || has(bundle.api_key)`,
		Message:    "bearer auth requires an access_token or api_key",
	},
	{
		Field:      "endpoint",
		Expression: `provider != "azure_openai" || has(bundle.endpoint)`,
		Message:    "azure_openai credentials require an endpoint",
	},
}

// ruleEngine compiles CEL rules once and caches the programs.
type ruleEngine struct {
	env   *cel.Env
	rules []Rule

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newRuleEngine(rules []Rule) (*ruleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("bundle", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("provider", cel.StringType),
		cel.Variable("auth_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &ruleEngine{env: env, rules: rules, cache: make(map[string]cel.Program, len(rules))}
	// Compile eagerly so a bad rule fails at construction.
	for _, r := range rules {
		if _, err := e.program(r.Expression); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *ruleEngine) evaluate(pt schema.ProviderType, at schema.AuthType, b schema.Bundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	activation := map[string]any{
		"bundle":    bundleMap(b),
		"provider":  string(pt),
		"auth_type": string(at),
	}
	for _, r := range e.rules {
		prg, err := e.program(r.Expression)
		if err != nil {
			result.AddError(r.Field, r.Message)
			continue
		}
		out, _, err := prg.Eval(activation)
		if err != nil {
			result.AddError(r.Field, r.Message)
			continue
		}
		if ok, _ := out.Value().(bool); !ok {
			result.AddError(r.Field, r.Message)
		}
	}
	return result
}

func (e *ruleEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL rule %q must evaluate to bool", expression)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// bundleMap exposes the bundle to CEL with omitted empty fields, so has()
// reports presence of a non-empty value.
func bundleMap(b schema.Bundle) map[string]any {
	raw, err := json.Marshal(b)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
