package validation

import (
	"strings"
	"unicode"

	"github.com/rendis/credvault/pkg/schema"
)

// Strength scoring thresholds.
const (
	MinKeyLength          = 20
	LongKeyLength         = 40
	MinClientSecretLength = 32
	MinScore              = 40
	weakPatternPenalty    = 50
)

var (
	weakPrefixes = []string{"test", "demo", "123"}
	weakSuffixes = []string{"password", "secret", "key"}
)

// StrengthReport is the outcome of a strength check.
type StrengthReport struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues,omitempty"`
	Score   int      `json:"score"`
}

// ValidateStrength scores the bundle's primary secret from 0 to 100 and lists
// every issue found. The primary secret is the API key, or failing that the
// access token, client secret or refresh token, in that order.
func ValidateStrength(b schema.Bundle) StrengthReport {
	var issues []string

	field, secret := primarySecret(b)
	if secret == "" {
		issues = append(issues, "credentials contain no secret material")
		return StrengthReport{Issues: issues}
	}

	score := 0
	if len(secret) >= MinKeyLength {
		score += 40
	} else {
		issues = append(issues, field+" is shorter than 20 characters")
	}
	if hasMixedCase(secret) {
		score += 20
	}
	if strings.IndexFunc(secret, unicode.IsDigit) >= 0 {
		score += 20
	}
	if strings.IndexFunc(secret, isSymbol) >= 0 {
		score += 10
	}
	if len(secret) >= LongKeyLength {
		score += 10
	}
	if pattern, weak := weakPattern(secret); weak {
		score -= weakPatternPenalty
		issues = append(issues, field+" matches the known weak pattern "+pattern)
	}
	score = max(0, min(score, 100))
	if score < MinScore {
		issues = append(issues, field+" is too weak")
	}

	if b.ClientSecret != "" && len(b.ClientSecret) < MinClientSecretLength {
		issues = append(issues, "client_secret is shorter than 32 characters")
	}

	return StrengthReport{IsValid: len(issues) == 0, Issues: issues, Score: score}
}

func primarySecret(b schema.Bundle) (string, string) {
	switch {
	case b.APIKey != "":
		return "api_key", b.APIKey
	case b.AccessToken != "":
		return "access_token", b.AccessToken
	case b.ClientSecret != "":
		return "client_secret", b.ClientSecret
	case b.RefreshToken != "":
		return "refresh_token", b.RefreshToken
	}
	return "", ""
}

func hasMixedCase(s string) bool {
	return strings.IndexFunc(s, unicode.IsUpper) >= 0 && strings.IndexFunc(s, unicode.IsLower) >= 0
}

func isSymbol(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

func weakPattern(secret string) (string, bool) {
	lower := strings.ToLower(secret)
	for _, p := range weakPrefixes {
		if strings.HasPrefix(lower, p) {
			return `"` + p + `..."`, true
		}
	}
	for _, s := range weakSuffixes {
		if strings.HasSuffix(lower, s) {
			return `"...` + s + `"`, true
		}
	}
	return "", false
}
