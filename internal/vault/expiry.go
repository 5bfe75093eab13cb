package vault

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// expiryFromMetadata reads expires_at (RFC 3339 or unix seconds) or, failing
// that, expires_in (seconds from now). set reports whether either key was
// present.
func expiryFromMetadata(meta map[string]any, now time.Time) (exp *time.Time, set bool, err error) {
	if v, ok := meta["expires_at"]; ok && v != nil {
		t, err := parseExpiresAt(v)
		if err != nil {
			return nil, true, err
		}
		return &t, true, nil
	}
	if v, ok := meta["expires_in"]; ok && v != nil {
		secs, ok := toSeconds(v)
		if !ok {
			return nil, true, schema.NewError(schema.ErrCodeValidation, "expires_in must be a number of seconds")
		}
		t := now.Add(time.Duration(secs * float64(time.Second))).UTC()
		return &t, true, nil
	}
	return nil, false, nil
}

func parseExpiresAt(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t != nil {
			return t.UTC(), nil
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), nil
		}
	}
	if secs, ok := toSeconds(v); ok {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, schema.NewError(schema.ErrCodeValidation, "expires_at must be RFC 3339 or unix seconds")
}

func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
