package connectors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// toMap round-trips an SDK struct through JSON so raw payloads are stored the
// way the provider serializes them, not as Go types.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// asError is errors.As with the target passed by reference, so call sites
// read as one line.
func asError[T error](err error, target *T) bool {
	return errors.As(err, target)
}

// jsonNumberString renders a decoded JSON value as a stable external ID.
// JSON numbers decode as float64, which would otherwise print in scientific
// notation for large IDs.
func jsonNumberString(v any) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", n)
	case string:
		return n
	case json.Number:
		return n.String()
	default:
		return ""
	}
}

// jsonTime parses an RFC3339 timestamp out of a decoded JSON value. A missing
// or malformed value falls back to now, which keeps the dedupe key usable.
func jsonTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Now().UTC()
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}
