// Package record defines the lookup service record model: free-form
// key/value documents with reserved attributes, TTL, and identity.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReservedPrefix marks keys with wire-level meaning. Unrecognized keys under
// the prefix are still treated as opaque payload by the query engine.
const ReservedPrefix = "record-"

// Reserved wire keys.
const (
	KeyURI        = "record-uri"
	KeyTTL        = "record-ttl"
	KeyExpires    = "record-expires"
	KeyType       = "record-type"
	KeyState      = "record-state"
	KeyOperator   = "record-operator"
	KeySkip       = "record-skip"
	KeyMaxResults = "record-max-results"
	KeyClientUUID = "client-uuid"
)

// Record states on the wire.
const (
	StateRegister = "register"
	StateRenew    = "renew"
	StateDelete   = "delete"
	StateExpired  = "expired"
)

// Record is a registered document: string keys mapping to normalized values.
// A value is one of string, float64, bool, or []string.
type Record map[string]any

// Normalize converts a decoded JSON object into a Record, validating that
// every value is representable. Lists must contain only strings; nested
// objects are rejected.
func Normalize(raw map[string]any) (Record, error) {
	rec := make(Record, len(raw))
	for k, v := range raw {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		rec[k] = nv
	}
	return rec, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("list values must be strings, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unrepresentable value of type %T", v)
	}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if list, ok := v.([]string); ok {
			out[k] = append([]string(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// StringValue returns the value for key as a single string: a scalar string
// directly, or the first element of a string list. Returns "" when the key
// is absent or holds a different shape.
func (r Record) StringValue(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Values returns the value set for key used in matching: a scalar is
// broadened to a one-element set, numbers and booleans are compared by their
// canonical string form.
func (r Record) Values(key string) []string {
	switch v := r[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case bool:
		return []string{strconv.FormatBool(v)}
	}
	return nil
}

// URI returns the record identity, or "" when unassigned.
func (r Record) URI() string { return r.StringValue(KeyURI) }

// Type returns the record type attribute. Registrants write either the
// reserved key or bare "type"; both occur on the wire.
func (r Record) Type() string {
	if s := r.StringValue(KeyType); s != "" {
		return s
	}
	return r.StringValue("type")
}

// State returns the record state attribute.
func (r Record) State() string { return r.StringValue(KeyState) }

// ClientUUID returns the per-record access token, or "" when absent.
func (r Record) ClientUUID() string { return r.StringValue(KeyClientUUID) }

// TTLString extracts the record-ttl attribute, accepting either a bare
// string or a single-element string list (both occur on the wire).
func (r Record) TTLString() (string, bool) {
	s := strings.TrimSpace(r.StringValue(KeyTTL))
	return s, s != ""
}

// SetExpires stamps the record-expires attribute as an RFC3339 UTC timestamp.
func (r Record) SetExpires(t time.Time) {
	r[KeyExpires] = t.UTC().Format(time.RFC3339)
}

// Expires parses the record-expires attribute. ok is false when the key is
// absent or malformed.
func (r Record) Expires() (time.Time, bool) {
	s := r.StringValue(KeyExpires)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// PayloadKeyCount returns the number of non-reserved payload keys.
func (r Record) PayloadKeyCount() int {
	n := 0
	for k := range r {
		if strings.HasPrefix(k, ReservedPrefix) || k == KeyClientUUID {
			continue
		}
		n++
	}
	return n
}
