// Package query implements the structured query engine: parsing query
// documents into matchers and enforcing operator, skip, and max-results
// semantics.
package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// ErrBadQuery marks malformed query documents. Callers map it to a
// BAD_REQUEST response.
var ErrBadQuery = errors.New("bad query")

// Operator governs how match clauses combine.
type Operator string

const (
	// OperatorAll requires every clause to match (default).
	OperatorAll Operator = "all"
	// OperatorAny requires at least one clause to match.
	OperatorAny Operator = "any"
)

// Bare query-string aliases for the reserved control keys.
const (
	paramOperator   = "operator"
	paramSkip       = "skip"
	paramMaxResults = "max-results"
)

// Query is a parsed query document: control fields plus match clauses.
type Query struct {
	Operator   Operator
	Skip       int
	MaxResults int
	Clauses    map[string][]string
}

// FromRecord parses a query from a record-shaped document (used for
// subscription saved queries and POSTed query bodies).
func FromRecord(rec record.Record) (*Query, error) {
	q := &Query{Operator: OperatorAll, Clauses: map[string][]string{}}

	for key, val := range rec {
		switch key {
		case record.KeyOperator:
			op, err := parseOperator(rec.StringValue(key))
			if err != nil {
				return nil, err
			}
			q.Operator = op
		case record.KeySkip:
			n, err := parseNonNegativeInt(key, val)
			if err != nil {
				return nil, err
			}
			q.Skip = n
		case record.KeyMaxResults:
			n, err := parseNonNegativeInt(key, val)
			if err != nil {
				return nil, err
			}
			q.MaxResults = n
		default:
			// Reserved-prefixed but unrecognized keys stay match clauses
			// for forward compatibility.
			vals := rec.Values(key)
			if vals == nil {
				return nil, fmt.Errorf("%w: key %q: unrepresentable value", ErrBadQuery, key)
			}
			q.Clauses[key] = vals
		}
	}
	return q, nil
}

// FromValues parses a query from URL query parameters. Comma-separated
// values split into string lists. Both the reserved control keys
// (record-operator, record-skip, record-max-results) and their bare aliases
// are accepted; the reserved form wins when both appear.
func FromValues(values url.Values) (*Query, error) {
	q := &Query{Operator: OperatorAll, Clauses: map[string][]string{}}

	control := func(bare, reserved string) (string, bool) {
		if v := values.Get(reserved); v != "" {
			return v, true
		}
		if v := values.Get(bare); v != "" {
			return v, true
		}
		return "", false
	}

	if v, ok := control(paramOperator, record.KeyOperator); ok {
		op, err := parseOperator(v)
		if err != nil {
			return nil, err
		}
		q.Operator = op
	}
	if v, ok := control(paramSkip, record.KeySkip); ok {
		n, err := parseNonNegativeInt(record.KeySkip, v)
		if err != nil {
			return nil, err
		}
		q.Skip = n
	}
	if v, ok := control(paramMaxResults, record.KeyMaxResults); ok {
		n, err := parseNonNegativeInt(record.KeyMaxResults, v)
		if err != nil {
			return nil, err
		}
		q.MaxResults = n
	}

	for key, vals := range values {
		switch key {
		case paramOperator, paramSkip, paramMaxResults,
			record.KeyOperator, record.KeySkip, record.KeyMaxResults:
			continue
		}
		var clause []string
		for _, v := range vals {
			clause = append(clause, strings.Split(v, ",")...)
		}
		q.Clauses[key] = clause
	}
	return q, nil
}

func parseOperator(s string) (Operator, error) {
	switch Operator(strings.ToLower(strings.TrimSpace(s))) {
	case OperatorAll:
		return OperatorAll, nil
	case OperatorAny:
		return OperatorAny, nil
	}
	return "", fmt.Errorf("%w: operator must be %q or %q, got %q", ErrBadQuery, OperatorAll, OperatorAny, s)
}

func parseNonNegativeInt(key string, val any) (int, error) {
	switch v := val.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadQuery, key)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadQuery, key)
		}
		return n, nil
	case []string:
		if len(v) == 1 {
			return parseNonNegativeInt(key, v[0])
		}
	}
	return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadQuery, key)
}

// Matches evaluates the query's clauses against a record (matcher-only mode:
// skip and max-results are not applied). A query with zero clauses matches
// every record.
func (q *Query) Matches(rec record.Record) bool {
	if len(q.Clauses) == 0 {
		return true
	}
	for key, want := range q.Clauses {
		if clauseMatches(rec, key, want) {
			if q.Operator == OperatorAny {
				return true
			}
			continue
		}
		if q.Operator != OperatorAny {
			return false
		}
	}
	return q.Operator != OperatorAny
}

// clauseMatches reports whether the record's value set for key intersects
// the wanted values. A scalar record value is broadened to a singleton set.
func clauseMatches(rec record.Record, key string, want []string) bool {
	have := rec.Values(key)
	if have == nil {
		return false
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Matcher returns the query's predicate for store-level evaluation.
func (q *Query) Matcher() func(record.Record) bool {
	return q.Matches
}

// Fingerprint returns a stable 64-bit identity for the query's clauses and
// operator, independent of map iteration order. Used for log correlation
// and query-identity checks.
func (q *Query) Fingerprint() uint64 {
	keys := make([]string, 0, len(q.Clauses))
	for k := range q.Clauses {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(q.Operator))
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		for _, v := range q.Clauses[k] {
			b.WriteByte(1)
			b.WriteString(v)
		}
	}
	return xxh3.HashString(b.String())
}

// Page applies skip and max-results to an ordered result list.
func (q *Query) Page(recs []record.Record) []record.Record {
	if q.Skip >= len(recs) {
		return []record.Record{}
	}
	recs = recs[q.Skip:]
	if q.MaxResults > 0 && len(recs) > q.MaxResults {
		recs = recs[:q.MaxResults]
	}
	return recs
}
