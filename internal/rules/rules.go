// Package rules implements the sync-rules evaluator (spec §4.3): a pure,
// deterministic filter over RowDeltas driven by a claims context and a
// bucket/predicate DSL. The evaluator has no side effects and performs no
// I/O — it is safe to call from the gateway's pull critical section.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hyperengineering/syncd/internal/delta"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNeq, OpIn, OpGt, OpLt, OpGte, OpLte:
		return true
	default:
		return false
	}
}

// Filter is a single predicate within a bucket: columns[Column] Op Value.
// Value is either a literal or a claim reference of the form "jwt:<name>".
type Filter struct {
	Column string `yaml:"column" json:"column"`
	Op     Op     `yaml:"op" json:"op"`
	Value  any    `yaml:"value" json:"value"`
}

// Bucket is a named group of filters that admits deltas into a pull view.
type Bucket struct {
	Name    string   `yaml:"name" json:"name"`
	Tables  []string `yaml:"tables" json:"tables"`
	Filters []Filter `yaml:"filters" json:"filters"`
}

// Config is the sync-rules DSL document: a version and an ordered list of
// buckets. A zero-value Config (no buckets) passes every delta, preserving
// backward compatibility with gateways that have no rules configured.
type Config struct {
	Version int      `yaml:"version" json:"version"`
	Buckets []Bucket `yaml:"buckets" json:"buckets"`
}

// Context is the claims resolved by the transport/control plane for the
// caller of a pull request. The evaluator treats a missing claim as
// falsifying any filter that references it (fail-closed, spec §4.3/§8.5).
type Context map[string]any

const claimPrefix = "jwt:"

func (f Filter) resolveValue(ctx Context) (any, bool) {
	s, ok := f.Value.(string)
	if !ok || !strings.HasPrefix(s, claimPrefix) {
		return f.Value, true
	}
	name := strings.TrimPrefix(s, claimPrefix)
	v, present := ctx[name]
	if !present {
		return nil, false
	}
	return v, true
}

func bucketTables(b Bucket) map[string]struct{} {
	set := make(map[string]struct{}, len(b.Tables))
	for _, t := range b.Tables {
		set[t] = struct{}{}
	}
	return set
}

// matchesBucket reports whether d satisfies every filter of b under ctx.
// Returns (matched, invalidRule): invalidRule signals a filter/column type
// mismatch (INVALID_RULE, spec §7) which is non-fatal — the delta is simply
// treated as non-matching.
func matchesBucket(d delta.RowDelta, b Bucket, ctx Context) (bool, bool) {
	tables := bucketTables(b)
	if _, ok := tables[d.Table]; !ok {
		return false, false
	}

	for _, f := range b.Filters {
		if !f.Op.valid() {
			return false, true
		}
		rhs, ok := f.resolveValue(ctx)
		if !ok {
			return false, false // missing claim falsifies the filter
		}

		col, hasCol := findColumn(d, f.Column)
		if !hasCol {
			return false, false
		}

		ok2, invalid := evalOp(f.Op, col.Value, rhs)
		if invalid {
			return false, true
		}
		if !ok2 {
			return false, false
		}
	}
	return true, false
}

func findColumn(d delta.RowDelta, name string) (delta.Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return delta.Column{}, false
}

func evalOp(op Op, lhs delta.Value, rhs any) (matched bool, invalid bool) {
	switch op {
	case OpEq:
		return valueEqual(lhs, rhs), false
	case OpNeq:
		return !valueEqual(lhs, rhs), false
	case OpIn:
		arr, ok := rhs.([]any)
		if !ok {
			return false, true
		}
		for _, item := range arr {
			if valueEqual(lhs, item) {
				return true, false
			}
		}
		return false, false
	case OpGt, OpLt, OpGte, OpLte:
		lf, lok := asFloat(lhs.Native())
		rf, rok := asFloat(rhs)
		if !lok || !rok {
			return false, true
		}
		switch op {
		case OpGt:
			return lf > rf, false
		case OpLt:
			return lf < rf, false
		case OpGte:
			return lf >= rf, false
		case OpLte:
			return lf <= rf, false
		}
	}
	return false, true
}

func valueEqual(lhs delta.Value, rhs any) bool {
	native := lhs.Native()
	switch rv := rhs.(type) {
	case string:
		s, ok := native.(string)
		return ok && s == rv
	case bool:
		b, ok := native.(bool)
		return ok && b == rv
	case nil:
		return native == nil
	default:
		lf, lok := asFloat(native)
		rf, rok := asFloat(rhs)
		return lok && rok && lf == rf
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FilterDeltas applies cfg to deltas under ctx and returns the subset that
// passes: with no buckets configured every delta passes; otherwise a delta
// is kept iff it matches at least one bucket (union semantics, spec §4.3).
func FilterDeltas(cfg Config, deltas []delta.RowDelta, ctx Context) []delta.RowDelta {
	if len(cfg.Buckets) == 0 {
		return deltas
	}
	out := make([]delta.RowDelta, 0, len(deltas))
	for _, d := range deltas {
		if matchesAnyBucket(cfg, d, ctx) {
			out = append(out, d)
		}
	}
	return out
}

func matchesAnyBucket(cfg Config, d delta.RowDelta, ctx Context) bool {
	for _, b := range cfg.Buckets {
		matched, _ := matchesBucket(d, b, ctx)
		if matched {
			return true
		}
	}
	return false
}

// ResolveClaimsJSON parses a raw JSON claims blob (as carried by a bearer
// token's payload) into a Context using gjson for tolerant, dotted-path
// lookups — nested claims such as "org.id" resolve the same way a
// jwt:org.id reference would.
func ResolveClaimsJSON(raw []byte) (Context, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("rules: invalid claims JSON")
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return nil, fmt.Errorf("rules: claims JSON must be an object")
	}
	ctx := make(Context)
	var walk func(prefix string, obj gjson.Result)
	walk = func(prefix string, obj gjson.Result) {
		obj.ForEach(func(key, value gjson.Result) bool {
			name := prefix + key.String()
			ctx[name] = value.Value()
			if value.IsObject() {
				walk(name+".", value)
			}
			return true
		})
	}
	walk("", result)
	return ctx, nil
}
