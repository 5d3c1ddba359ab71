package delta

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// Kind identifies which field of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "i64"
	case KindFloat:
		return "f64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the scalar space a column may hold:
// null, bool, i64, f64, string, bytes, or an opaque json document.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string // also houses raw JSON text when Kind == KindJSON
	Bytes []byte
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(v bool) Value            { return Value{Kind: KindBool, Bool: v} }
func Int(v int64) Value            { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value        { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value        { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value         { return Value{Kind: KindBytes, Bytes: v} }
func JSON(raw json.RawMessage) Value {
	return Value{Kind: KindJSON, Str: string(raw)}
}

// Equal reports whether two values are identical in kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindJSON:
		return v.Str == o.Str
	default:
		return false
	}
}

// Native returns the value as a plain Go type, used by the sync-rules
// evaluator for comparisons against filter literals and claim references.
func (v Value) Native() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindJSON:
		var out any
		_ = json.Unmarshal([]byte(v.Str), &out)
		return out
	default:
		return nil
	}
}

// canonicalJSON renders the value as the minimal JSON literal used for
// deltaId hashing and canonical transport. For KindJSON it re-marshals
// through a generic interface so nested object keys sort deterministically
// (Go's encoding/json sorts map keys on Marshal).
func (v Value) canonicalJSON() (json.RawMessage, error) {
	switch v.Kind {
	case KindNull:
		return json.RawMessage("null"), nil
	case KindBool:
		if v.Bool {
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("false"), nil
	case KindInt:
		b, err := json.Marshal(v.Int)
		return b, err
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return nil, fmt.Errorf("delta: value is not finite: %v", v.Float)
		}
		b, err := json.Marshal(v.Float)
		return b, err
	case KindString:
		return json.Marshal(v.Str)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	case KindJSON:
		var generic any
		if err := json.Unmarshal([]byte(v.Str), &generic); err != nil {
			return nil, fmt.Errorf("delta: invalid json value: %w", err)
		}
		return json.Marshal(generic)
	default:
		return nil, fmt.Errorf("delta: unknown value kind %d", v.Kind)
	}
}
