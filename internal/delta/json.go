package delta

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/syncd/internal/hlc"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// jsonValue is the wire shape of Value for the JSON transport used by the
// HTTP push/pull API. A single "kind" discriminator keeps decoding
// unambiguous across the scalar space (spec §3: null, bool, i64, f64,
// string, bytes, json).
type jsonValue struct {
	Kind  string          `json:"kind"`
	Bool  *bool           `json:"bool,omitempty"`
	Int   *int64          `json:"int,omitempty"`
	Float *float64        `json:"float,omitempty"`
	Str   *string         `json:"str,omitempty"`
	Bytes *string         `json:"bytes,omitempty"` // base64
	JSON  json.RawMessage `json:"json,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return json.Marshal(jsonValue{Kind: "null"})
	case KindBool:
		return json.Marshal(jsonValue{Kind: "bool", Bool: &v.Bool})
	case KindInt:
		return json.Marshal(jsonValue{Kind: "i64", Int: &v.Int})
	case KindFloat:
		return json.Marshal(jsonValue{Kind: "f64", Float: &v.Float})
	case KindString:
		return json.Marshal(jsonValue{Kind: "string", Str: &v.Str})
	case KindBytes:
		enc := encodeBase64(v.Bytes)
		return json.Marshal(jsonValue{Kind: "bytes", Bytes: &enc})
	case KindJSON:
		return json.Marshal(jsonValue{Kind: "json", JSON: json.RawMessage(v.Str)})
	default:
		return nil, fmt.Errorf("delta: unknown value kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "null", "":
		*v = Null()
	case "bool":
		if jv.Bool == nil {
			return fmt.Errorf("delta: bool value missing")
		}
		*v = Bool(*jv.Bool)
	case "i64":
		if jv.Int == nil {
			return fmt.Errorf("delta: int value missing")
		}
		*v = Int(*jv.Int)
	case "f64":
		if jv.Float == nil {
			return fmt.Errorf("delta: float value missing")
		}
		*v = Float(*jv.Float)
	case "string":
		if jv.Str == nil {
			return fmt.Errorf("delta: string value missing")
		}
		*v = String(*jv.Str)
	case "bytes":
		if jv.Bytes == nil {
			return fmt.Errorf("delta: bytes value missing")
		}
		b, err := decodeBase64(*jv.Bytes)
		if err != nil {
			return fmt.Errorf("delta: invalid base64 bytes value: %w", err)
		}
		*v = Bytes(b)
	case "json":
		*v = JSON(jv.JSON)
	default:
		return fmt.Errorf("delta: unknown value kind %q", jv.Kind)
	}
	return nil
}

// jsonColumn and jsonRowDelta give RowDelta/Column a stable JSON shape
// independent of Go field naming, matching the wire contract in spec §6.
type jsonColumn struct {
	Column string `json:"column"`
	Value  Value  `json:"value"`
}

type jsonRowDelta struct {
	Op       Op           `json:"op"`
	Table    string       `json:"table"`
	RowID    string       `json:"rowId"`
	ClientID string       `json:"clientId"`
	HLC      uint64       `json:"hlc"`
	Columns  []jsonColumn `json:"columns"`
	DeltaID  string       `json:"deltaId"`
}

func (d RowDelta) MarshalJSON() ([]byte, error) {
	cols := make([]jsonColumn, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = jsonColumn{Column: c.Name, Value: c.Value}
	}
	if cols == nil {
		cols = []jsonColumn{}
	}
	return json.Marshal(jsonRowDelta{
		Op:       d.Op,
		Table:    d.Table,
		RowID:    d.RowID,
		ClientID: d.ClientID,
		HLC:      uint64(d.HLC),
		Columns:  cols,
		DeltaID:  d.DeltaID,
	})
}

func (d *RowDelta) UnmarshalJSON(data []byte) error {
	var jd jsonRowDelta
	if err := json.Unmarshal(data, &jd); err != nil {
		return err
	}
	cols := make([]Column, len(jd.Columns))
	for i, c := range jd.Columns {
		cols[i] = Column{Name: c.Column, Value: c.Value}
	}
	*d = RowDelta{
		Op:       jd.Op,
		Table:    jd.Table,
		RowID:    jd.RowID,
		ClientID: jd.ClientID,
		HLC:      hlc.Timestamp(jd.HLC),
		Columns:  cols,
		DeltaID:  jd.DeltaID,
	}
	return nil
}
