package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hyperengineering/syncd/internal/hlc"
)

// Wire encoding (spec §4.2.2): a length-prefixed binary framing equivalent
// in content to the canonical JSON, with HLCs transmitted as unsigned
// big-endian 8-byte integers. The outbox stores each entry's payload in this
// format, and the flush pipeline builds lake objects from EncodeFrame's
// framed records. The in-memory buffer keeps no on-disk log.

type valueTag uint8

const (
	tagNull valueTag = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagJSON
)

var opTag = map[Op]uint8{OpInsert: 0, OpUpdate: 1, OpDelete: 2}
var tagOp = map[uint8]Op{0: OpInsert, 1: OpUpdate, 2: OpDelete}

func writeUint32Prefixed(buf *bytes.Buffer, p []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	buf.Write(lenBuf[:])
	buf.Write(p)
}

func readUint32Prefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("delta: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, fmt.Errorf("delta: read %d byte payload: %w", n, err)
	}
	return out, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("delta: unexpected EOF")
		}
	}
	return total, nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindNull:
		buf.WriteByte(byte(tagNull))
	case KindBool:
		buf.WriteByte(byte(tagBool))
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt:
		buf.WriteByte(byte(tagInt))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		buf.Write(b[:])
	case KindFloat:
		buf.WriteByte(byte(tagFloat))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf.Write(b[:])
	case KindString:
		buf.WriteByte(byte(tagString))
		writeUint32Prefixed(buf, []byte(v.Str))
	case KindBytes:
		buf.WriteByte(byte(tagBytes))
		writeUint32Prefixed(buf, v.Bytes)
	case KindJSON:
		buf.WriteByte(byte(tagJSON))
		writeUint32Prefixed(buf, []byte(v.Str))
	default:
		return fmt.Errorf("delta: unknown value kind %d", v.Kind)
	}
	return nil
}

func decodeValue(r *bytes.Reader) (Value, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("delta: read value tag: %w", err)
	}
	switch valueTag(tagByte) {
	case tagNull:
		return Null(), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case tagInt:
		var b [8]byte
		if _, err := readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Int(int64(binary.BigEndian.Uint64(b[:]))), nil
	case tagFloat:
		var b [8]byte
		if _, err := readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(b[:]))), nil
	case tagString:
		p, err := readUint32Prefixed(r)
		if err != nil {
			return Value{}, err
		}
		return String(string(p)), nil
	case tagBytes:
		p, err := readUint32Prefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(p), nil
	case tagJSON:
		p, err := readUint32Prefixed(r)
		if err != nil {
			return Value{}, err
		}
		return JSON(p), nil
	default:
		return Value{}, fmt.Errorf("delta: unknown wire value tag %d", tagByte)
	}
}

// EncodeWire serialises a RowDelta into the binary wire format.
func EncodeWire(d RowDelta) ([]byte, error) {
	tag, ok := opTag[d.Op]
	if !ok {
		return nil, fmt.Errorf("delta: invalid op %q", d.Op)
	}

	var buf bytes.Buffer
	buf.WriteByte(tag)
	writeUint32Prefixed(&buf, []byte(d.Table))
	writeUint32Prefixed(&buf, []byte(d.RowID))
	writeUint32Prefixed(&buf, []byte(d.ClientID))

	var hlcBuf [8]byte
	binary.BigEndian.PutUint64(hlcBuf[:], uint64(d.HLC))
	buf.Write(hlcBuf[:])

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(d.Columns)))
	buf.Write(countBuf[:])
	for _, c := range d.Columns {
		writeUint32Prefixed(&buf, []byte(c.Name))
		if err := encodeValue(&buf, c.Value); err != nil {
			return nil, err
		}
	}

	writeUint32Prefixed(&buf, []byte(d.DeltaID))

	return buf.Bytes(), nil
}

// DecodeWire deserialises a RowDelta from the binary wire format produced
// by EncodeWire.
func DecodeWire(data []byte) (RowDelta, error) {
	r := bytes.NewReader(data)

	tagByte, err := r.ReadByte()
	if err != nil {
		return RowDelta{}, fmt.Errorf("delta: read op tag: %w", err)
	}
	op, ok := tagOp[tagByte]
	if !ok {
		return RowDelta{}, fmt.Errorf("delta: unknown op tag %d", tagByte)
	}

	table, err := readUint32Prefixed(r)
	if err != nil {
		return RowDelta{}, err
	}
	rowID, err := readUint32Prefixed(r)
	if err != nil {
		return RowDelta{}, err
	}
	clientID, err := readUint32Prefixed(r)
	if err != nil {
		return RowDelta{}, err
	}

	var hlcBuf [8]byte
	if _, err := readFull(r, hlcBuf[:]); err != nil {
		return RowDelta{}, fmt.Errorf("delta: read hlc: %w", err)
	}

	var countBuf [4]byte
	if _, err := readFull(r, countBuf[:]); err != nil {
		return RowDelta{}, fmt.Errorf("delta: read column count: %w", err)
	}
	n := binary.BigEndian.Uint32(countBuf[:])

	cols := make([]Column, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := readUint32Prefixed(r)
		if err != nil {
			return RowDelta{}, err
		}
		val, err := decodeValue(r)
		if err != nil {
			return RowDelta{}, err
		}
		cols = append(cols, Column{Name: string(name), Value: val})
	}

	deltaID, err := readUint32Prefixed(r)
	if err != nil {
		return RowDelta{}, err
	}

	return RowDelta{
		Op:       op,
		Table:    string(table),
		RowID:    string(rowID),
		ClientID: string(clientID),
		HLC:      hlc.Timestamp(binary.BigEndian.Uint64(hlcBuf[:])),
		Columns:  cols,
		DeltaID:  string(deltaID),
	}, nil
}

// EncodeFrame wraps a wire-encoded delta with the [u32 length | bytes]
// record framing that the flush pipeline concatenates into lake objects.
func EncodeFrame(d RowDelta) ([]byte, error) {
	body, err := EncodeWire(d)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeUint32Prefixed(&buf, body)
	return buf.Bytes(), nil
}

// DecodeFrame reads one framed record from data, returning the decoded delta
// and the number of bytes consumed.
func DecodeFrame(data []byte) (RowDelta, int, error) {
	if len(data) < 4 {
		return RowDelta{}, 0, fmt.Errorf("delta: frame too short")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return RowDelta{}, 0, fmt.Errorf("delta: truncated frame")
	}
	body := data[4 : 4+n]
	d, err := DecodeWire(body)
	if err != nil {
		return RowDelta{}, 0, err
	}
	return d, 4 + int(n), nil
}
