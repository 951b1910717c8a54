// Package codec implements the small, self-describing binary
// serialization format mandated by spec.md §4.2 for mailbox payloads: a
// closed schema of integers, floats, strings, byte strings, booleans,
// null, lists and string-keyed maps. List elements are tagged one by one,
// so a list may mix element types. spec.md is explicit that
// this format "is NOT bit-exact compatible with any specific third-party
// serializer" — it is an internal wire detail both mailbox endpoints must
// agree on at build time. No ecosystem serializer in the retrieved
// examples targets that constraint (they all assume a stable public
// format, e.g. JSON or protobuf, that this one deliberately is not), so
// this codec is hand-rolled against the standard library only; see
// DESIGN.md for the stdlib justification.
//
// Every value is tagged with a one-byte type marker ahead of its
// encoding, mirroring the teacher's own preference for small explicit
// tagged records (core.Message, mailbox frame tag in spec.md §4.2) over
// reflection-driven serialization.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

type tag byte

const (
	tagNull tag = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
)

// Encode serializes v (one of: nil, bool, int64-convertible ints, float64,
// string, []byte, []interface{}, map[string]interface{}) into the wire
// format.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a value previously produced by Encode and returns it. Any
// bytes left over after the value are an error; callers that frame
// multiple values back to back may use DecodeValue directly to walk the
// slice.
func Decode(data []byte) (interface{}, error) {
	v, rest, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after value", len(rest))
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(byte(tagNull))
	case bool:
		buf.WriteByte(byte(tagBool))
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		return encodeInt(buf, int64(val))
	case int32:
		return encodeInt(buf, int64(val))
	case int64:
		return encodeInt(buf, val)
	case uint32:
		return encodeInt(buf, int64(val))
	case float32:
		return encodeFloat(buf, float64(val))
	case float64:
		return encodeFloat(buf, val)
	case string:
		buf.WriteByte(byte(tagString))
		writeLenPrefixed(buf, []byte(val))
	case []byte:
		buf.WriteByte(byte(tagBytes))
		writeLenPrefixed(buf, val)
	case []interface{}:
		buf.WriteByte(byte(tagList))
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(val)))
		buf.Write(n[:])
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		buf.WriteByte(byte(tagMap))
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(val)))
		buf.Write(n[:])
		for k, item := range val {
			writeLenPrefixed(buf, []byte(k))
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("codec: unsupported type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, val int64) error {
	buf.WriteByte(byte(tagInt))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(val))
	buf.Write(b[:])
	return nil
}

func encodeFloat(buf *bytes.Buffer, val float64) error {
	buf.WriteByte(byte(tagFloat))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
	buf.Write(b[:])
	return nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.Write(data)
}

// DecodeValue decodes one value from the front of data and returns the
// remaining unconsumed bytes.
func DecodeValue(data []byte) (interface{}, []byte, error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("codec: empty input")
	}
	t := tag(data[0])
	data = data[1:]

	switch t {
	case tagNull:
		return nil, data, nil
	case tagBool:
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("codec: truncated bool")
		}
		return data[0] != 0, data[1:], nil
	case tagInt:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("codec: truncated int")
		}
		return int64(binary.BigEndian.Uint64(data[:8])), data[8:], nil
	case tagFloat:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("codec: truncated float")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[:8])), data[8:], nil
	case tagString:
		b, rest, err := readLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		return string(b), rest, nil
	case tagBytes:
		b, rest, err := readLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		return b, rest, nil
	case tagList:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("codec: truncated list length")
		}
		n := binary.BigEndian.Uint32(data[:4])
		rest := data[4:]
		list := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			var item interface{}
			var err error
			item, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, item)
		}
		return list, rest, nil
	case tagMap:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("codec: truncated map length")
		}
		n := binary.BigEndian.Uint32(data[:4])
		rest := data[4:]
		m := make(map[string]interface{}, n)
		for i := uint32(0); i < n; i++ {
			var key []byte
			var err error
			key, rest, err = readLenPrefixed(rest)
			if err != nil {
				return nil, nil, err
			}
			var val interface{}
			val, rest, err = DecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			m[string(key)] = val
		}
		return m, rest, nil
	default:
		return nil, nil, fmt.Errorf("codec: unknown tag %d", t)
	}
}

func readLenPrefixed(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("codec: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("codec: truncated payload, want %d have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
