// Package rlp implements the subset of Ethereum's Recursive Length Prefix
// encoding the monitor needs: encoding the bare (unsealed) block header for
// hashing, decoding the two Aura seal fields out of a header's raw seal
// list, and round-tripping the block store's records and the components'
// persisted state. Encode and Decode are reflective but support only the
// value kinds those types use (see Encode).
package rlp

import (
	"bytes"
	"errors"
	"math/big"
	"reflect"
)

// ErrUnsupportedType is returned by Encode for a value it doesn't know how
// to represent.
var ErrUnsupportedType = errors.New("rlp: unsupported type")

// Encode appends the RLP encoding of val to a new buffer and returns it.
// Supported kinds: []byte, fixed-size byte arrays, string, uint64, *big.Int,
// struct (fields encoded in declaration order, unexported fields skipped),
// and slices thereof (encoded as a list).
func Encode(val interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(val)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeToBytes is an alias for Encode kept for call-site familiarity with
// the teacher's rlp.EncodeToBytes.
func EncodeToBytes(val interface{}) ([]byte, error) { return Encode(val) }

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			if v.Type() == reflect.TypeOf((*big.Int)(nil)) {
				return encodeBigInt(buf, new(big.Int))
			}
			return ErrUnsupportedType
		}
		if bi, ok := v.Interface().(*big.Int); ok {
			return encodeBigInt(buf, bi)
		}
		return encodeValue(buf, v.Elem())
	case reflect.String:
		return encodeBytes(buf, []byte(v.String()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return encodeUint(buf, v.Uint())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBytes(buf, v.Bytes())
		}
		return encodeList(buf, v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := byteArrayBytes(v, v.Len())
			return encodeBytes(buf, b)
		}
		return encodeList(buf, v)
	case reflect.Struct:
		return encodeStruct(buf, v)
	default:
		return ErrUnsupportedType
	}
}

func encodeStruct(buf *bytes.Buffer, v reflect.Value) error {
	var inner bytes.Buffer
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).PkgPath != "" { // unexported
			continue
		}
		if err := encodeValue(&inner, v.Field(i)); err != nil {
			return err
		}
	}
	return writeListHeader(buf, inner.Bytes())
}

func encodeList(buf *bytes.Buffer, v reflect.Value) error {
	var inner bytes.Buffer
	for i := 0; i < v.Len(); i++ {
		if err := encodeValue(&inner, v.Index(i)); err != nil {
			return err
		}
	}
	return writeListHeader(buf, inner.Bytes())
}

func writeListHeader(buf *bytes.Buffer, payload []byte) error {
	if len(payload) < 56 {
		buf.WriteByte(0xc0 + byte(len(payload)))
		buf.Write(payload)
		return nil
	}
	lenBytes := bigEndianMinimal(uint64(len(payload)))
	buf.WriteByte(0xf7 + byte(len(lenBytes)))
	buf.Write(lenBytes)
	buf.Write(payload)
	return nil
}

func encodeUint(buf *bytes.Buffer, n uint64) error {
	if n == 0 {
		buf.WriteByte(0x80)
		return nil
	}
	return encodeBytes(buf, bigEndianMinimal(n))
}

func encodeBigInt(buf *bytes.Buffer, n *big.Int) error {
	if n.Sign() < 0 {
		return errors.New("rlp: cannot encode negative *big.Int")
	}
	if n.Sign() == 0 {
		buf.WriteByte(0x80)
		return nil
	}
	return encodeBytes(buf, n.Bytes())
}

// encodeBytes writes the RLP string encoding of b.
func encodeBytes(buf *bytes.Buffer, b []byte) error {
	switch {
	case len(b) == 1 && b[0] < 0x80:
		buf.WriteByte(b[0])
	case len(b) < 56:
		buf.WriteByte(0x80 + byte(len(b)))
		buf.Write(b)
	default:
		lenBytes := bigEndianMinimal(uint64(len(b)))
		buf.WriteByte(0xb7 + byte(len(lenBytes)))
		buf.Write(lenBytes)
		buf.Write(b)
	}
	return nil
}

func bigEndianMinimal(n uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(n)
		n >>= 8
	}
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}
