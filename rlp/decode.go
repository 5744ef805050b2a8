package rlp

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
)

// ErrMalformed is returned when the input is not well-formed RLP, or has
// trailing bytes after the first item.
var ErrMalformed = errors.New("rlp: malformed input")

// DecodeBytes decodes the single RLP string at the start of data and
// returns its content, erroring if data encodes a list or has trailing
// bytes.
func DecodeBytes(data []byte) ([]byte, error) {
	content, kind, rest, err := decodeItem(data)
	if err != nil {
		return nil, err
	}
	if kind != kindString {
		return nil, fmt.Errorf("%w: expected string, got list", ErrMalformed)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return content, nil
}

// DecodeUint64 decodes an RLP-encoded big-endian unsigned integer.
func DecodeUint64(data []byte) (uint64, error) {
	b, err := DecodeBytes(data)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("%w: integer too large for uint64", ErrMalformed)
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}

// DecodeBigInt decodes an RLP-encoded unsigned integer into a *big.Int.
func DecodeBigInt(data []byte) (*big.Int, error) {
	b, err := DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// SplitList returns the concatenated payload items of the single RLP list
// at the start of data, i.e. each item's own raw encoded bytes. Use
// DecodeBytes/DecodeUint64/SplitList again on each item to descend further.
func SplitList(data []byte) ([][]byte, error) {
	content, kind, rest, err := decodeItem(data)
	if err != nil {
		return nil, err
	}
	if kind != kindList {
		return nil, fmt.Errorf("%w: expected list, got string", ErrMalformed)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	var items [][]byte
	for len(content) > 0 {
		itemLen, err := itemTotalLength(content)
		if err != nil {
			return nil, err
		}
		items = append(items, content[:itemLen])
		content = content[itemLen:]
	}
	return items, nil
}

// Decode parses the RLP value at the start of data into out, which must be
// a non-nil pointer. It mirrors Encode's type support: []byte, fixed-size
// byte arrays, string, uint64, *big.Int, struct (exported fields in
// declaration order), and slices/arrays thereof. Used by the block store to
// round-trip its block records and secondary-index hash lists.
func Decode(data []byte, out interface{}) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("%w: Decode requires a non-nil pointer", ErrMalformed)
	}
	rest, err := decodeValue(data, v.Elem())
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return nil
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

func decodeValue(data []byte, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.Type() == bigIntType {
			content, kind, rest, err := decodeItem(data)
			if err != nil {
				return nil, err
			}
			if kind != kindString {
				return nil, fmt.Errorf("%w: expected string for *big.Int", ErrMalformed)
			}
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v.Interface().(*big.Int).SetBytes(content)
			return rest, nil
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return decodeValue(data, v.Elem())

	case reflect.String:
		content, kind, rest, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if kind != kindString {
			return nil, fmt.Errorf("%w: expected string", ErrMalformed)
		}
		v.SetString(string(content))
		return rest, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		content, kind, rest, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if kind != kindString {
			return nil, fmt.Errorf("%w: expected string for uint", ErrMalformed)
		}
		if len(content) > 8 {
			return nil, fmt.Errorf("%w: integer too large", ErrMalformed)
		}
		var n uint64
		for _, c := range content {
			n = n<<8 | uint64(c)
		}
		v.SetUint(n)
		return rest, nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			content, kind, rest, err := decodeItem(data)
			if err != nil {
				return nil, err
			}
			if kind != kindString {
				return nil, fmt.Errorf("%w: expected string for byte slice", ErrMalformed)
			}
			cp := make([]byte, len(content))
			copy(cp, content)
			v.SetBytes(cp)
			return rest, nil
		}
		content, kind, rest, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if kind != kindList {
			return nil, fmt.Errorf("%w: expected list for slice", ErrMalformed)
		}
		elems := reflect.MakeSlice(v.Type(), 0, 0)
		for len(content) > 0 {
			elem := reflect.New(v.Type().Elem()).Elem()
			remaining, err := decodeValue(content, elem)
			if err != nil {
				return nil, err
			}
			elems = reflect.Append(elems, elem)
			content = remaining
		}
		v.Set(elems)
		return rest, nil

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			content, kind, rest, err := decodeItem(data)
			if err != nil {
				return nil, err
			}
			if kind != kindString {
				return nil, fmt.Errorf("%w: expected string for byte array", ErrMalformed)
			}
			if len(content) != v.Len() {
				return nil, fmt.Errorf("%w: wrong byte array length %d, want %d", ErrMalformed, len(content), v.Len())
			}
			reflect.Copy(v, reflect.ValueOf(content))
			return rest, nil
		}
		content, kind, rest, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if kind != kindList {
			return nil, fmt.Errorf("%w: expected list for array", ErrMalformed)
		}
		for i := 0; i < v.Len(); i++ {
			remaining, err := decodeValue(content, v.Index(i))
			if err != nil {
				return nil, err
			}
			content = remaining
		}
		return rest, nil

	case reflect.Struct:
		content, kind, rest, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if kind != kindList {
			return nil, fmt.Errorf("%w: expected list for struct", ErrMalformed)
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" { // unexported
				continue
			}
			remaining, err := decodeValue(content, v.Field(i))
			if err != nil {
				return nil, err
			}
			content = remaining
		}
		return rest, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Kind())
	}
}

type itemKind int

const (
	kindString itemKind = iota
	kindList
)

// decodeItem parses the first RLP item of data and returns its decoded
// content, its kind, and the unconsumed remainder of data.
func decodeItem(data []byte) (content []byte, kind itemKind, rest []byte, err error) {
	if len(data) == 0 {
		return nil, 0, nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	b0 := data[0]
	switch {
	case b0 < 0x80:
		return data[:1], kindString, data[1:], nil
	case b0 < 0xb8:
		size := int(b0 - 0x80)
		if len(data) < 1+size {
			return nil, 0, nil, fmt.Errorf("%w: short string", ErrMalformed)
		}
		return data[1 : 1+size], kindString, data[1+size:], nil
	case b0 < 0xc0:
		lenOfLen := int(b0 - 0xb7)
		if len(data) < 1+lenOfLen {
			return nil, 0, nil, fmt.Errorf("%w: short string length", ErrMalformed)
		}
		size := decodeLength(data[1 : 1+lenOfLen])
		start := 1 + lenOfLen
		if len(data) < start+size {
			return nil, 0, nil, fmt.Errorf("%w: long string", ErrMalformed)
		}
		return data[start : start+size], kindString, data[start+size:], nil
	case b0 < 0xf8:
		size := int(b0 - 0xc0)
		if len(data) < 1+size {
			return nil, 0, nil, fmt.Errorf("%w: short list", ErrMalformed)
		}
		return data[1 : 1+size], kindList, data[1+size:], nil
	default:
		lenOfLen := int(b0 - 0xf7)
		if len(data) < 1+lenOfLen {
			return nil, 0, nil, fmt.Errorf("%w: short list length", ErrMalformed)
		}
		size := decodeLength(data[1 : 1+lenOfLen])
		start := 1 + lenOfLen
		if len(data) < start+size {
			return nil, 0, nil, fmt.Errorf("%w: long list", ErrMalformed)
		}
		return data[start : start+size], kindList, data[start+size:], nil
	}
}

// itemTotalLength returns the number of bytes the first RLP item of data
// occupies, including its header.
func itemTotalLength(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	b0 := data[0]
	switch {
	case b0 < 0x80:
		return 1, nil
	case b0 < 0xb8:
		return 1 + int(b0-0x80), nil
	case b0 < 0xc0:
		lenOfLen := int(b0 - 0xb7)
		if len(data) < 1+lenOfLen {
			return 0, fmt.Errorf("%w: short string length", ErrMalformed)
		}
		return 1 + lenOfLen + decodeLength(data[1:1+lenOfLen]), nil
	case b0 < 0xf8:
		return 1 + int(b0-0xc0), nil
	default:
		lenOfLen := int(b0 - 0xf7)
		if len(data) < 1+lenOfLen {
			return 0, fmt.Errorf("%w: short list length", ErrMalformed)
		}
		return 1 + lenOfLen + decodeLength(data[1:1+lenOfLen]), nil
	}
}

func decodeLength(b []byte) int {
	n := 0
	for _, c := range b {
		n = n<<8 | int(c)
	}
	return n
}
