package rlp

import "reflect"

// byteArrayBytes returns the length leading bytes of the fixed-size array
// value v (e.g. a common.Hash or common.Address), used by encode.go when
// encoding fixed-size byte arrays. An unaddressable v (such as a field of a
// struct passed by value) is copied first, since reflect can only slice an
// addressable array.
func byteArrayBytes(v reflect.Value, length int) []byte {
	if !v.CanAddr() {
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		v = cp
	}
	return v.Slice(0, length).Bytes()
}
