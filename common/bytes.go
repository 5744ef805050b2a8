package common

import "encoding/hex"

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isHexChar(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, c := range []byte(s) {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}

// FromHex decodes a 0x-prefixed or bare hex string, returning nil on error.
// An odd-length string is left-padded with a zero nibble, matching the
// go-ethereum convention of tolerating short hex inputs.
func FromHex(s string) []byte {
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Bytes2Hex returns the 0x-less hex encoding of d.
func Bytes2Hex(d []byte) string { return hex.EncodeToString(d) }

// CopyBytes returns an independent copy of b.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// LeftPadBytes zero-pads b on the left up to size bytes.
func LeftPadBytes(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
