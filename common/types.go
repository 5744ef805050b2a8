// Package common holds the fixed-size primitive types shared by every
// component of the monitor: 32-byte hashes and 20-byte addresses, plus the
// hex codecs used at the RPC and report-file boundaries.
package common

import (
	"encoding/hex"
	"fmt"
)

const (
	HashLength    = 32
	AddressLength = 20
)

// Hash is a 32-byte Keccak-256 digest, usually a block's bare hash.
type Hash [HashLength]byte

// BytesToHash sets the last HashLength bytes of b as the Hash value. If b is
// larger, it is truncated from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash parses a 0x-prefixed or bare hex string into a Hash.
func HexToHash(s string) Hash { return BytesToHash(FromHex(s)) }

func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) Hex() string    { return "0x" + hex.EncodeToString(h[:]) }
func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == (Hash{}) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := decodeHexText(text, HashLength)
	if err != nil {
		return fmt.Errorf("common: invalid hash %q: %w", text, err)
	}
	copy(h[:], b)
	return nil
}

// Address is a 20-byte account/validator identifier recovered from a block
// signature or read from a validator-set contract.
type Address [AddressLength]byte

// BytesToAddress sets the last AddressLength bytes of b as the Address
// value. If b is larger, it is truncated from the left.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// HexToAddress parses a 0x-prefixed or bare hex string into an Address.
func HexToAddress(s string) Address { return BytesToAddress(FromHex(s)) }

// IsHexAddress reports whether s is a syntactically valid hex address.
func IsHexAddress(s string) bool {
	if has0xPrefix(s) {
		s = s[2:]
	}
	return len(s) == 2*AddressLength && isHex(s)
}

func (a Address) Bytes() []byte  { return a[:] }
func (a Address) Hex() string    { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) String() string { return a.Hex() }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	b, err := decodeHexText(text, AddressLength)
	if err != nil {
		return fmt.Errorf("common: invalid address %q: %w", text, err)
	}
	copy(a[:], b)
	return nil
}

// Less reports whether a sorts strictly before b in ascending byte order —
// the canonical validator ordering used throughout the oracle.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func decodeHexText(text []byte, want int) ([]byte, error) {
	s := string(text)
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s) != 2*want {
		return nil, fmt.Errorf("wrong length %d, want %d hex chars", len(s), 2*want)
	}
	return hex.DecodeString(s)
}
