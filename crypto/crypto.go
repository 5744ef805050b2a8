// Package crypto provides the Keccak-256 hashing and secp256k1 signature
// recovery the block codec needs: recovering an Aura seal's signer and
// computing a block's bare hash.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/aura-tools/poa-monitor/common"
)

const (
	// SignatureLength is an Aura seal signature: 64 byte ECDSA signature + 1 byte recovery id.
	SignatureLength = 64 + 1
	// RecoveryIDOffset points to the recovery id byte within a signature.
	RecoveryIDOffset = 64
)

var (
	// ErrInvalidSignature is returned when a seal signature fails to recover a public key.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	secp256k1N          = secp256k1.S256().N
	secp256k1HalfN      = new(big.Int).Rsh(secp256k1N, 1)
)

// Keccak256 computes the Keccak-256 digest of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hash computes the Keccak-256 digest of data and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// Ecrecover returns the uncompressed public key (65 bytes, 0x04 prefix) that
// produced sig over hash. sig must be 65 bytes: [R(32) || S(32) || V(1)]
// with V in {0,1}.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the ECDSA public key from hash and sig.
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: wrong size", ErrInvalidSignature)
	}
	// decred's RecoverCompact expects [recoveryID+27 || R || S].
	compact := make([]byte, 65)
	compact[0] = sig[RecoveryIDOffset] + 27
	copy(compact[1:], sig[:64])

	pub, _, err := dsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub.ToECDSA(), nil
}

// VerifySignature checks that sig (64-byte [R||S], no recovery id) over
// hash validates against the uncompressed or compressed pubkey.
func VerifySignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	var pub *secp256k1.PublicKey
	var err error
	switch len(pubkey) {
	case 33:
		pub, err = secp256k1.ParsePubKey(pubkey)
	case 65:
		pub, err = secp256k1.ParsePubKey(pubkey)
	default:
		return false
	}
	if err != nil {
		return false
	}
	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
		return false
	}
	signature := dsa.NewSignature(r, s)
	return signature.Verify(hash, pub)
}

// UnmarshalPubkey parses an uncompressed (0x04-prefixed, 65 byte) public key.
func UnmarshalPubkey(pub []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(secp256k1.S256(), pub)
	if x == nil {
		return nil, errors.New("crypto: invalid public key")
	}
	return &ecdsa.PublicKey{Curve: secp256k1.S256(), X: x, Y: y}, nil
}

// DecompressPubkey parses a 33-byte compressed public key.
func DecompressPubkey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != 33 {
		return nil, errors.New("crypto: invalid compressed public key length")
	}
	p, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, err
	}
	return p.ToECDSA(), nil
}

// FromECDSAPub marshals pub into the uncompressed 65-byte form.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(secp256k1.S256(), pub.X, pub.Y)
}

// PubkeyToAddress derives the 20-byte account address from an uncompressed
// public key: the low 20 bytes of Keccak256 of the 64-byte X||Y point.
func PubkeyToAddress(pub ecdsa.PublicKey) common.Address {
	b := FromECDSAPub(&pub)
	return common.BytesToAddress(Keccak256(b[1:]))
}

// GenerateKey creates a new random secp256k1 private key, used by tests to
// fabricate signed blocks for a fake chain.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return key.ToECDSA(), nil
}

// Sign produces a 65-byte [R(32) || S(32) || V(1)] signature over hash
// recoverable by Ecrecover/SigToPub.
func Sign(hash []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("crypto: hash must be 32 bytes")
	}
	key := secp256k1.PrivKeyFromBytes(priv.D.Bytes())
	compact := dsa.SignCompact(key, hash, false)
	// compact is [recid+27 || R || S]; reorder to [R || S || recid].
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[RecoveryIDOffset] = compact[0] - 27
	return sig, nil
}

// ValidateSignatureValues reports whether r, s and the recovery id v are
// within the canonical range Aura (and Ethereum's homestead rule) requires:
// 0 < r,s < N and s <= N/2 (low-S only), v in {0,1}.
func ValidateSignatureValues(v byte, r, s *big.Int) bool {
	if r == nil || s == nil {
		return false
	}
	if v > 1 {
		return false
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	return r.Cmp(secp256k1N) < 0 && s.Cmp(secp256k1HalfN) <= 0
}
