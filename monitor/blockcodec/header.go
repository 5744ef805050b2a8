// Package blockcodec canonicalizes Aura block headers fetched over RPC,
// computes their bare (unsealed) hash, and recovers the proposer address
// and step number from the two-field Aura seal. It is grounded on the
// teacher's consensus/dpos engine's sealHashWithSealLength/
// recoverHeaderSigner pair, generalized from DPoS's vanity+seal Extra
// scheme to Aura's explicit two-seal-field RPC representation.
package blockcodec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/crypto"
	"github.com/aura-tools/poa-monitor/rlp"
)

// Sentinel errors, matching spec.md §4.1/§7's taxonomy.
var (
	ErrMalformedHeader = errors.New("blockcodec: malformed header")
	ErrUnsupportedSeal = errors.New("blockcodec: unsupported seal field count")
	ErrBadSignature    = errors.New("blockcodec: invalid signature")
	ErrStepOverflow    = errors.New("blockcodec: step exceeds int64 range")
)

const (
	hashLen      = common.HashLength
	addressLen   = common.AddressLength
	logsBloomLen = 256
	signatureLen = 65
)

// RawHeader is the wire shape returned by the node RPC's
// eth_getBlockByNumber/eth_getBlockByHash, decoded from JSON by the caller
// (monitor/nodeclient) before being handed to Canonicalize.
type RawHeader struct {
	ParentHash   string   `json:"parentHash"`
	UnclesHash   string   `json:"sha3Uncles"`
	Author       string   `json:"author"`
	StateRoot    string   `json:"stateRoot"`
	TxRoot       string   `json:"transactionsRoot"`
	ReceiptsRoot string   `json:"receiptsRoot"`
	LogsBloom    string   `json:"logsBloom"`
	Difficulty   string   `json:"difficulty"`
	Number       string   `json:"number"`
	GasLimit     string   `json:"gasLimit"`
	GasUsed      string   `json:"gasUsed"`
	Timestamp    string   `json:"timestamp"`
	ExtraData    string   `json:"extraData"`
	SealFields   []string `json:"sealFields"`
	Signature    string   `json:"signature"`
}

// Header is the canonical, binary, in-memory form of an Aura block header.
type Header struct {
	ParentHash   common.Hash
	UnclesHash   common.Hash
	Author       common.Address
	StateRoot    common.Hash
	TxRoot       common.Hash
	ReceiptsRoot common.Hash
	LogsBloom    [logsBloomLen]byte
	Difficulty   *big.Int
	Number       uint64
	GasLimit     uint64
	GasUsed      uint64
	Timestamp    uint64
	ExtraData    []byte
	SealFields   [][]byte // raw RLP bytes of each seal field, as delivered by the node
	Signature    [signatureLen]byte
}

// bareFields is the 13-field RLP list bareHash is computed over. Field
// order is part of the wire contract and must not change.
type bareFields struct {
	ParentHash   common.Hash
	UnclesHash   common.Hash
	Author       common.Address
	StateRoot    common.Hash
	TxRoot       common.Hash
	ReceiptsRoot common.Hash
	LogsBloom    [logsBloomLen]byte
	Difficulty   *big.Int
	Number       uint64
	GasLimit     uint64
	GasUsed      uint64
	Timestamp    uint64
	ExtraData    []byte
}

// Canonicalize copies an RPC block's fields into canonical binary form.
func Canonicalize(raw *RawHeader) (*Header, error) {
	parentHash, err := fixedHex(raw.ParentHash, hashLen)
	if err != nil {
		return nil, fmt.Errorf("%w: parentHash: %v", ErrMalformedHeader, err)
	}
	unclesHash, err := fixedHex(raw.UnclesHash, hashLen)
	if err != nil {
		return nil, fmt.Errorf("%w: sha3Uncles: %v", ErrMalformedHeader, err)
	}
	author, err := fixedHex(raw.Author, addressLen)
	if err != nil {
		return nil, fmt.Errorf("%w: author: %v", ErrMalformedHeader, err)
	}
	stateRoot, err := fixedHex(raw.StateRoot, hashLen)
	if err != nil {
		return nil, fmt.Errorf("%w: stateRoot: %v", ErrMalformedHeader, err)
	}
	txRoot, err := fixedHex(raw.TxRoot, hashLen)
	if err != nil {
		return nil, fmt.Errorf("%w: transactionsRoot: %v", ErrMalformedHeader, err)
	}
	receiptsRoot, err := fixedHex(raw.ReceiptsRoot, hashLen)
	if err != nil {
		return nil, fmt.Errorf("%w: receiptsRoot: %v", ErrMalformedHeader, err)
	}
	logsBloom, err := fixedHex(raw.LogsBloom, logsBloomLen)
	if err != nil {
		return nil, fmt.Errorf("%w: logsBloom: %v", ErrMalformedHeader, err)
	}
	signature, err := fixedHex(raw.Signature, signatureLen)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedHeader, err)
	}

	difficulty, ok := parseQuantity(raw.Difficulty)
	if !ok {
		return nil, fmt.Errorf("%w: difficulty", ErrMalformedHeader)
	}
	number, ok := parseUint(raw.Number)
	if !ok {
		return nil, fmt.Errorf("%w: number", ErrMalformedHeader)
	}
	gasLimit, ok := parseUint(raw.GasLimit)
	if !ok {
		return nil, fmt.Errorf("%w: gasLimit", ErrMalformedHeader)
	}
	gasUsed, ok := parseUint(raw.GasUsed)
	if !ok {
		return nil, fmt.Errorf("%w: gasUsed", ErrMalformedHeader)
	}
	timestamp, ok := parseUint(raw.Timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: timestamp", ErrMalformedHeader)
	}

	sealFields := make([][]byte, len(raw.SealFields))
	for i, s := range raw.SealFields {
		b := common.FromHex(s)
		if b == nil && s != "" && s != "0x" {
			return nil, fmt.Errorf("%w: sealFields[%d]", ErrMalformedHeader, i)
		}
		sealFields[i] = b
	}

	h := &Header{
		ParentHash:   common.BytesToHash(parentHash),
		UnclesHash:   common.BytesToHash(unclesHash),
		Author:       common.BytesToAddress(author),
		StateRoot:    common.BytesToHash(stateRoot),
		TxRoot:       common.BytesToHash(txRoot),
		ReceiptsRoot: common.BytesToHash(receiptsRoot),
		Difficulty:   difficulty,
		Number:       number,
		GasLimit:     gasLimit,
		GasUsed:      gasUsed,
		Timestamp:    timestamp,
		ExtraData:    common.FromHex(raw.ExtraData),
		SealFields:   sealFields,
	}
	copy(h.LogsBloom[:], logsBloom)
	copy(h.Signature[:], signature)
	return h, nil
}

// EncodeBare RLP-encodes h's 13 non-seal fields, the same payload BareHash
// hashes. Exported for the equivocation report writer, which embeds the
// raw bytes of conflicting headers rather than just their hash.
func EncodeBare(h *Header) ([]byte, error) {
	if len(h.SealFields) != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedSeal, len(h.SealFields))
	}
	return rlp.Encode(bareFields{
		ParentHash:   h.ParentHash,
		UnclesHash:   h.UnclesHash,
		Author:       h.Author,
		StateRoot:    h.StateRoot,
		TxRoot:       h.TxRoot,
		ReceiptsRoot: h.ReceiptsRoot,
		LogsBloom:    h.LogsBloom,
		Difficulty:   h.Difficulty,
		Number:       h.Number,
		GasLimit:     h.GasLimit,
		GasUsed:      h.GasUsed,
		Timestamp:    h.Timestamp,
		ExtraData:    h.ExtraData,
	})
}

// BareHash RLP-encodes the 13 non-seal fields and returns their Keccak-256
// digest. Requires exactly two seal fields.
func BareHash(h *Header) (common.Hash, error) {
	enc, err := EncodeBare(h)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

var zeroSignature [signatureLen]byte

// RecoverProposer returns the proposer address that produced h's signature
// over h's bare hash. An all-zero signature (used by some test/dev chains
// for block 0) recovers to the zero address rather than erroring.
func RecoverProposer(h *Header) (common.Address, error) {
	if h.Signature == zeroSignature {
		return common.Address{}, nil
	}
	bare, err := BareHash(h)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.Ecrecover(bare.Bytes(), h.Signature[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return common.BytesToAddress(crypto.Keccak256(pub[1:])), nil
}

// DecodeStep decodes the first seal field as the Aura step number. The
// field may be RLP-encoded as a big-endian integer or (on some RPC
// encodings) as decimal ASCII; both are accepted. Values above 2^63-1 are
// refused since steps are used as array indices and loop bounds.
func DecodeStep(h *Header) (uint64, error) {
	if len(h.SealFields) < 1 {
		return 0, fmt.Errorf("%w: missing step seal field", ErrUnsupportedSeal)
	}
	raw, err := rlp.DecodeBytes(h.SealFields[0])
	if err != nil {
		// Some RPC encodings hand back the step as a bare (non-RLP) value;
		// fall back to treating the field itself as the payload.
		raw = h.SealFields[0]
	}
	if len(raw) == 0 {
		return 0, nil
	}
	if isDecimalASCII(raw) {
		n := new(big.Int)
		if _, ok := n.SetString(string(raw), 10); !ok {
			return 0, fmt.Errorf("%w: step not decimal", ErrMalformedHeader)
		}
		return bigToUint64(n)
	}
	if len(raw) > 8 {
		return 0, ErrStepOverflow
	}
	var n uint64
	for _, b := range raw {
		n = n<<8 | uint64(b)
	}
	if n > uint64(1)<<63-1 {
		return 0, ErrStepOverflow
	}
	return n, nil
}

func bigToUint64(n *big.Int) (uint64, error) {
	if n.Sign() < 0 || n.BitLen() > 63 {
		return 0, ErrStepOverflow
	}
	return n.Uint64(), nil
}

func isDecimalASCII(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func fixedHex(s string, length int) ([]byte, error) {
	b := common.FromHex(s)
	if len(b) != length {
		return nil, fmt.Errorf("wrong length %d, want %d", len(b), length)
	}
	return b, nil
}

func parseUint(s string) (uint64, bool) {
	n, ok := parseQuantity(s)
	if !ok || n.Sign() < 0 || n.BitLen() > 64 {
		return 0, false
	}
	return n.Uint64(), true
}

func parseQuantity(s string) (*big.Int, bool) {
	b := common.FromHex(s)
	if b == nil {
		return nil, false
	}
	return new(big.Int).SetBytes(b), true
}
