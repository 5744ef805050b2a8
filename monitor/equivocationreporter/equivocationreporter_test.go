package equivocationreporter

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/crypto"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/blockstore"
	"github.com/aura-tools/poa-monitor/rlp"
	"github.com/aura-tools/poa-monitor/tosdb/memorydb"
)

func sealForStep(t *testing.T, step uint64) []byte {
	enc, err := rlp.Encode(step)
	require.NoError(t, err)
	return enc
}

func signedHeader(t *testing.T, priv *ecdsa.PrivateKey, number, step uint64, variant byte) *blockcodec.Header {
	h := &blockcodec.Header{
		Number:     number,
		Difficulty: big.NewInt(0),
		ExtraData:  []byte{variant},
		SealFields: [][]byte{sealForStep(t, step), {}},
	}
	bare, err := blockcodec.BareHash(h)
	require.NoError(t, err)
	sig, err := crypto.Sign(bare.Bytes(), priv)
	require.NoError(t, err)
	copy(h.Signature[:], sig)
	sigEnc, err := rlp.Encode(sig)
	require.NoError(t, err)
	h.SealFields[1] = sigEnc
	return h
}

type recordingSink struct {
	calls [][]common.Hash
}

func (s *recordingSink) OnEquivocation(ctx context.Context, proposer common.Address, step uint64, hashes []common.Hash) error {
	s.calls = append(s.calls, hashes)
	return nil
}

func TestOnBlockNoEquivocationOnSingleBlock(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := blockstore.New(memorydb.New())
	sink := &recordingSink{}
	r := New(store)
	r.AddSink(sink)

	h := signedHeader(t, priv, 1, 5, 0)
	require.NoError(t, store.InsertBranch([]*blockcodec.Header{h}))
	require.NoError(t, r.OnBlock(context.Background(), h))
	require.Empty(t, sink.calls)
}

func TestOnBlockDetectsEquivocation(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := blockstore.New(memorydb.New())
	sink := &recordingSink{}
	r := New(store)
	r.AddSink(sink)

	b1 := signedHeader(t, priv, 1, 5, 0)
	require.NoError(t, store.InsertBranch([]*blockcodec.Header{b1}))
	require.NoError(t, r.OnBlock(context.Background(), b1))
	require.Empty(t, sink.calls)

	b2 := signedHeader(t, priv, 1, 5, 1) // same proposer/step, distinct block
	b1Hash, err := blockcodec.BareHash(b1)
	require.NoError(t, err)
	b2Hash, err := blockcodec.BareHash(b2)
	require.NoError(t, err)
	require.NotEqual(t, b1Hash, b2Hash)

	// b2 cannot extend b1 as a branch (both claim the same parent), so
	// insert it standalone the way two forked single-block branches would
	// each land in the store.
	require.NoError(t, store.InsertBranch([]*blockcodec.Header{b2}))
	require.NoError(t, r.OnBlock(context.Background(), b2))

	require.Len(t, sink.calls, 1)
	require.ElementsMatch(t, []common.Hash{b1Hash, b2Hash}, sink.calls[0])

	// 20 more non-equivocating blocks from a different proposer: no further calls.
	otherPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	parent := b2Hash
	for i := uint64(0); i < 20; i++ {
		h := signedHeader(t, otherPriv, 2+i, 6+i, 0)
		h.ParentHash = parent
		require.NoError(t, store.InsertBranch([]*blockcodec.Header{h}))
		require.NoError(t, r.OnBlock(context.Background(), h))
		hash, err := blockcodec.BareHash(h)
		require.NoError(t, err)
		parent = hash
	}
	require.Len(t, sink.calls, 1)
}

func TestOnBlockIgnoresGenesis(t *testing.T) {
	store := blockstore.New(memorydb.New())
	r := New(store)
	genesis := &blockcodec.Header{Number: 0, Difficulty: big.NewInt(0), SealFields: [][]byte{sealForStep(t, 0), {}}}
	require.NoError(t, store.InsertBranch([]*blockcodec.Header{genesis}))
	require.NoError(t, r.OnBlock(context.Background(), genesis))
}

func TestOnBlockRejectsUnindexedBlock(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := blockstore.New(memorydb.New())
	r := New(store)

	h := signedHeader(t, priv, 1, 5, 0) // never inserted
	err = r.OnBlock(context.Background(), h)
	require.ErrorIs(t, err, ErrBlockNotIndexed)
}
