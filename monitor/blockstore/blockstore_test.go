package blockstore

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/crypto"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/rlp"
	"github.com/aura-tools/poa-monitor/tosdb/memorydb"
)

var errInjected = errors.New("injected test failure")

func sealForStep(t *testing.T, step uint64) []byte {
	enc, err := rlp.Encode(step)
	require.NoError(t, err)
	return enc
}

// chain builds n linked, signed headers at steps 0..n-1, newest first (as
// BlockFetcherState.currentBranch orders them).
func chain(t *testing.T, n int) []*blockcodec.Header {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	headers := make([]*blockcodec.Header, n)
	parent := common.HexToHash("0xaa")
	for i := 0; i < n; i++ {
		h := &blockcodec.Header{
			ParentHash: parent,
			Number:     uint64(i),
			GasLimit:   8_000_000,
			Timestamp:  1_700_000_000 + uint64(i)*5,
			Difficulty: big.NewInt(0),
			ExtraData:  []byte{},
			SealFields: [][]byte{sealForStep(t, uint64(i)), {}},
		}
		bare, err := blockcodec.BareHash(h)
		require.NoError(t, err)
		sig, err := crypto.Sign(bare.Bytes(), priv)
		require.NoError(t, err)
		copy(h.Signature[:], sig)
		sigEnc, err := rlp.Encode(sig)
		require.NoError(t, err)
		h.SealFields[1] = sigEnc

		headers[i] = h
		parent = bare
	}
	// reverse to newest-first
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers
}

func newStore(t *testing.T) *Store {
	return New(memorydb.New())
}

func TestInsertBranchAndContains(t *testing.T) {
	s := newStore(t)
	headers := chain(t, 3)

	empty, err := s.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, s.InsertBranch(headers))

	for _, h := range headers {
		hash, err := blockcodec.BareHash(h)
		require.NoError(t, err)
		ok, err := s.Contains(hash)
		require.NoError(t, err)
		require.True(t, ok)
	}

	empty, err = s.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

func TestInsertBranchRejectsDisconnected(t *testing.T) {
	s := newStore(t)
	headers := chain(t, 3)
	headers[0].ParentHash = common.HexToHash("0xdead")

	err := s.InsertBranch(headers)
	require.ErrorIs(t, err, ErrNotABranch)
}

func TestInsertBranchRejectsDuplicate(t *testing.T) {
	s := newStore(t)
	headers := chain(t, 2)
	require.NoError(t, s.InsertBranch(headers))
	require.ErrorIs(t, s.InsertBranch(headers), ErrAlreadyExists)
}

func TestGetByProposerAndStepDetectsEquivocation(t *testing.T) {
	s := newStore(t)
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	mk := func(extra byte) *blockcodec.Header {
		h := &blockcodec.Header{
			ParentHash: common.HexToHash("0x01"),
			Number:     7,
			Difficulty: big.NewInt(0),
			ExtraData:  []byte{extra},
			SealFields: [][]byte{sealForStep(t, 7), {}},
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

	h1 := mk(1)
	h2 := mk(2) // same proposer, same step, different hash: equivocation

	require.NoError(t, s.InsertBranch([]*blockcodec.Header{h1}))
	require.NoError(t, s.InsertBranch([]*blockcodec.Header{h2}))

	proposer := crypto.PubkeyToAddress(priv.PublicKey)
	blocks, err := s.GetByProposerAndStep(proposer, 7)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.NotEqual(t, blocks[0].Hash, blocks[1].Hash)
}

func TestBlobRoundTrip(t *testing.T) {
	s := newStore(t)
	v, err := s.LoadBlob("skip-reporter")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.StoreBlob("skip-reporter", []byte("snapshot-v1")))
	v, err = s.LoadBlob("skip-reporter")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot-v1"), v)
}

func TestWithTransactionCommitsBlockAndBlobTogether(t *testing.T) {
	s := newStore(t)
	headers := chain(t, 1)

	err := s.WithTransaction(func(tx *Txn) error {
		if err := tx.InsertBranch(headers); err != nil {
			return err
		}
		return tx.StoreBlob("fetcher-state", []byte("tick-1"))
	})
	require.NoError(t, err)

	hash, err := blockcodec.BareHash(headers[0])
	require.NoError(t, err)
	ok, err := s.Contains(hash)
	require.NoError(t, err)
	require.True(t, ok)

	blob, err := s.LoadBlob("fetcher-state")
	require.NoError(t, err)
	require.Equal(t, []byte("tick-1"), blob)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	s := newStore(t)
	headers := chain(t, 1)

	err := s.WithTransaction(func(tx *Txn) error {
		require.NoError(t, tx.InsertBranch(headers))
		return errInjected
	})
	require.ErrorIs(t, err, errInjected)

	hash, err := blockcodec.BareHash(headers[0])
	require.NoError(t, err)
	ok, err := s.Contains(hash)
	require.NoError(t, err)
	require.False(t, ok, "batch must not be written when fn returns an error")
}
