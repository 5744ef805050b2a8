// Package blockstore is the durable, single-writer index of accepted
// blocks: primary key by hash, secondary index by (proposer, step), plus a
// named-blob slot for component state snapshots. It is grounded on the
// teacher's core/rawdb key-prefix schema (canonical-hash / header / body
// keys over an ethdb.KeyValueStore), generalized from per-field storage to
// this system's flatter Block record and blob tables.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/rlp"
	"github.com/aura-tools/poa-monitor/tosdb"
)

// Sentinel errors, matching spec.md §4.2/§7.
var (
	ErrAlreadyExists = errors.New("blockstore: already exists")
	ErrNotABranch    = errors.New("blockstore: not a branch")
)

// Key prefixes. blockPrefix+hash -> rlp(blockRecord); headerPrefix+hash ->
// rlp(blockcodec.Header); indexPrefix+proposer+step -> rlp([]common.Hash);
// blobPrefix+name -> raw blob bytes.
var (
	blockPrefix  = []byte("b")
	headerPrefix = []byte("h")
	indexPrefix  = []byte("ps")
	blobPrefix   = []byte("o")
)

// Block is the stored record: {hash, proposer, step}, per spec.md §3.
type Block struct {
	Hash     common.Hash
	Proposer common.Address
	Step     uint64
}

type blockRecord struct {
	Proposer common.Address
	Step     uint64
}

// Store is a durable index of accepted blocks over a tosdb.KeyValueStore,
// single-writer by construction (the block fetcher is the only caller of
// InsertBranch/StoreBlob).
type Store struct {
	db tosdb.KeyValueStore
	mu sync.RWMutex
}

// New wraps db as a Store. db may be backed by leveldb (durable) or
// memorydb (tests, or --db-dir="" ephemeral mode).
func New(db tosdb.KeyValueStore) *Store {
	return &Store{db: db}
}

// Contains reports whether hash has been inserted.
func (s *Store) Contains(hash common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Has(blockKey(hash))
}

// IsEmpty reports whether the store has never had a block inserted.
func (s *Store) IsEmpty() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it := s.db.NewIterator(blockPrefix, nil)
	defer it.Release()
	return !it.Next(), nil
}

// InsertBranch validates that headers form a connected child->parent chain
// (headers[i].ParentHash == headers[i+1].Hash, i.e. newest-to-oldest, mirroring
// BlockFetcherState.currentBranch's order) and inserts all of them plus the
// (proposer, step) secondary index entries in a single transaction. Fails
// ErrNotABranch if connectedness fails, ErrAlreadyExists if any hash
// collides with an already-stored block.
func (s *Store) InsertBranch(headers []*blockcodec.Header) error {
	if len(headers) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTransaction(func(t *txn) error {
		return s.insertBranchRows(t, headers)
	})
}

// branchRow is a header's decoded identity: its bare hash, proposer and
// step, computed once and shared between the connectedness check and the
// actual insert.
type branchRow struct {
	hash common.Hash
	rec  blockRecord
}

func decodeBranchRows(headers []*blockcodec.Header) ([]branchRow, error) {
	rows := make([]branchRow, len(headers))
	for i, h := range headers {
		hash, err := blockcodec.BareHash(h)
		if err != nil {
			return nil, fmt.Errorf("blockstore: bare hash: %w", err)
		}
		proposer, err := blockcodec.RecoverProposer(h)
		if err != nil {
			return nil, fmt.Errorf("blockstore: recover proposer: %w", err)
		}
		step, err := blockcodec.DecodeStep(h)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode step: %w", err)
		}
		rows[i] = branchRow{hash: hash, rec: blockRecord{Proposer: proposer, Step: step}}
	}
	for i := 0; i < len(headers)-1; i++ {
		if headers[i].ParentHash != rows[i+1].hash {
			return nil, fmt.Errorf("%w: header %d parent mismatch", ErrNotABranch, i)
		}
	}
	return rows, nil
}

func (s *Store) insertBranchRows(t *txn, headers []*blockcodec.Header) error {
	rows, err := decodeBranchRows(headers)
	if err != nil {
		return err
	}
	for _, r := range rows {
		ok, err := s.db.Has(blockKey(r.hash))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, r.hash.Hex())
		}
		enc, err := rlp.Encode(r.rec)
		if err != nil {
			return err
		}
		if err := t.Put(blockKey(r.hash), enc); err != nil {
			return err
		}
		if err := s.appendIndex(t, r.rec.Proposer, r.rec.Step, r.hash); err != nil {
			return err
		}
	}
	for i, h := range headers {
		headerEnc, err := rlp.Encode(*h)
		if err != nil {
			return err
		}
		if err := t.Put(headerKey(rows[i].hash), headerEnc); err != nil {
			return err
		}
	}
	return nil
}

// GetByProposerAndStep returns every block previously committed for
// (proposer, step), in insertion order. More than one entry is evidence of
// equivocation.
func (s *Store) GetByProposerAndStep(proposer common.Address, step uint64) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocksForProposerStep(nil, proposer, step)
}

func (s *Store) blocksForProposerStep(t *txn, proposer common.Address, step uint64) ([]Block, error) {
	hashes, err := s.readIndex(t, proposer, step)
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(hashes))
	for _, h := range hashes {
		raw, ok, err := s.get(t, blockKey(h))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("blockstore: indexed block %s missing its record", h.Hex())
		}
		var rec blockRecord
		if err := rlp.Decode(raw, &rec); err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Hash: h, Proposer: rec.Proposer, Step: rec.Step})
	}
	return blocks, nil
}

// GetHeader returns the full canonical header previously committed under
// hash, used by the equivocation report writer to recover the RLP payload
// of conflicting blocks without the fetcher re-fetching them over RPC.
func (s *Store) GetHeader(hash common.Hash) (*blockcodec.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headerFor(nil, hash)
}

func (s *Store) headerFor(t *txn, hash common.Hash) (*blockcodec.Header, error) {
	raw, ok, err := s.get(t, headerKey(hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("blockstore: header %s not found", hash.Hex())
	}
	var h blockcodec.Header
	if err := rlp.Decode(raw, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// LoadBlob returns the bytes previously stored under name, or nil if none.
func (s *Store) LoadBlob(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.db.Get(blobKey(name))
	if err != nil {
		return nil, nil //nolint:nilerr // absent blob is not an error, per spec.md loadBlob(name) -> bytes?
	}
	return v, nil
}

// StoreBlob overwrites the blob stored under name.
func (s *Store) StoreBlob(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(blobKey(name), data)
}

// WithTransaction runs fn with a handle that batches Puts/Deletes for
// blocks and blobs into one atomic commit: fn's writes land together or
// not at all, which is the crash-safety invariant spec.md §4.2 requires
// (a tick's new blocks and its state blobs are never split across a crash).
func (s *Store) WithTransaction(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTransaction(func(t *txn) error {
		return fn(&Txn{s: s, t: t})
	})
}

// Txn is the handle passed to WithTransaction's fn.
type Txn struct {
	s *Store
	t *txn
}

// StoreBlob stages a blob write inside the transaction.
func (tx *Txn) StoreBlob(name string, data []byte) error {
	return tx.t.Put(blobKey(name), data)
}

// InsertBranch stages a branch insert inside an already-open transaction,
// used by the orchestrator to combine a fetch tick's new blocks with its
// reporter state blobs in one commit.
func (tx *Txn) InsertBranch(headers []*blockcodec.Header) error {
	return tx.s.insertBranchRows(tx.t, headers)
}

// Contains reports whether hash has been inserted, observing this
// transaction's own staged (not yet committed) writes — needed by
// blockfetcher.Fetcher when it inserts more than one branch within a
// single tick and must see its own prior insertion before the transaction
// commits.
func (tx *Txn) Contains(hash common.Hash) (bool, error) {
	_, ok, err := tx.s.get(tx.t, blockKey(hash))
	return ok, err
}

// GetByProposerAndStep mirrors Store.GetByProposerAndStep but observes this
// transaction's own staged writes, needed by the equivocation reporter when
// both conflicting blocks are inserted within the same tick.
func (tx *Txn) GetByProposerAndStep(proposer common.Address, step uint64) ([]Block, error) {
	return tx.s.blocksForProposerStep(tx.t, proposer, step)
}

// GetHeader mirrors Store.GetHeader but observes this transaction's own
// staged writes, needed by the equivocation report writer when the
// conflicting header was inserted earlier in the same tick.
func (tx *Txn) GetHeader(hash common.Hash) (*blockcodec.Header, error) {
	return tx.s.headerFor(tx.t, hash)
}

// txn is the internal batch-plus-staging-map wrapper: reads inside a
// transaction must observe the transaction's own uncommitted writes (the
// secondary index append-then-read pattern needs this), so Put/Delete also
// populate an in-memory overlay consulted by get.
type txn struct {
	batch   tosdb.Batch
	staged  map[string][]byte
	deleted map[string]bool
}

func newTxn(b tosdb.Batch) *txn {
	return &txn{batch: b, staged: make(map[string][]byte), deleted: make(map[string]bool)}
}

func (t *txn) Put(key, value []byte) error {
	if err := t.batch.Put(key, value); err != nil {
		return err
	}
	t.staged[string(key)] = append([]byte(nil), value...)
	delete(t.deleted, string(key))
	return nil
}

func (t *txn) Delete(key []byte) error {
	if err := t.batch.Delete(key); err != nil {
		return err
	}
	delete(t.staged, string(key))
	t.deleted[string(key)] = true
	return nil
}

func (s *Store) withTransaction(fn func(*txn) error) error {
	b := s.db.NewBatch()
	t := newTxn(b)
	if err := fn(t); err != nil {
		return err
	}
	return b.Write()
}

// get reads key, preferring the transaction's staged overlay (used for the
// read-modify-write secondary index append within one withTransaction call).
func (s *Store) get(t *txn, key []byte) ([]byte, bool, error) {
	if t != nil {
		if t.deleted[string(key)] {
			return nil, false, nil
		}
		if v, ok := t.staged[string(key)]; ok {
			return v, true, nil
		}
	}
	v, err := s.db.Get(key)
	if err != nil {
		return nil, false, nil //nolint:nilerr // miss, not failure
	}
	return v, true, nil
}

func (s *Store) readIndex(t *txn, proposer common.Address, step uint64) ([]common.Hash, error) {
	raw, ok, err := s.get(t, indexKey(proposer, step))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var hashes []common.Hash
	if err := rlp.Decode(raw, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *Store) appendIndex(t *txn, proposer common.Address, step uint64, hash common.Hash) error {
	key := indexKey(proposer, step)
	raw, ok, err := s.get(t, key)
	if err != nil {
		return err
	}
	var hashes []common.Hash
	if ok {
		if err := rlp.Decode(raw, &hashes); err != nil {
			return err
		}
	}
	hashes = append(hashes, hash)
	enc, err := rlp.Encode(hashes)
	if err != nil {
		return err
	}
	return t.Put(key, enc)
}

func blockKey(hash common.Hash) []byte {
	return append(append([]byte(nil), blockPrefix...), hash.Bytes()...)
}

func headerKey(hash common.Hash) []byte {
	return append(append([]byte(nil), headerPrefix...), hash.Bytes()...)
}

func indexKey(proposer common.Address, step uint64) []byte {
	var stepBuf [8]byte
	binary.BigEndian.PutUint64(stepBuf[:], step)
	key := append(append([]byte(nil), indexPrefix...), proposer.Bytes()...)
	return append(key, stepBuf[:]...)
}

func blobKey(name string) []byte {
	return append(append([]byte(nil), blobPrefix...), []byte(name)...)
}

