// Package blockfetcher is the central sync state machine: it walks the
// node's canonical chain forward from the last known head, falls back to a
// backward parent-link walk when a reorg makes forward progress impossible,
// and inserts every discovered branch into the block store atomically. It
// is grounded on the teacher's consensus/dpos Verify/VerifyHeaders pipeline
// (ancestor lookups, header-chain validation before commit) and
// core/blockchain.go's fork-choice/insert-chain split between extending the
// canonical chain and reorganizing onto a side chain.
package blockfetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/rlp"
)

// Sentinel errors, matching spec.md §4.5/§7.
var (
	ErrForkBelowInitial = errors.New("blockfetcher: fork below initial block")
	ErrUnknownBase      = errors.New("blockfetcher: branch base not in store")
	ErrStoreCorrupted   = errors.New("blockfetcher: store reports already-exists against a freshly computed branch")
)

// NodeClient is the subset of nodeclient.Client the fetcher needs.
type NodeClient interface {
	HeadNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*blockcodec.Header, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*blockcodec.Header, error)
}

// BlockStore is the subset of blockstore.Store/Txn the fetcher needs. Its
// InsertBranch must reject a branch whose first (newest) block collides
// with an existing hash, per blockstore.ErrAlreadyExists.
type BlockStore interface {
	Contains(hash common.Hash) (bool, error)
	InsertBranch(headers []*blockcodec.Header) error
}

// AlreadyExistsChecker lets the fetcher distinguish blockstore's
// ErrAlreadyExists (a fatal, store-view-is-stale condition per spec.md
// §4.5) from every other InsertBranch failure, without importing
// monitor/blockstore (which would create an import cycle with its tests
// exercising this package, and couples this package to one store impl).
type AlreadyExistsChecker func(error) bool

// Callback is invoked once per newly inserted block, in ascending-height
// (insertion) order.
type Callback func(h *blockcodec.Header) error

// InitialBlockResolver picks the single block InsertInitial seeds the
// store with, per spec.md §4.5's four variants.
type InitialBlockResolver interface {
	Resolve(ctx context.Context, client NodeClient) (*blockcodec.Header, error)
}

// GenesisResolver resolves to block 0.
type GenesisResolver struct{}

func (GenesisResolver) Resolve(ctx context.Context, client NodeClient) (*blockcodec.Header, error) {
	return client.BlockByNumber(ctx, 0)
}

// LatestResolver resolves to the current head block.
type LatestResolver struct{}

func (LatestResolver) Resolve(ctx context.Context, client NodeClient) (*blockcodec.Header, error) {
	head, err := client.HeadNumber(ctx)
	if err != nil {
		return nil, err
	}
	return client.BlockByNumber(ctx, head)
}

// ByNumberResolver resolves to a fixed block number; a negative Number is
// an offset from the current head (Number == -1 means the block before
// head, etc).
type ByNumberResolver struct {
	Number int64
}

func (r ByNumberResolver) Resolve(ctx context.Context, client NodeClient) (*blockcodec.Header, error) {
	if r.Number >= 0 {
		return client.BlockByNumber(ctx, uint64(r.Number))
	}
	head, err := client.HeadNumber(ctx)
	if err != nil {
		return nil, err
	}
	offset := uint64(-r.Number)
	if offset > head {
		offset = head
	}
	return client.BlockByNumber(ctx, head-offset)
}

// ByDateResolver resolves to the earliest block whose timestamp is >= the
// target Unix time, via binary search over block numbers.
type ByDateResolver struct {
	Timestamp uint64
}

func (r ByDateResolver) Resolve(ctx context.Context, client NodeClient) (*blockcodec.Header, error) {
	head, err := client.HeadNumber(ctx)
	if err != nil {
		return nil, err
	}
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := client.BlockByNumber(ctx, mid)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("blockfetcher: null block %d during date search", mid)
		}
		if h.Timestamp < r.Timestamp {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return client.BlockByNumber(ctx, lo)
}

// State is the persisted form of a Fetcher, round-tripped through
// blockstore's named-blob slot between ticks. Head is the zero Header
// until HasInitial is true (the rlp codec has no nil-pointer
// representation, so validity is tracked out-of-band rather than via a
// nilable field).
type State struct {
	Head               blockcodec.Header
	CurrentBranch      []*blockcodec.Header // newest-first; nil unless a backward walk is in progress
	InitialBlockNumber uint64
	HasInitial         bool
}

// Fetcher is the block-fetcher state machine of spec.md §4.5.
type Fetcher struct {
	client          NodeClient
	store           BlockStore
	resolver        InitialBlockResolver
	isAlreadyExists AlreadyExistsChecker
	maxReorgDepth   uint64
	callbacks       []Callback

	head               *blockcodec.Header
	currentBranch      []*blockcodec.Header // newest-first, in-progress backward walk
	initialBlockNumber uint64
	hasInitial         bool
	startSyncNumber    uint64 // progress reporting only, not persisted
}

// New creates a Fetcher. maxReorgDepth bounds how close to the node's
// reported head the forward phase is willing to trust (the node's own
// notion of "head" may still reorg within this depth).
func New(client NodeClient, store BlockStore, resolver InitialBlockResolver, maxReorgDepth uint64, isAlreadyExists AlreadyExistsChecker) *Fetcher {
	return &Fetcher{
		client:          client,
		store:           store,
		resolver:        resolver,
		isAlreadyExists: isAlreadyExists,
		maxReorgDepth:   maxReorgDepth,
	}
}

// OnBlock registers a callback invoked once per newly inserted block.
func (f *Fetcher) OnBlock(cb Callback) {
	f.callbacks = append(f.callbacks, cb)
}

// State snapshots the fetcher for persistence via blockstore.StoreBlob.
func (f *Fetcher) State() State {
	s := State{
		CurrentBranch:      f.currentBranch,
		InitialBlockNumber: f.initialBlockNumber,
		HasInitial:         f.hasInitial,
	}
	if f.head != nil {
		s.Head = *f.head
	}
	return s
}

// Restore loads a previously persisted State.
func (f *Fetcher) Restore(s State) {
	if s.HasInitial {
		head := s.Head
		f.head = &head
	} else {
		f.head = nil
	}
	f.currentBranch = s.CurrentBranch
	f.initialBlockNumber = s.InitialBlockNumber
	f.hasInitial = s.HasInitial
}

// EncodeState/DecodeState let the orchestrator round-trip State through a
// named blob without reaching into this package's internals.
func EncodeState(s State) ([]byte, error) { return rlp.Encode(s) }

func DecodeState(data []byte) (State, error) {
	var s State
	if err := rlp.Decode(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// FetchAndInsertNewBlocks implements spec.md §4.5: seeds the store with an
// initial block if empty, then attempts the forward phase, falling back to
// the backward phase if forward made no progress. maxHeight, if non-nil,
// caps how far forward/backward either phase is allowed to look.
func (f *Fetcher) FetchAndInsertNewBlocks(ctx context.Context, maxBlocks uint64, maxHeight *uint64) (int, error) {
	inserted := 0

	if !f.hasInitial {
		n, err := f.insertInitial(ctx, maxHeight)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}

	if uint64(inserted) >= maxBlocks {
		return inserted, nil
	}

	if len(f.currentBranch) == 0 {
		n, err := f.forwardPhase(ctx, maxBlocks-uint64(inserted), maxHeight)
		inserted += n
		if err != nil {
			return inserted, err
		}
		if n > 0 {
			return inserted, nil
		}
	}

	n, err := f.backwardPhase(ctx, maxBlocks-uint64(inserted), maxHeight)
	inserted += n
	return inserted, err
}

func (f *Fetcher) insertInitial(ctx context.Context, maxHeight *uint64) (int, error) {
	initial, err := f.resolver.Resolve(ctx, f.client)
	if err != nil {
		return 0, err
	}
	if initial == nil {
		return 0, fmt.Errorf("blockfetcher: initial block resolver returned nil")
	}
	head, err := f.client.HeadNumber(ctx)
	if err != nil {
		return 0, err
	}
	floor := saturatingSub(head, f.maxReorgDepth)
	if initial.Number > floor {
		initial, err = f.client.BlockByNumber(ctx, floor)
		if err != nil {
			return 0, err
		}
		if initial == nil {
			return 0, fmt.Errorf("blockfetcher: null block at reorg floor %d", floor)
		}
	}

	if err := f.insertAndNotify(ctx, []*blockcodec.Header{initial}); err != nil {
		return 0, err
	}
	f.head = initial
	f.initialBlockNumber = initial.Number
	f.hasInitial = true
	f.startSyncNumber = initial.Number
	return 1, nil
}

func (f *Fetcher) forwardPhase(ctx context.Context, maxBlocks uint64, maxHeight *uint64) (int, error) {
	if maxBlocks == 0 {
		return 0, nil
	}
	head, err := f.client.HeadNumber(ctx)
	if err != nil {
		return 0, err
	}
	forwardTarget := saturatingSub(head, f.maxReorgDepth)
	if maxHeight != nil && *maxHeight < forwardTarget {
		forwardTarget = *maxHeight
	}
	if f.head.Number >= forwardTarget {
		return 0, nil
	}

	var ascending []*blockcodec.Header
	for n := f.head.Number + 1; n <= forwardTarget && uint64(len(ascending)) < maxBlocks; n++ {
		h, err := f.client.BlockByNumber(ctx, n)
		if err != nil {
			return 0, err
		}
		if h == nil {
			break
		}
		ascending = append(ascending, h)
	}
	if len(ascending) == 0 {
		return 0, nil
	}

	newestFirst := reverseHeaders(ascending)
	oldest := newestFirst[len(newestFirst)-1]
	if err := f.checkBase(oldest); err != nil {
		return 0, err
	}
	if err := f.insertAndNotify(ctx, newestFirst); err != nil {
		return 0, err
	}
	f.head = ascending[len(ascending)-1]
	return len(ascending), nil
}

func (f *Fetcher) backwardPhase(ctx context.Context, maxBlocks uint64, maxHeight *uint64) (int, error) {
	if maxBlocks == 0 {
		return 0, nil
	}
	if len(f.currentBranch) == 0 {
		start, err := f.backwardStart(ctx, maxHeight)
		if err != nil {
			return 0, err
		}
		if start == nil {
			return 0, nil
		}
		startHash, err := blockcodec.BareHash(start)
		if err != nil {
			return 0, err
		}
		known, err := f.store.Contains(startHash)
		if err != nil {
			return 0, err
		}
		if known {
			return 0, nil // the node's head is already stored: nothing new
		}
		f.currentBranch = []*blockcodec.Header{start}
	}

	for uint64(len(f.currentBranch)) <= maxBlocks {
		tail := f.currentBranch[len(f.currentBranch)-1]
		if tail.Number == 0 || tail.Number == f.initialBlockNumber {
			return f.completeBackwardBranch(ctx)
		}
		contains, err := f.store.Contains(tail.ParentHash)
		if err != nil {
			return 0, err
		}
		if contains {
			return f.completeBackwardBranch(ctx)
		}
		if tail.Number-1 < f.initialBlockNumber {
			return 0, ErrForkBelowInitial
		}
		parent, err := f.client.BlockByHash(ctx, tail.ParentHash)
		if err != nil {
			return 0, err
		}
		if parent == nil {
			return 0, fmt.Errorf("blockfetcher: parent %s not found", tail.ParentHash.Hex())
		}
		f.currentBranch = append(f.currentBranch, parent)
	}
	return 0, nil // maxBlocks reached: currentBranch left in state for the next tick
}

func (f *Fetcher) backwardStart(ctx context.Context, maxHeight *uint64) (*blockcodec.Header, error) {
	if maxHeight != nil {
		return f.client.BlockByNumber(ctx, *maxHeight)
	}
	head, err := f.client.HeadNumber(ctx)
	if err != nil {
		return nil, err
	}
	return f.client.BlockByNumber(ctx, head)
}

func (f *Fetcher) completeBackwardBranch(ctx context.Context) (int, error) {
	branch := f.currentBranch
	f.currentBranch = nil
	if err := f.checkBase(branch[len(branch)-1]); err != nil {
		return 0, err
	}
	if err := f.insertAndNotify(ctx, branch); err != nil {
		return 0, err
	}
	f.head = branch[0]
	return len(branch), nil
}

// checkBase enforces spec.md §4.5's UnknownBase rule: a branch's oldest
// block's parent must already be in the store, unless that block is
// genesis or the tracked initialBlockNumber.
func (f *Fetcher) checkBase(oldest *blockcodec.Header) error {
	if oldest.Number == 0 || oldest.Number == f.initialBlockNumber {
		return nil
	}
	ok, err := f.store.Contains(oldest.ParentHash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: block %d parent %s", ErrUnknownBase, oldest.Number, oldest.ParentHash.Hex())
	}
	return nil
}

// insertAndNotify inserts headersNewestFirst as one atomic branch and then
// invokes every callback once per block, in ascending-height order.
func (f *Fetcher) insertAndNotify(ctx context.Context, headersNewestFirst []*blockcodec.Header) error {
	if err := f.store.InsertBranch(headersNewestFirst); err != nil {
		if f.isAlreadyExists != nil && f.isAlreadyExists(err) {
			return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
		}
		return err
	}
	for _, h := range reverseHeaders(headersNewestFirst) {
		for _, cb := range f.callbacks {
			if err := cb(h); err != nil {
				return err
			}
		}
	}
	return nil
}

func reverseHeaders(h []*blockcodec.Header) []*blockcodec.Header {
	out := make([]*blockcodec.Header, len(h))
	for i, v := range h {
		out[len(h)-1-i] = v
	}
	return out
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
