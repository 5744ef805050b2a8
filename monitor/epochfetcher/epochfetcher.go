// Package epochfetcher discovers new validator epochs by reading
// validator-set contracts over RPC, respecting the chain spec's
// validator-definition ranges. It is grounded on validator/handler.go and
// validator/state.go's on-chain registry read pattern (poll a contract,
// diff against the last-seen state, feed the delta downstream), adapted
// here to the two-call getEpochStartHeights/getValidators shape the chain
// spec's contract ranges require.
package epochfetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/primaryoracle"
)

// ErrNonMonotonicHeights is returned when a contract's
// getEpochStartHeights() response is not strictly increasing, violating
// the one invariant fetchNew relies on to diff against latestFetched.
var ErrNonMonotonicHeights = errors.New("epochfetcher: epoch start heights not strictly increasing")

// EpochReader is the subset of nodeclient.Client a contract fetcher needs.
type EpochReader interface {
	EpochStartHeights(ctx context.Context, contract common.Address) ([]uint64, error)
	ValidatorsAt(ctx context.Context, contract common.Address, height uint64) ([]common.Address, error)
	HeadNumber(ctx context.Context) (uint64, error)
}

// ContractRange is a contract-typed validator-definition range from the
// chain spec: every epoch this fetcher discovers is clamped to start no
// earlier than EnterHeight and carries DefinitionIndex as its precedence.
type ContractRange struct {
	EnterHeight     uint64
	ContractAddress common.Address
	DefinitionIndex uint32
}

// ContractEpochFetcher tracks one contract-typed range's discovered
// epochs, per spec.md §4.4.
type ContractEpochFetcher struct {
	reader EpochReader
	rng    ContractRange

	earliestFetched *primaryoracle.Epoch
	latestFetched   *primaryoracle.Epoch
	lastFetchHeight uint64
	hasPolled       bool
}

// NewContractEpochFetcher creates a fetcher for one contract range.
func NewContractEpochFetcher(reader EpochReader, rng ContractRange) *ContractEpochFetcher {
	return &ContractEpochFetcher{reader: reader, rng: rng}
}

// LastFetchHeight returns the head number recorded by the most recent
// fetchNew call, or 0 if fetchNew has never run.
func (f *ContractEpochFetcher) LastFetchHeight() uint64 {
	return f.lastFetchHeight
}

// EarliestFetched returns the lowest-startHeight epoch discovered so far.
func (f *ContractEpochFetcher) EarliestFetched() (primaryoracle.Epoch, bool) {
	if f.earliestFetched == nil {
		return primaryoracle.Epoch{}, false
	}
	return *f.earliestFetched, true
}

// fetchNew implements spec.md §4.4 steps 1-4: record head as
// lastFetchHeight, read the contract's start heights, fetch validators
// for every height newer than latestFetched, and return the newly
// discovered epochs in ascending order.
func (f *ContractEpochFetcher) fetchNew(ctx context.Context) ([]primaryoracle.Epoch, error) {
	head, err := f.reader.HeadNumber(ctx)
	if err != nil {
		return nil, err
	}
	f.lastFetchHeight = head
	f.hasPolled = true

	heights, err := f.reader.EpochStartHeights(ctx, f.rng.ContractAddress)
	if err != nil {
		return nil, err
	}
	if err := assertStrictlyIncreasing(heights); err != nil {
		return nil, err
	}

	var newEpochs []primaryoracle.Epoch
	for _, startHeight := range heights {
		if f.latestFetched != nil && startHeight <= f.latestFetched.StartHeight {
			continue
		}
		validators, err := f.reader.ValidatorsAt(ctx, f.rng.ContractAddress, startHeight)
		if err != nil {
			return nil, err
		}
		e := primaryoracle.Epoch{
			StartHeight:     max(startHeight, f.rng.EnterHeight),
			Validators:      validators,
			DefinitionIndex: f.rng.DefinitionIndex,
		}
		newEpochs = append(newEpochs, e)
	}

	for _, e := range newEpochs {
		e := e
		if f.earliestFetched == nil {
			f.earliestFetched = &e
		}
		f.latestFetched = &e
	}
	return newEpochs, nil
}

func assertStrictlyIncreasing(heights []uint64) error {
	for i := 1; i < len(heights); i++ {
		if heights[i] <= heights[i-1] {
			return fmt.Errorf("%w: %d <= %d", ErrNonMonotonicHeights, heights[i], heights[i-1])
		}
	}
	return nil
}

// Fetcher is the composite epoch fetcher: one ContractEpochFetcher per
// contract-typed validator-definition range, in chain-spec order.
type Fetcher struct {
	contracts []*ContractEpochFetcher
}

// New creates a composite Fetcher over the given contract ranges, which
// must already be in chain-spec order (ascending EnterHeight).
func New(reader EpochReader, ranges []ContractRange) *Fetcher {
	f := &Fetcher{}
	for _, r := range ranges {
		f.contracts = append(f.contracts, NewContractEpochFetcher(reader, r))
	}
	return f
}

// FetchNew polls every live contract fetcher in order, concatenates their
// newly discovered epochs, and prunes any fetcher made stale by the
// result: per spec.md §4.4, a contract fetcher is stale once its
// lastFetchHeight is at or past the next fetcher's earliest discovered
// startHeight, meaning the next range has already taken over.
func (f *Fetcher) FetchNew(ctx context.Context) ([]primaryoracle.Epoch, error) {
	var all []primaryoracle.Epoch
	for _, c := range f.contracts {
		epochs, err := c.fetchNew(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, epochs...)
	}
	f.pruneStale()
	return all, nil
}

func (f *Fetcher) pruneStale() {
	live := f.contracts[:0:0]
	for i, c := range f.contracts {
		if i+1 < len(f.contracts) {
			next := f.contracts[i+1]
			if nextEarliest, ok := next.EarliestFetched(); ok && c.lastFetchHeight >= nextEarliest.StartHeight {
				continue // stale: superseded by the next range
			}
		}
		live = append(live, c)
	}
	f.contracts = live
}

// MaxHeight returns the bound primaryoracle.Oracle.SetMaxHeightFunc needs:
// the minimum lastFetchHeight over all live contract fetchers, or
// unbounded (true) if there are none (a purely-static configuration).
func (f *Fetcher) MaxHeight() (height uint64, unbounded bool) {
	if len(f.contracts) == 0 {
		return 0, true
	}
	min := uint64(0)
	for i, c := range f.contracts {
		if !c.hasPolled {
			return 0, false // a fetcher has never run: bound progress at height 0
		}
		if i == 0 || c.lastFetchHeight < min {
			min = c.lastFetchHeight
		}
	}
	return min, false
}
