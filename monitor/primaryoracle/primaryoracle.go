// Package primaryoracle resolves (height, step) to the validator expected
// to propose at that step, across a layered history of epochs fed by the
// chain spec's static validator-definition ranges and the epoch fetcher's
// dynamic contract reads. It is grounded on the teacher's
// consensus/dpos/snapshot.go Snapshot: an ordered, ascending validator set
// resolved per block height, generalized from DPoS's single current-set
// snapshot to Aura's supersedable epoch history.
package primaryoracle

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/aura-tools/poa-monitor/common"
)

// Sentinel errors, matching spec.md §4.3/§7.
var (
	ErrHeightOutOfRange  = errors.New("primaryoracle: height out of range")
	ErrBeforeFirstEpoch  = errors.New("primaryoracle: height before first epoch")
	ErrEmptyValidatorSet = errors.New("primaryoracle: empty validator set")
)

// Epoch is a validator set effective from startHeight, per spec.md §3.
type Epoch struct {
	StartHeight    uint64
	Validators     []common.Address // in the order given, primary(step) = Validators[step % len(Validators)]
	DefinitionIndex uint32
}

// maxHeightFunc reports the current maxHeight bound: the minimum over all
// contract epoch fetchers of their lastFetchHeight, or an unbounded sentinel
// for a purely-static chain spec. The epoch fetcher registers this via
// SetMaxHeightFunc once its contract fetchers exist.
type maxHeightFunc func() (height uint64, unbounded bool)

// Oracle holds the epoch index and answers primary(height, step).
type Oracle struct {
	mu sync.RWMutex

	epochs  map[uint64]Epoch
	order   []uint64 // sorted ascending startHeights, kept in sync with epochs

	maxHeight maxHeightFunc
	cache     *lru.ARCCache // (height,step) -> common.Address
}

const defaultCacheSize = 4096

// New creates an Oracle seeded with the static epochs derived from the
// chain spec's list-typed validator-definition ranges (one Epoch per
// range, at range.enterHeight, with DefinitionIndex = rangeIndex).
func New(staticEpochs []Epoch) (*Oracle, error) {
	cache, err := lru.NewARC(defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("primaryoracle: %w", err)
	}
	o := &Oracle{
		epochs: make(map[uint64]Epoch),
		cache:  cache,
	}
	for _, e := range staticEpochs {
		if err := o.addEpochLocked(e); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SetMaxHeightFunc installs the bound used by Primary's HeightOutOfRange
// check. Called once by the epoch fetcher wiring; unset means unbounded.
func (o *Oracle) SetMaxHeightFunc(fn maxHeightFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxHeight = fn
}

// AddEpoch inserts e per the supersession rule in spec.md §4.3: an epoch
// whose definitionIndex is smaller than the epoch immediately preceding it
// is irrelevant and silently dropped; otherwise e is inserted (replacing
// any epoch at the same startHeight) and every later epoch with a strictly
// smaller definitionIndex is removed.
func (o *Oracle) AddEpoch(e Epoch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.addEpochLocked(e); err != nil {
		return err
	}
	o.cache.Purge()
	return nil
}

func (o *Oracle) addEpochLocked(e Epoch) error {
	if len(e.Validators) == 0 {
		return ErrEmptyValidatorSet
	}
	if prev, ok := o.prevEpochLocked(e.StartHeight); ok && prev.DefinitionIndex > e.DefinitionIndex {
		return nil // irrelevant: dropped silently
	}
	o.insertLocked(e)
	for {
		next, ok := o.nextEpochLocked(e.StartHeight)
		if !ok || next.DefinitionIndex >= e.DefinitionIndex {
			break
		}
		o.removeLocked(next.StartHeight)
	}
	return nil
}

// prevEpochLocked returns the epoch with the greatest startHeight <= height.
func (o *Oracle) prevEpochLocked(height uint64) (Epoch, bool) {
	i := sort.Search(len(o.order), func(i int) bool { return o.order[i] > height })
	if i == 0 {
		return Epoch{}, false
	}
	return o.epochs[o.order[i-1]], true
}

// nextEpochLocked returns the epoch with the smallest startHeight strictly
// greater than height.
func (o *Oracle) nextEpochLocked(height uint64) (Epoch, bool) {
	i := sort.Search(len(o.order), func(i int) bool { return o.order[i] > height })
	if i == len(o.order) {
		return Epoch{}, false
	}
	return o.epochs[o.order[i]], true
}

func (o *Oracle) insertLocked(e Epoch) {
	if _, exists := o.epochs[e.StartHeight]; !exists {
		i := sort.Search(len(o.order), func(i int) bool { return o.order[i] >= e.StartHeight })
		o.order = append(o.order, 0)
		copy(o.order[i+1:], o.order[i:])
		o.order[i] = e.StartHeight
	}
	o.epochs[e.StartHeight] = e
}

func (o *Oracle) removeLocked(startHeight uint64) {
	delete(o.epochs, startHeight)
	i := sort.Search(len(o.order), func(i int) bool { return o.order[i] >= startHeight })
	if i < len(o.order) && o.order[i] == startHeight {
		o.order = append(o.order[:i], o.order[i+1:]...)
	}
}

// Primary resolves the validator expected to propose at (height, step).
func (o *Oracle) Primary(height, step uint64) (common.Address, error) {
	o.mu.RLock()
	if fn := o.maxHeight; fn != nil {
		if bound, unbounded := fn(); !unbounded && height > bound {
			o.mu.RUnlock()
			return common.Address{}, fmt.Errorf("%w: height %d > max %d", ErrHeightOutOfRange, height, bound)
		}
	}
	cacheKey := cacheKey(height, step)
	if v, ok := o.cache.Get(cacheKey); ok {
		o.mu.RUnlock()
		return v.(common.Address), nil
	}

	e, ok := o.prevEpochLocked(height)
	o.mu.RUnlock()
	if !ok {
		return common.Address{}, ErrBeforeFirstEpoch
	}
	primary := e.Validators[step%uint64(len(e.Validators))]
	o.cache.Add(cacheKey, primary)
	return primary, nil
}

// Validators returns the validator set effective at height, used by the
// offline reporter to weight a skipped step by the set size active at
// observation time.
func (o *Oracle) Validators(height uint64) ([]common.Address, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.prevEpochLocked(height)
	if !ok {
		return nil, ErrBeforeFirstEpoch
	}
	return e.Validators, nil
}

type primaryCacheKey struct {
	height uint64
	step   uint64
}

func cacheKey(height, step uint64) primaryCacheKey {
	return primaryCacheKey{height: height, step: step}
}
