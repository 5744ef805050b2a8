// Package offlinereporter aggregates skipped proposals per validator over
// a sliding step window and emits a one-shot offline report once a
// validator's miss rate inside the window crosses a threshold. It is
// grounded on the teacher's consensus/dpos turn-counting approach to
// liveness (a running tally evicted by a sliding boundary), generalized
// from DPoS's fixed epoch-turn counts to Aura's variable-length offline
// intervals weighted by the validator-set size active when each was
// observed.
package offlinereporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/log"
	"github.com/aura-tools/poa-monitor/monitor/skipreporter"
	"github.com/aura-tools/poa-monitor/rlp"
)

// ErrNonMonotonicInterval guards the invariant that a validator's offline
// intervals are strictly increasing by step, per spec.md §3.
var ErrNonMonotonicInterval = errors.New("offlinereporter: offline interval step not strictly increasing")

// ValidatorSetOracle is the narrow slice of primaryoracle.Oracle this
// reporter needs: the validator set active at a height, used to weight a
// skipped step by how many validators were competing for it.
type ValidatorSetOracle interface {
	Validators(height uint64) ([]common.Address, error)
}

// Sink receives one call per validator crossing the offline threshold,
// with its missed steps sorted ascending.
type Sink interface {
	OnOffline(ctx context.Context, validator common.Address, missedSteps []uint64) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, validator common.Address, missedSteps []uint64) error

func (f SinkFunc) OnOffline(ctx context.Context, validator common.Address, missedSteps []uint64) error {
	return f(ctx, validator, missedSteps)
}

// OfflineInterval is one skipped step charged against a validator, weighted
// by the validator-set size active at the time it was observed.
type OfflineInterval struct {
	Step   uint64
	Length uint64
}

// validatorIntervals is one validator's row in the persisted State; State
// is flattened to slices since rlp has no map support (mirroring how
// blockstore's secondary index stores []common.Hash rather than a map).
type validatorIntervals struct {
	Validator   common.Address
	Intervals   []OfflineInterval
	OfflineTime uint64
}

// State is the persisted shape of spec.md §3's OfflineReporterState.
type State struct {
	ReportedValidators []common.Address
	PerValidator       []validatorIntervals
}

func EncodeState(s State) ([]byte, error) { return rlp.Encode(s) }

func DecodeState(data []byte) (State, error) {
	var s State
	if err := rlp.Decode(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// Reporter is the sliding-window accountant of spec.md §4.7.
type Reporter struct {
	oracle          ValidatorSetOracle
	windowSize      uint64
	allowedSkipRate float64
	sinks           []Sink
	log             log.Logger

	reported    map[common.Address]struct{}
	intervals   map[common.Address][]OfflineInterval
	offlineTime map[common.Address]uint64
}

// New builds a Reporter over a window of windowSize steps, reporting a
// validator once offlineTime/windowSize exceeds allowedSkipRate (a
// fraction in (0,1]).
func New(oracle ValidatorSetOracle, windowSize uint64, allowedSkipRate float64) *Reporter {
	return &Reporter{
		oracle:          oracle,
		windowSize:      windowSize,
		allowedSkipRate: allowedSkipRate,
		log:             log.New("component", "offlinereporter"),
		reported:        make(map[common.Address]struct{}),
		intervals:       make(map[common.Address][]OfflineInterval),
		offlineTime:     make(map[common.Address]uint64),
	}
}

// AddSink registers a sink, invoked synchronously in registration order.
func (r *Reporter) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// State returns the current persisted shape, in deterministic validator
// order so repeated encodes of unchanged state are byte-identical.
func (r *Reporter) State() State {
	s := State{ReportedValidators: make([]common.Address, 0, len(r.reported))}
	for v := range r.reported {
		s.ReportedValidators = append(s.ReportedValidators, v)
	}
	sortAddresses(s.ReportedValidators)

	s.PerValidator = make([]validatorIntervals, 0, len(r.intervals))
	for v, ivs := range r.intervals {
		cp := make([]OfflineInterval, len(ivs))
		copy(cp, ivs)
		s.PerValidator = append(s.PerValidator, validatorIntervals{
			Validator:   v,
			Intervals:   cp,
			OfflineTime: r.offlineTime[v],
		})
	}
	sort.Slice(s.PerValidator, func(i, j int) bool {
		return bytes.Compare(s.PerValidator[i].Validator[:], s.PerValidator[j].Validator[:]) < 0
	})
	return s
}

// Restore loads a previously persisted State.
func (r *Reporter) Restore(s State) {
	r.reported = make(map[common.Address]struct{}, len(s.ReportedValidators))
	for _, v := range s.ReportedValidators {
		r.reported[v] = struct{}{}
	}
	r.intervals = make(map[common.Address][]OfflineInterval, len(s.PerValidator))
	r.offlineTime = make(map[common.Address]uint64, len(s.PerValidator))
	for _, pv := range s.PerValidator {
		r.intervals[pv.Validator] = append([]OfflineInterval(nil), pv.Intervals...)
		r.offlineTime[pv.Validator] = pv.OfflineTime
	}
}

// OnSkip implements skipreporter.Sink directly, wiring the skip reporter's
// emissions into the offline reporter per the producer/consumer data flow
// of spec.md §2.
func (r *Reporter) OnSkip(ctx context.Context, primary common.Address, proposal skipreporter.SkippedProposal) error {
	if _, ok := r.reported[primary]; ok {
		return nil
	}

	cutoff := saturatingSub(proposal.Step, r.windowSize)
	r.evictExpired(cutoff)

	validators, err := r.oracle.Validators(proposal.BlockHeight)
	if err != nil {
		// Oracle gap (HeightOutOfRange, BeforeFirstEpoch): deferred, the
		// event is dropped silently, per spec.md §7/§9.
		r.log.Debug("dropping offline event: primary oracle gap", "step", proposal.Step, "height", proposal.BlockHeight, "err", err)
		return nil
	}
	length := uint64(len(validators))

	ivs := r.intervals[primary]
	if len(ivs) > 0 && proposal.Step <= ivs[len(ivs)-1].Step {
		return fmt.Errorf("%w: step %d after %d", ErrNonMonotonicInterval, proposal.Step, ivs[len(ivs)-1].Step)
	}
	ivs = append(ivs, OfflineInterval{Step: proposal.Step, Length: length})
	r.intervals[primary] = ivs
	r.offlineTime[primary] += length

	if float64(r.offlineTime[primary])/float64(r.windowSize) <= r.allowedSkipRate {
		return nil
	}

	missed := make([]uint64, len(ivs))
	for i, iv := range ivs {
		missed[i] = iv.Step
	}

	r.reported[primary] = struct{}{}
	delete(r.intervals, primary)
	delete(r.offlineTime, primary)

	for _, sink := range r.sinks {
		if err := sink.OnOffline(ctx, primary, missed); err != nil {
			return fmt.Errorf("offlinereporter: sink: %w", err)
		}
	}
	return nil
}

// evictExpired drops, from every validator's interval list, every entry
// with step <= cutoff, subtracting its length from the running sum.
func (r *Reporter) evictExpired(cutoff uint64) {
	for v, ivs := range r.intervals {
		var kept []OfflineInterval
		for _, iv := range ivs {
			if iv.Step <= cutoff {
				r.offlineTime[v] -= iv.Length
			} else {
				kept = append(kept, iv)
			}
		}
		if len(kept) == 0 {
			delete(r.intervals, v)
			delete(r.offlineTime, v)
		} else {
			r.intervals[v] = kept
		}
	}
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
