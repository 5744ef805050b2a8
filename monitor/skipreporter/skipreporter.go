// Package skipreporter consumes accepted blocks in insertion order and
// runs the per-step state machine that turns step gaps into emitted
// "missed proposal" events after a grace period. It is grounded on the
// teacher's consensus/dpos snapshot-walk pattern of advancing a single
// watermark over a monotone sequence (there, block numbers; here, Aura
// steps) and reacting to gaps in that sequence.
package skipreporter

import (
	"context"
	"fmt"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/log"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/rlp"
)

// SkippedProposal is a step for which no block was observed by the time
// the next block arrived, remembered with the height at which it was
// noticed so the primary oracle can be consulted at emission time
// instead of observation time, per spec.md §4.6.
type SkippedProposal struct {
	Step        uint64
	BlockHeight uint64
}

// PrimaryOracle is the narrow slice of primaryoracle.Oracle the skip
// reporter needs, kept as an interface so tests can script it without a
// chain-spec-backed oracle.
type PrimaryOracle interface {
	Primary(height, step uint64) (common.Address, error)
}

// Sink receives one call per emitted skip, in emission order.
type Sink interface {
	OnSkip(ctx context.Context, primary common.Address, proposal SkippedProposal) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, primary common.Address, proposal SkippedProposal) error

func (f SinkFunc) OnSkip(ctx context.Context, primary common.Address, proposal SkippedProposal) error {
	return f(ctx, primary, proposal)
}

// State is the persisted shape: latestStep and the open set, kept in
// step-ascending order (the order they're discovered in step 3 of
// onBlock, which walks the gap upward). 0 for LatestStep means
// uninitialized, per spec.md §3.
type State struct {
	LatestStep uint64
	Open       []SkippedProposal
}

// EncodeState/DecodeState round-trip State through the block store's blob
// slot, matching blockfetcher's persistence approach.
func EncodeState(s State) ([]byte, error) { return rlp.Encode(s) }

func DecodeState(data []byte) (State, error) {
	var s State
	if err := rlp.Decode(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// Reporter is the per-step state machine of spec.md §4.6.
type Reporter struct {
	oracle      PrimaryOracle
	gracePeriod uint64
	sinks       []Sink
	log         log.Logger

	latestStep uint64
	open       []SkippedProposal
}

// New builds a Reporter consulting oracle and emitting once a proposal's
// step falls gracePeriod steps behind the latest observed step.
func New(oracle PrimaryOracle, gracePeriod uint64) *Reporter {
	return &Reporter{oracle: oracle, gracePeriod: gracePeriod, log: log.New("component", "skipreporter")}
}

// AddSink registers a sink, invoked synchronously in registration order
// for every emission.
func (r *Reporter) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// State returns the current persisted shape.
func (r *Reporter) State() State {
	open := make([]SkippedProposal, len(r.open))
	copy(open, r.open)
	return State{LatestStep: r.latestStep, Open: open}
}

// Restore loads a previously persisted State.
func (r *Reporter) Restore(s State) {
	r.latestStep = s.LatestStep
	r.open = append([]SkippedProposal(nil), s.Open...)
}

// OnBlock runs the transitions of spec.md §4.6 for one newly accepted
// block, emitting to every registered sink for each proposal whose grace
// period has elapsed.
func (r *Reporter) OnBlock(ctx context.Context, h *blockcodec.Header) error {
	if h.Number == 0 {
		return nil
	}
	step, err := blockcodec.DecodeStep(h)
	if err != nil {
		return fmt.Errorf("skipreporter: decode step: %w", err)
	}

	if r.latestStep == 0 {
		r.latestStep = step
		return nil
	}

	if step > r.latestStep {
		for s := r.latestStep + 1; s < step; s++ {
			r.open = append(r.open, SkippedProposal{Step: s, BlockHeight: h.Number})
		}
		r.latestStep = step
	}

	// A block can arrive for a step already believed skipped when a reorg
	// replaces the block occupying a height with one at a lower step than
	// the current watermark; latestStep never moves backward, but the
	// stale open entry is no longer a skip.
	r.removeStep(step)

	graceEnd := saturatingSub(r.latestStep, r.gracePeriod)
	return r.emitBefore(ctx, graceEnd)
}

// removeStep drops an open proposal matching step exactly: a late block
// arrived for a step previously believed skipped.
func (r *Reporter) removeStep(step uint64) {
	for i, p := range r.open {
		if p.Step == step {
			r.open = append(r.open[:i], r.open[i+1:]...)
			return
		}
	}
}

// emitBefore emits, oldest-first, every open proposal with step strictly
// less than graceEnd, removing each as it's emitted. A primary-oracle
// lookup failure (HeightOutOfRange, BeforeFirstEpoch) still removes the
// proposal — the open set's invariant (every element has step <
// latestStep) must hold regardless — but the emission to sinks is
// dropped, matching spec.md §7's "dropped silently" treatment of oracle
// gaps.
func (r *Reporter) emitBefore(ctx context.Context, graceEnd uint64) error {
	i := 0
	for i < len(r.open) && r.open[i].Step < graceEnd {
		i++
	}
	ready := r.open[:i]
	r.open = append([]SkippedProposal(nil), r.open[i:]...)

	for _, p := range ready {
		primary, err := r.oracle.Primary(p.BlockHeight, p.Step)
		if err != nil {
			r.log.Debug("dropping skip emission: primary oracle gap", "step", p.Step, "height", p.BlockHeight, "err", err)
			continue
		}
		for _, sink := range r.sinks {
			if err := sink.OnSkip(ctx, primary, p); err != nil {
				return fmt.Errorf("skipreporter: sink: %w", err)
			}
		}
	}
	return nil
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
