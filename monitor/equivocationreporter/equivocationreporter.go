// Package equivocationreporter detects two distinct blocks signed by the
// same proposer at the same step, using the block store's secondary
// index as the source of truth. It is grounded on
// original_source/monitor/equivocation_reporter.py: no state of its own,
// called once per accepted block after that block is durably indexed.
package equivocationreporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/blockstore"
)

// ErrBlockNotIndexed guards the invariant that the caller has already
// committed block b to the store before invoking OnBlock: the store's
// own row for (proposer, step) must include b's hash.
var ErrBlockNotIndexed = errors.New("equivocationreporter: block not found in its own proposer/step index")

// Index is the narrow slice of blockstore.Store this reporter needs.
type Index interface {
	GetByProposerAndStep(proposer common.Address, step uint64) ([]blockstore.Block, error)
}

// Sink receives one call per detected equivocation, with hashes ordered
// by insertion and deduplicated.
type Sink interface {
	OnEquivocation(ctx context.Context, proposer common.Address, step uint64, hashes []common.Hash) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, proposer common.Address, step uint64, hashes []common.Hash) error

func (f SinkFunc) OnEquivocation(ctx context.Context, proposer common.Address, step uint64, hashes []common.Hash) error {
	return f(ctx, proposer, step, hashes)
}

// Reporter is stateless: correctness relies entirely on the store's
// secondary index, per spec.md §4.8.
type Reporter struct {
	index Index
	sinks []Sink
}

func New(index Index) *Reporter {
	return &Reporter{index: index}
}

// AddSink registers a sink, invoked synchronously in registration order.
func (r *Reporter) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// OnBlock looks up every block previously recorded for b's (proposer,
// step) pair and, if more than one distinct hash is on record, emits
// them all. b must already be committed to the store.
func (r *Reporter) OnBlock(ctx context.Context, b *blockcodec.Header) error {
	proposer, err := blockcodec.RecoverProposer(b)
	if err != nil {
		return fmt.Errorf("equivocationreporter: recover proposer: %w", err)
	}
	step, err := blockcodec.DecodeStep(b)
	if err != nil {
		return fmt.Errorf("equivocationreporter: decode step: %w", err)
	}
	hash, err := blockcodec.BareHash(b)
	if err != nil {
		return fmt.Errorf("equivocationreporter: bare hash: %w", err)
	}

	rows, err := r.index.GetByProposerAndStep(proposer, step)
	if err != nil {
		return fmt.Errorf("equivocationreporter: lookup: %w", err)
	}

	hashes := make([]common.Hash, 0, len(rows))
	seen := make(map[common.Hash]struct{}, len(rows))
	found := false
	for _, row := range rows {
		if row.Hash == hash {
			found = true
		}
		if _, ok := seen[row.Hash]; ok {
			continue
		}
		seen[row.Hash] = struct{}{}
		hashes = append(hashes, row.Hash)
	}
	if !found {
		return fmt.Errorf("%w: proposer %s step %d", ErrBlockNotIndexed, proposer.Hex(), step)
	}

	if len(hashes) < 2 {
		return nil
	}
	for _, sink := range r.sinks {
		if err := sink.OnEquivocation(ctx, proposer, step, hashes); err != nil {
			return fmt.Errorf("equivocationreporter: sink: %w", err)
		}
	}
	return nil
}
