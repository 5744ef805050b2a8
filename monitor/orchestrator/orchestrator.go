// Package orchestrator runs the single tick loop that ties every other
// component together: open a transaction, pull new blocks, let the three
// reporters react, persist component state, flush report files, commit.
// It is grounded on the teacher's miner/worker.go main loop (a
// single-goroutine select over a ticker and a stop channel, with all state
// mutation confined to that one goroutine) generalized from block sealing
// to this system's fetch-and-report cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/log"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/blockfetcher"
	"github.com/aura-tools/poa-monitor/monitor/blockstore"
	"github.com/aura-tools/poa-monitor/monitor/equivocationreporter"
	"github.com/aura-tools/poa-monitor/monitor/offlinereporter"
	"github.com/aura-tools/poa-monitor/monitor/primaryoracle"
	"github.com/aura-tools/poa-monitor/monitor/reportwriter"
	"github.com/aura-tools/poa-monitor/monitor/skipreporter"
)

// Named blob slots under which each component's state round-trips through
// the store between ticks, per spec.md §9.
const (
	blobBlockFetcher    = "blockfetcher.v1"
	blobSkipReporter    = "skipreporter.v1"
	blobOfflineReporter = "offlinereporter.v1"
)

// EpochFetcher is the subset of epochfetcher.Fetcher the orchestrator
// polls once per tick. A nil EpochFetcher means the chain spec carried no
// contract-typed validator-definition ranges, and the oracle never needs
// updating past its static seed.
type EpochFetcher interface {
	FetchNew(ctx context.Context) ([]primaryoracle.Epoch, error)
}

// Oracle is the subset of primaryoracle.Oracle the orchestrator feeds new
// epochs into.
type Oracle interface {
	AddEpoch(e primaryoracle.Epoch) error
}

// txnView adapts one blockstore.Txn, reassigned at the start of every
// tick, to the three narrow store interfaces the fetcher, the
// equivocation reporter and its report writer each depend on — so every
// read and write within a tick observes that tick's own uncommitted
// writes, per spec.md §8's "a second equivocating block in the same tick
// is still detected" requirement.
type txnView struct {
	txn *blockstore.Txn
}

func (v *txnView) Contains(hash common.Hash) (bool, error) { return v.txn.Contains(hash) }

func (v *txnView) InsertBranch(headers []*blockcodec.Header) error {
	return v.txn.InsertBranch(headers)
}

func (v *txnView) GetByProposerAndStep(proposer common.Address, step uint64) ([]blockstore.Block, error) {
	return v.txn.GetByProposerAndStep(proposer, step)
}

func (v *txnView) GetHeader(hash common.Hash) (*blockcodec.Header, error) {
	return v.txn.GetHeader(hash)
}

// Orchestrator is the tick loop of spec.md §4.9.
type Orchestrator struct {
	store        *blockstore.Store
	fetcher      *blockfetcher.Fetcher
	epochFetcher EpochFetcher
	oracle       Oracle

	skipReporter         *skipreporter.Reporter
	offlineReporter      *offlinereporter.Reporter
	equivocationReporter *equivocationreporter.Reporter

	skipWriter         *reportwriter.SkipWriter
	offlineWriter      *reportwriter.OfflineWriter
	equivocationWriter *reportwriter.EquivocationWriter

	view             *txnView
	stepDuration     time.Duration
	maxBlocksPerTick uint64
	log              log.Logger
}

// Deps bundles every already-constructed component New wires together. The
// chain spec parsing, RPC client, and report-directory plumbing are the
// caller's (cmd/auramonitor's) responsibility; this package only sequences
// calls against them.
type Deps struct {
	Store        *blockstore.Store
	Client       blockfetcher.NodeClient
	Resolver     blockfetcher.InitialBlockResolver
	Oracle       *primaryoracle.Oracle
	EpochFetcher EpochFetcher // nil if the chain spec has no contract ranges

	MaxReorgDepth    uint64
	GracePeriod      uint64 // steps
	WindowSize       uint64 // steps
	AllowedSkipRate  float64
	StepDuration     time.Duration
	MaxBlocksPerTick uint64
	ReportDir        string
}

// New wires the full component graph: the fetcher's callbacks notify the
// skip and equivocation reporters, the skip reporter's emissions feed the
// offline reporter, and every reporter's emissions feed its report writer,
// matching the data-flow diagram of spec.md §2.
func New(d Deps) *Orchestrator {
	view := &txnView{}

	fetcher := blockfetcher.New(d.Client, view, d.Resolver, d.MaxReorgDepth, func(err error) bool {
		return errors.Is(err, blockstore.ErrAlreadyExists)
	})

	skipR := skipreporter.New(d.Oracle, d.GracePeriod)
	offlineR := offlinereporter.New(d.Oracle, d.WindowSize, d.AllowedSkipRate)
	equivR := equivocationreporter.New(view)

	skipW := reportwriter.NewSkipWriter(d.ReportDir, d.StepDuration)
	offlineW := reportwriter.NewOfflineWriter(d.ReportDir)
	equivW := reportwriter.NewEquivocationWriter(d.ReportDir, view)

	skipR.AddSink(offlineR)
	skipR.AddSink(skipW)
	offlineR.AddSink(offlineW)
	equivR.AddSink(equivW)

	o := &Orchestrator{
		store:                d.Store,
		fetcher:              fetcher,
		epochFetcher:         d.EpochFetcher,
		oracle:               d.Oracle,
		skipReporter:         skipR,
		offlineReporter:      offlineR,
		equivocationReporter: equivR,
		skipWriter:           skipW,
		offlineWriter:        offlineW,
		equivocationWriter:   equivW,
		view:                 view,
		stepDuration:         d.StepDuration,
		maxBlocksPerTick:     d.MaxBlocksPerTick,
		log:                  log.New("component", "orchestrator"),
	}

	fetcher.OnBlock(func(h *blockcodec.Header) error {
		return skipR.OnBlock(context.Background(), h)
	})
	fetcher.OnBlock(func(h *blockcodec.Header) error {
		return equivR.OnBlock(context.Background(), h)
	})
	return o
}

// LoadState restores every component's persisted state from the store, per
// spec.md §9. A missing blob leaves the component at its zero state (first
// run); a corrupt blob is fatal, per spec.md §7.
func (o *Orchestrator) LoadState() error {
	if raw, err := o.store.LoadBlob(blobBlockFetcher); err != nil {
		return fmt.Errorf("orchestrator: load blockfetcher state: %w", err)
	} else if raw != nil {
		s, err := blockfetcher.DecodeState(raw)
		if err != nil {
			return fmt.Errorf("orchestrator: decode blockfetcher state: %w", err)
		}
		o.fetcher.Restore(s)
	}
	if raw, err := o.store.LoadBlob(blobSkipReporter); err != nil {
		return fmt.Errorf("orchestrator: load skipreporter state: %w", err)
	} else if raw != nil {
		s, err := skipreporter.DecodeState(raw)
		if err != nil {
			return fmt.Errorf("orchestrator: decode skipreporter state: %w", err)
		}
		o.skipReporter.Restore(s)
	}
	if raw, err := o.store.LoadBlob(blobOfflineReporter); err != nil {
		return fmt.Errorf("orchestrator: load offlinereporter state: %w", err)
	} else if raw != nil {
		s, err := offlinereporter.DecodeState(raw)
		if err != nil {
			return fmt.Errorf("orchestrator: decode offlinereporter state: %w", err)
		}
		o.offlineReporter.Restore(s)
	}
	return nil
}

// Run executes the tick loop until ctx is cancelled, returning nil on a
// clean shutdown and a non-nil error for the fatal conditions of spec.md
// §7 (chain topology violations, a store reporting an impossible
// duplicate insert).
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			o.log.Info("stop signal observed, shutting down")
			return nil
		}

		inserted, err := o.tick(ctx)
		if err != nil {
			if isFatal(err) {
				return fmt.Errorf("orchestrator: fatal tick error: %w", err)
			}
			o.log.Error("tick failed, continuing after sleep", "err", err)
		}

		if err == nil && inserted > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			o.log.Info("stop signal observed, shutting down")
			return nil
		case <-time.After(o.stepDuration / 2):
		}
	}
}

// tick implements spec.md §4.9's five steps. All of it runs inside a
// single store transaction: the fetcher's callbacks (which may append
// report-writer buffers) fire synchronously during step 2, component
// blobs are staged in step 3, the report writers flush to disk in step 4,
// and the transaction commits in step 5 only if every prior step
// succeeded.
func (o *Orchestrator) tick(ctx context.Context) (int, error) {
	var inserted int
	err := o.store.WithTransaction(func(tx *blockstore.Txn) error {
		o.view.txn = tx

		n, err := o.fetcher.FetchAndInsertNewBlocks(ctx, o.maxBlocksPerTick, nil)
		inserted = n
		if err != nil {
			return err
		}

		if o.epochFetcher != nil {
			epochs, err := o.epochFetcher.FetchNew(ctx)
			if err != nil {
				return err
			}
			for _, e := range epochs {
				if err := o.oracle.AddEpoch(e); err != nil {
					return err
				}
			}
		}

		if err := o.storeState(tx); err != nil {
			return err
		}

		if err := o.skipWriter.Flush(); err != nil {
			return err
		}
		if err := o.offlineWriter.Flush(); err != nil {
			return err
		}
		if err := o.equivocationWriter.Flush(); err != nil {
			return err
		}
		return nil
	})
	return inserted, err
}

func (o *Orchestrator) storeState(tx *blockstore.Txn) error {
	fb, err := blockfetcher.EncodeState(o.fetcher.State())
	if err != nil {
		return fmt.Errorf("orchestrator: encode blockfetcher state: %w", err)
	}
	if err := tx.StoreBlob(blobBlockFetcher, fb); err != nil {
		return err
	}

	sk, err := skipreporter.EncodeState(o.skipReporter.State())
	if err != nil {
		return fmt.Errorf("orchestrator: encode skipreporter state: %w", err)
	}
	if err := tx.StoreBlob(blobSkipReporter, sk); err != nil {
		return err
	}

	off, err := offlinereporter.EncodeState(o.offlineReporter.State())
	if err != nil {
		return fmt.Errorf("orchestrator: encode offlinereporter state: %w", err)
	}
	return tx.StoreBlob(blobOfflineReporter, off)
}

// isFatal reports whether err belongs to spec.md §7's "chain topology" or
// "duplicate insert" categories, both of which abort the process rather
// than retrying on the next tick.
func isFatal(err error) bool {
	return errors.Is(err, blockfetcher.ErrUnknownBase) ||
		errors.Is(err, blockfetcher.ErrForkBelowInitial) ||
		errors.Is(err, blockfetcher.ErrStoreCorrupted)
}
