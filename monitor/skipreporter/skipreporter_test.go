package skipreporter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/rlp"
)

var errOracleUnavailable = errors.New("oracle unavailable")

func header(t *testing.T, number, step uint64) *blockcodec.Header {
	stepEnc, err := rlp.Encode(step)
	require.NoError(t, err)
	return &blockcodec.Header{
		Number:     number,
		SealFields: [][]byte{stepEnc, {}},
	}
}

type fakeOracle struct {
	addr common.Address
	err  error
}

func (f *fakeOracle) Primary(height, step uint64) (common.Address, error) {
	if f.err != nil {
		return common.Address{}, f.err
	}
	return f.addr, nil
}

type recordingSink struct {
	calls []SkippedProposal
}

func (s *recordingSink) OnSkip(ctx context.Context, primary common.Address, p SkippedProposal) error {
	s.calls = append(s.calls, p)
	return nil
}

func TestOnBlockIgnoresGenesis(t *testing.T) {
	r := New(&fakeOracle{}, 5)
	require.NoError(t, r.OnBlock(context.Background(), header(t, 0, 0)))
	require.Equal(t, uint64(0), r.State().LatestStep)
}

func TestOnBlockLatchesFirstNonGenesisStep(t *testing.T) {
	r := New(&fakeOracle{}, 5)
	require.NoError(t, r.OnBlock(context.Background(), header(t, 1, 7)))
	require.Equal(t, uint64(7), r.State().LatestStep)
	require.Empty(t, r.State().Open)
}

func TestOnBlockOpensGapAndEmitsAfterGrace(t *testing.T) {
	sink := &recordingSink{}
	r := New(&fakeOracle{addr: common.Address{1}}, 5)
	r.AddSink(sink)

	// Blocks for steps 1..20, one per step, no gaps.
	for step := uint64(1); step <= 20; step++ {
		require.NoError(t, r.OnBlock(context.Background(), header(t, step, step)))
	}
	// Step 21 is skipped; blocks resume at 22..26.
	for step := uint64(22); step <= 26; step++ {
		require.NoError(t, r.OnBlock(context.Background(), header(t, step-1, step)))
	}
	require.Empty(t, sink.calls)

	require.NoError(t, r.OnBlock(context.Background(), header(t, 26, 27)))
	require.Len(t, sink.calls, 1)
	require.Equal(t, uint64(21), sink.calls[0].Step)
}

func TestOnBlockRemovesLateArrival(t *testing.T) {
	r := New(&fakeOracle{addr: common.Address{1}}, 100)
	require.NoError(t, r.OnBlock(context.Background(), header(t, 1, 1)))
	require.NoError(t, r.OnBlock(context.Background(), header(t, 2, 5)))
	require.Len(t, r.State().Open, 3) // steps 2,3,4

	require.NoError(t, r.OnBlock(context.Background(), header(t, 3, 3)))
	steps := make([]uint64, 0)
	for _, p := range r.State().Open {
		steps = append(steps, p.Step)
	}
	require.Equal(t, []uint64{2, 4}, steps)
}

func TestOnBlockEmitsOldestFirstInStepOrder(t *testing.T) {
	sink := &recordingSink{}
	r := New(&fakeOracle{addr: common.Address{1}}, 1)
	r.AddSink(sink)

	require.NoError(t, r.OnBlock(context.Background(), header(t, 1, 1)))
	require.NoError(t, r.OnBlock(context.Background(), header(t, 2, 5)))

	var emitted []uint64
	for _, c := range sink.calls {
		emitted = append(emitted, c.Step)
	}
	require.Equal(t, []uint64{2, 3}, emitted)
	require.Len(t, r.State().Open, 1) // step 4 remains, within grace
}

func TestOnBlockDropsEmissionButStillRemovesOnOracleError(t *testing.T) {
	sink := &recordingSink{}
	r := New(&fakeOracle{err: errOracleUnavailable}, 1)
	r.AddSink(sink)

	require.NoError(t, r.OnBlock(context.Background(), header(t, 1, 1)))
	require.NoError(t, r.OnBlock(context.Background(), header(t, 2, 5)))

	require.Empty(t, sink.calls)
	require.Len(t, r.State().Open, 1) // step 4 still within grace
}

func TestStateRoundTripsThroughEncodeDecode(t *testing.T) {
	r := New(&fakeOracle{addr: common.Address{1}}, 5)
	require.NoError(t, r.OnBlock(context.Background(), header(t, 1, 1)))
	require.NoError(t, r.OnBlock(context.Background(), header(t, 2, 5)))

	enc, err := EncodeState(r.State())
	require.NoError(t, err)
	decoded, err := DecodeState(enc)
	require.NoError(t, err)
	require.Equal(t, r.State(), decoded)
}
