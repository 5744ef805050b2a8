package offlinereporter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/skipreporter"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

type fixedSetOracle struct {
	validators []common.Address
}

func (o *fixedSetOracle) Validators(height uint64) ([]common.Address, error) {
	return o.validators, nil
}

type recordingSink struct {
	calls [][]uint64
	addrs []common.Address
}

func (s *recordingSink) OnOffline(ctx context.Context, v common.Address, missed []uint64) error {
	s.addrs = append(s.addrs, v)
	s.calls = append(s.calls, missed)
	return nil
}

func threeValidators() *fixedSetOracle {
	return &fixedSetOracle{validators: []common.Address{addr(1), addr(2), addr(3)}}
}

func TestOnSkipReportsEntirelyOfflinePrimary(t *testing.T) {
	sink := &recordingSink{}
	r := New(threeValidators(), 20, 0.5)
	r.AddSink(sink)

	v0 := addr(1)
	for _, step := range []uint64{0, 3, 6, 9} {
		require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: step, BlockHeight: 100}))
	}
	require.Len(t, sink.calls, 1)
	require.Equal(t, v0, sink.addrs[0])
	require.Equal(t, []uint64{0, 3, 6, 9}, sink.calls[0])

	// Further misses within 100 more steps produce no further report.
	for step := uint64(10); step < 110; step += 3 {
		require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: step, BlockHeight: 100}))
	}
	require.Len(t, sink.calls, 1)
}

func TestOnSkipDoesNotReportBurstsBelowThreshold(t *testing.T) {
	sink := &recordingSink{}
	r := New(threeValidators(), 20, 0.5)
	r.AddSink(sink)

	v0 := addr(1)
	steps := []uint64{0, 3, 6, 21, 24, 27, 42, 45, 48}
	for _, step := range steps {
		require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: step, BlockHeight: 100}))
	}
	require.Empty(t, sink.calls)
}

func TestOnSkipIgnoresAlreadyReportedValidator(t *testing.T) {
	sink := &recordingSink{}
	r := New(threeValidators(), 20, 0.5)
	r.AddSink(sink)

	v0 := addr(1)
	for _, step := range []uint64{0, 3, 6, 9} {
		require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: step, BlockHeight: 100}))
	}
	require.Len(t, sink.calls, 1)

	require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: 200, BlockHeight: 100}))
	require.Len(t, sink.calls, 1)
	require.NotContains(t, r.intervals, v0)
}

func TestOnSkipRejectsNonMonotonicStep(t *testing.T) {
	r := New(threeValidators(), 20, 0.5)
	v0 := addr(1)
	require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: 10, BlockHeight: 100}))
	err := r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: 5, BlockHeight: 100})
	require.ErrorIs(t, err, ErrNonMonotonicInterval)
}

func TestStateRoundTripsThroughEncodeDecode(t *testing.T) {
	r := New(threeValidators(), 20, 0.9)
	v0, v1 := addr(1), addr(2)
	require.NoError(t, r.OnSkip(context.Background(), v0, skipreporter.SkippedProposal{Step: 1, BlockHeight: 100}))
	require.NoError(t, r.OnSkip(context.Background(), v1, skipreporter.SkippedProposal{Step: 2, BlockHeight: 100}))

	enc, err := EncodeState(r.State())
	require.NoError(t, err)
	decoded, err := DecodeState(enc)
	require.NoError(t, err)
	require.Equal(t, r.State(), decoded)

	r2 := New(threeValidators(), 20, 0.9)
	r2.Restore(decoded)
	require.Equal(t, r.State(), r2.State())
}
