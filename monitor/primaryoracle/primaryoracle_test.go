package primaryoracle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestPrimaryResolvesByStepModulo(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1), addr(2), addr(3)}, DefinitionIndex: 0},
	})
	require.NoError(t, err)

	p, err := o.Primary(100, 0)
	require.NoError(t, err)
	require.Equal(t, addr(1), p)

	p, err = o.Primary(100, 4)
	require.NoError(t, err)
	require.Equal(t, addr(2), p) // 4 % 3 == 1
}

func TestPrimaryBeforeFirstEpoch(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 10, Validators: []common.Address{addr(1)}, DefinitionIndex: 0},
	})
	require.NoError(t, err)

	_, err = o.Primary(5, 0)
	require.ErrorIs(t, err, ErrBeforeFirstEpoch)
}

func TestPrimaryHeightOutOfRange(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1)}, DefinitionIndex: 0},
	})
	require.NoError(t, err)
	o.SetMaxHeightFunc(func() (uint64, bool) { return 50, false })

	_, err = o.Primary(51, 0)
	require.ErrorIs(t, err, ErrHeightOutOfRange)

	_, err = o.Primary(50, 0)
	require.NoError(t, err)
}

func TestAddEpochRejectsEmptyValidators(t *testing.T) {
	o, err := New(nil)
	require.NoError(t, err)
	err = o.AddEpoch(Epoch{StartHeight: 0, DefinitionIndex: 0})
	require.ErrorIs(t, err, ErrEmptyValidatorSet)
}

func TestAddEpochDropsIrrelevantEpoch(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1)}, DefinitionIndex: 5},
	})
	require.NoError(t, err)

	// A contract epoch at startHeight 10 with a lower definitionIndex than
	// the static range covering it is irrelevant and must be dropped.
	err = o.AddEpoch(Epoch{StartHeight: 10, Validators: []common.Address{addr(2)}, DefinitionIndex: 2})
	require.NoError(t, err)

	p, err := o.Primary(10, 0)
	require.NoError(t, err)
	require.Equal(t, addr(1), p, "irrelevant epoch must not shadow the static one")
}

func TestAddEpochSupersedesLaterLowerIndexEpochs(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1)}, DefinitionIndex: 0},
		{StartHeight: 100, Validators: []common.Address{addr(2)}, DefinitionIndex: 1},
		{StartHeight: 200, Validators: []common.Address{addr(3)}, DefinitionIndex: 1},
	})
	require.NoError(t, err)

	// A new epoch at startHeight 50 supersedes the later epochs whose
	// definitionIndex is lower than its own. With definitionIndex 1 the
	// epochs at 100 and 200 (index 1) would be retained, so definitionIndex
	// 2 is used to force their removal.
	err = o.AddEpoch(Epoch{StartHeight: 50, Validators: []common.Address{addr(9)}, DefinitionIndex: 2})
	require.NoError(t, err)

	p, err := o.Primary(100, 0)
	require.NoError(t, err)
	require.Equal(t, addr(9), p, "epoch at 100 (index 1 < 2) must be superseded")

	p, err = o.Primary(200, 0)
	require.NoError(t, err)
	require.Equal(t, addr(9), p, "epoch at 200 (index 1 < 2) must be superseded")
}

func TestAddEpochReplacesSameStartHeight(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1)}, DefinitionIndex: 0},
	})
	require.NoError(t, err)

	err = o.AddEpoch(Epoch{StartHeight: 0, Validators: []common.Address{addr(7)}, DefinitionIndex: 0})
	require.NoError(t, err)

	p, err := o.Primary(0, 0)
	require.NoError(t, err)
	require.Equal(t, addr(7), p)
}

func TestValidatorsReturnsEffectiveSet(t *testing.T) {
	o, err := New([]Epoch{
		{StartHeight: 0, Validators: []common.Address{addr(1), addr(2)}, DefinitionIndex: 0},
	})
	require.NoError(t, err)

	vs, err := o.Validators(5)
	require.NoError(t, err)
	require.Len(t, vs, 2)
}
