package crypto

import (
	"testing"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/stretchr/testify/require"
)

func TestSignEcrecoverRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	hash := Keccak256([]byte("block header bare bytes"))
	sig, err := Sign(hash, priv)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	pub, err := Ecrecover(hash, sig)
	require.NoError(t, err)

	addr := PubkeyToAddress(priv.PublicKey)
	require.Equal(t, addr, common.BytesToAddress(Keccak256(pub[1:])))
}

func TestEcrecoverRejectsWrongLength(t *testing.T) {
	_, err := Ecrecover(make([]byte, 32), make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestKeccak256Deterministic(t *testing.T) {
	a := Keccak256([]byte("x"))
	b := Keccak256([]byte("x"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Keccak256([]byte("y")))
}
