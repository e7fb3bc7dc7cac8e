package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	priv, pub := GenED25519Keys()
	data := []byte("vote")
	sig := SignEd25519(priv, data)

	ok, err := VerifySignEd25519(pub, data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignEd25519(pub, []byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifySignEd25519(pub[:5], data, sig)
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestThresholdSignature(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	data := []byte("round-5")

	var partials [][]byte
	for i := 0; i < 3; i++ {
		p, err := SignTSPartial(shares[i], data)
		require.NoError(t, err)
		require.True(t, VerifyTSPartial(pubPoly, data, p))
		idx, err := PartialIndex(p)
		require.NoError(t, err)
		require.Equal(t, shares[i].I, idx)
		partials = append(partials, p)
	}

	sig, err := AssembleIntactTSPartial(partials, pubPoly, data, 3, 4)
	require.NoError(t, err)
	require.True(t, VerifyTS(pubPoly, data, sig))
	require.False(t, VerifyTS(pubPoly, []byte("round-6"), sig))

	_, err = AssembleIntactTSPartial(partials[:2], pubPoly, data, 3, 4)
	require.Error(t, err)
}

func TestTSKeyEncoding(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)

	pubBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(pubBytes)
	require.NoError(t, err)
	require.True(t, decodedPub.Equal(pubPoly))

	shareBytes, err := EncodeTSPartialKey(shares[2])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(shareBytes)
	require.NoError(t, err)
	require.Equal(t, shares[2].I, decodedShare.I)
	require.True(t, decodedShare.V.Equal(shares[2].V))

	_, err = DecodeTSPublicKey(pubBytes[:3])
	require.ErrorIs(t, err, ErrMalformedKey)
}
