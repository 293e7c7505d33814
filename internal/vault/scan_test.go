package vault

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func TestRecognizeOutput(t *testing.T) {
	kp, err := DeriveKeys([]byte("scan-sig"))
	require.NoError(t, err)
	other, err := DeriveKeys([]byte("other-sig"))
	require.NoError(t, err)

	asset := AssetID("wBTC")
	note, err := NewNote(kp.Pk, asset, big.NewInt(12345))
	require.NoError(t, err)
	lo, hi, err := SplitAmount(note.Amount())
	require.NoError(t, err)

	got, ok := RecognizeOutput(kp.Pk, PackPublicKey(kp.Pk), asset, lo, hi, note.Blinding, note.Cm)
	require.True(t, ok)
	require.True(t, got.Cm.Equal(&note.Cm))
	require.Equal(t, big.NewInt(12345), got.Amount())

	// Addressed to someone else.
	_, ok = RecognizeOutput(other.Pk, PackPublicKey(kp.Pk), asset, lo, hi, note.Blinding, note.Cm)
	require.False(t, ok)

	// Claims our key but the commitment does not recompute.
	var wrongCm fr.Element
	wrongCm.SetUint64(1)
	_, ok = RecognizeOutput(kp.Pk, PackPublicKey(kp.Pk), asset, lo, hi, note.Blinding, wrongCm)
	require.False(t, ok)
}

func TestParseElement(t *testing.T) {
	var want fr.Element
	want.SetUint64(42)
	got, err := ParseElement("42")
	require.NoError(t, err)
	require.True(t, got.Equal(&want))

	_, err = ParseElement("not-a-number")
	require.Error(t, err)
}
