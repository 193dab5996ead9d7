package delivery

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func validBundle(t *testing.T) (*PreKeyBundle, ed25519.PrivateKey) {
	identityPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	spkPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)

	return &PreKeyBundle{
		RegistrationID: 42,
		DeviceID:       1,
		IdentityKey:    identityPub[:],
		SigningKey:     signingPub,
		SignedPreKey: &SignedPreKey{
			ID:        1,
			PublicKey: spkPub[:],
			Signature: ed25519.Sign(signingPriv, spkPub[:]),
		},
	}, signingPriv
}

func TestBundleValidate(t *testing.T) {
	b, _ := validBundle(t)
	require.NoError(t, b.validate())
}

func TestBundleValidateRejectsBadSignature(t *testing.T) {
	b, _ := validBundle(t)
	b.SignedPreKey.Signature[0] ^= 0xff
	var sig *InvalidSignatureError
	require.ErrorAs(t, b.validate(), &sig)
	require.False(t, sig.Terminal())
}

func TestBundleValidateRejectsBadPQSignature(t *testing.T) {
	b, signingPriv := validBundle(t)
	pqPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	b.PQPreKey = &SignedPreKey{ID: 2, PublicKey: pqPub[:], Signature: ed25519.Sign(signingPriv, pqPub[:])}
	require.NoError(t, b.validate())

	b.PQPreKey.Signature[0] ^= 0xff
	var sig *InvalidSignatureError
	require.ErrorAs(t, b.validate(), &sig)
}

func TestBundleValidateRejectsMissingSignedPreKey(t *testing.T) {
	b, _ := validBundle(t)
	b.SignedPreKey.ID = 0
	require.Error(t, b.validate())
	b.SignedPreKey = nil
	require.Error(t, b.validate())
}

func TestBundleOptionalKeySelection(t *testing.T) {
	b, _ := validBundle(t)
	require.Nil(t, b.oneTimePreKey())
	require.Nil(t, b.pqPreKey())

	// id 0 counts as absent even when the struct is present
	b.OneTimePreKey = &PreKey{ID: 0, PublicKey: make([]byte, 32)}
	require.Nil(t, b.oneTimePreKey())
	b.OneTimePreKey.ID = 9
	require.NotNil(t, b.oneTimePreKey())

	b.PQPreKey = &SignedPreKey{ID: 10, PublicKey: []byte{}}
	require.Nil(t, b.pqPreKey())
}
