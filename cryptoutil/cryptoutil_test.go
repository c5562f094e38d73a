package cryptoutil

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairRoundTrips(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, kp.PrivateKey, 64)
	assert.Len(t, kp.PublicKey, 64)

	pk, err := PublicKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pk)
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	ev := nostr.Event{
		PubKey:    kp.PublicKey,
		CreatedAt: nostr.Timestamp(1),
		Kind:      1,
		Content:   "hello",
	}
	require.NoError(t, Sign(&ev, kp.PrivateKey))
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Sig)

	ok, err := Verify(ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsOnTamperedContent(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	ev := nostr.Event{
		PubKey:    kp.PublicKey,
		CreatedAt: nostr.Timestamp(1),
		Kind:      1,
		Content:   "hello",
	}
	require.NoError(t, Sign(&ev, kp.PrivateKey))
	ev.Content = "tampered"

	ok, _ := Verify(ev)
	assert.False(t, ok)
}

func TestNIP44EncryptDecryptRoundTrips(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	payload, err := EncryptNIP44(alice.PrivateKey, bob.PublicKey, "secret message")
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	plaintext, err := DecryptNIP44(bob.PrivateKey, alice.PublicKey, payload)
	require.NoError(t, err)
	assert.Equal(t, "secret message", plaintext)
}

func TestECDHSharedSecretIsSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	k1, err := ECDHSharedSecret(alice.PrivateKey, bob.PublicKey)
	require.NoError(t, err)
	k2, err := ECDHSharedSecret(bob.PrivateKey, alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestParseXOnlyPubKeyRejectsBadInput(t *testing.T) {
	_, err := ParseXOnlyPubKey("not-hex")
	assert.Error(t, err)
}
