package signer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

func TestLocalSignEventSetsIDAndSig(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	l, err := NewLocal(kp.PrivateKey)
	require.NoError(t, err)

	ctx := context.Background()
	pub, err := l.PubKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)

	ev := &nostrevent.Event{CreatedAt: 1000, Kind: 1, Content: "hello"}
	require.NoError(t, l.SignEvent(ctx, ev))

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Sig)
	ok, err := cryptoutil.Verify(*ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalSerializeDeserializeRoundTrip(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	l, err := NewLocal(kp.PrivateKey)
	require.NoError(t, err)

	blob, err := l.Serialize()
	require.NoError(t, err)
	assert.Equal(t, typeLocal, blob.Type)

	raw, err := blob.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalBlob(raw)
	require.NoError(t, err)

	restored, err := Deserialize(decoded)
	require.NoError(t, err)
	require.NotNil(t, restored)

	pub, err := restored.PubKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)
}

func TestDeserializeUnknownTypeReturnsNilNotError(t *testing.T) {
	s, err := Deserialize(Blob{Type: "some-future-type", Data: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Nil(t, s)
}
