package giftwrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	sender, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	rumor := nostrevent.Event{
		Kind:    KindRumor,
		Content: "hello, gift-wrapped world",
		Tags:    nostrevent.Tags{{"p", recipient.PublicKey}},
	}

	wrapped, err := Wrap(sender.PrivateKey, recipient.PublicKey, rumor)
	require.NoError(t, err)
	assert.Equal(t, KindGiftWrap, wrapped.Kind)
	assert.NotEqual(t, sender.PublicKey, wrapped.PubKey, "gift wrap must not be signed by the sender's real key")

	opened, senderPub, err := Unwrap(recipient.PrivateKey, wrapped)
	require.NoError(t, err)
	assert.Equal(t, sender.PublicKey, senderPub)
	assert.Equal(t, "hello, gift-wrapped world", opened.Content)
	assert.Equal(t, sender.PublicKey, opened.PubKey)
}

func TestUnwrapFailsForWrongRecipient(t *testing.T) {
	sender, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	eavesdropper, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	wrapped, err := Wrap(sender.PrivateKey, recipient.PublicKey, nostrevent.Event{Content: "secret"})
	require.NoError(t, err)

	_, _, err = Unwrap(eavesdropper.PrivateKey, wrapped)
	assert.Error(t, err)
}

func TestWrapRandomizesTimestampWithinWindow(t *testing.T) {
	sender, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	wrapped, err := Wrap(sender.PrivateKey, recipient.PublicKey, nostrevent.Event{Content: "x"})
	require.NoError(t, err)

	now := nostrevent.Timestamp(time.Now().Unix())
	assert.LessOrEqual(t, wrapped.CreatedAt, now)
	assert.GreaterOrEqual(t, int64(wrapped.CreatedAt), int64(now)-int64(maxTimestampJitter.Seconds())-1)
}
