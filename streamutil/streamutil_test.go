package streamutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSubscribeSeesLatest(t *testing.T) {
	v := NewValue(1)
	ch, unsub := v.Subscribe()
	defer unsub()

	v.Set(2)
	v.Set(3)

	select {
	case got := <-ch:
		assert.Equal(t, 3, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	assert.Equal(t, 3, v.Get())
}

func TestBroadcasterIsLossy(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(1)
	b.Publish(2) // dropped: buffer already full, non-blocking send

	got := <-ch
	require.Equal(t, 1, got)

	select {
	case <-ch:
		t.Fatal("expected no second value")
	case <-time.After(50 * time.Millisecond):
	}
}
