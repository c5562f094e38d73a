package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrsdk/nostrevent"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(context.Background(), "wss://relay.example.test")
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRelayStartsDisconnected(t *testing.T) {
	r := newTestRelay(t)
	assert.Equal(t, StateDisconnected, r.State())
	assert.False(t, r.IsConnected())
}

func TestSubscribeBeforeConnectRecordsFiltersWithoutSending(t *testing.T) {
	r := newTestRelay(t)
	filters := nostrevent.Filters{{Kinds: []int{1}}}

	err := r.Subscribe(context.Background(), "sub-1", filters)
	require.NoError(t, err)

	stored, ok := r.subs.Load("sub-1")
	require.True(t, ok)
	assert.Equal(t, filters, stored)

	// not usable yet, so no live subscription should have been opened
	_, live := r.liveSubs.Load("sub-1")
	assert.False(t, live)
	assert.EqualValues(t, 1, r.stats.TotalSubscriptions.Load())
	assert.EqualValues(t, 1, r.stats.ActiveSubscriptions.Load())
}

func TestUnsubscribeRemovesFromRestorationMap(t *testing.T) {
	r := newTestRelay(t)
	filters := nostrevent.Filters{{Kinds: []int{1}}}
	require.NoError(t, r.Subscribe(context.Background(), "sub-1", filters))

	r.Unsubscribe("sub-1")

	_, ok := r.subs.Load("sub-1")
	assert.False(t, ok)
	assert.EqualValues(t, 0, r.stats.ActiveSubscriptions.Load())
}

func TestPublishWithoutConnectionFails(t *testing.T) {
	r := newTestRelay(t)
	ev := nostrevent.Event{ID: "deadbeef"}

	res, err := r.Publish(context.Background(), ev, time.Second)
	require.Error(t, err)
	assert.False(t, res.Sent)
	assert.False(t, res.Accepted)
	assert.Equal(t, r.URL, res.RelayURL)
}

func TestWatchStateReceivesTransition(t *testing.T) {
	r := newTestRelay(t)
	ch, cancel := r.WatchState()
	defer cancel()

	r.state.Set(StateConnecting)

	select {
	case s := <-ch:
		assert.Equal(t, StateConnecting, s)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state transition")
	}
}

func TestFrameSizeMatchesMarshaledLength(t *testing.T) {
	filters := nostrevent.Filters{{Kinds: []int{1}, Authors: []string{"abc"}}}
	b, err := json.Marshal(filters)
	require.NoError(t, err)
	assert.EqualValues(t, len(b), frameSize(filters))
}

func TestFrameSizeZeroOnUnmarshalable(t *testing.T) {
	assert.EqualValues(t, 0, frameSize(make(chan int)))
}

func TestReconnectResetsBackoff(t *testing.T) {
	r := newTestRelay(t)
	r.backoff.Next(false)
	r.backoff.Next(false)
	require.Equal(t, 2, r.backoff.Attempts())

	// Reconnect will attempt (and fail, since the URL is unreachable) but
	// must reset the backoff counter as its first action regardless of the
	// connect outcome.
	_ = r.Reconnect(context.Background())
	assert.LessOrEqual(t, r.backoff.Attempts(), 1)
}
