package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

// signedEvent returns ev signed by a fresh keypair, for tests exercising the
// default verify-then-match dispatch path against a real signature.
func signedEvent(t *testing.T, ev nostrevent.Event) *nostrevent.Event {
	t.Helper()
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	ev.PubKey = kp.PublicKey
	require.NoError(t, cryptoutil.Sign(&ev, kp.PrivateKey))
	return &ev
}

func recvDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestDedupAcrossRelaysDeliversOnce(t *testing.T) {
	m := New(WithVerifyPolicy(VerifyNever))
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	events, cancel := h.Events()
	defer cancel()

	ev := &nostrevent.Event{ID: "e1", Kind: 1, CreatedAt: 1000}

	m.DispatchEvent(ev, "wss://relay-a", h.ID)
	m.DispatchEvent(ev, "wss://relay-b", h.ID)

	d := recvDelivery(t, events)
	assert.Equal(t, "e1", d.Event.ID)

	select {
	case <-events:
		t.Fatal("event delivered twice despite dedup")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFanOutOnlyToMatchingSubscriptions(t *testing.T) {
	m := New(WithVerifyPolicy(VerifyNever))
	kind1 := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	kind7 := m.Subscribe(nostrevent.Filters{{Kinds: []int{7}}})

	ev1, _ := kind1.Events()
	ev7, _ := kind7.Events()

	m.DispatchEvent(&nostrevent.Event{ID: "e1", Kind: 1}, "wss://relay-a", kind1.ID)

	recvDelivery(t, ev1)

	select {
	case <-ev7:
		t.Fatal("kind-7 subscription should not receive a kind-1 event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeClosesStreams(t *testing.T) {
	m := New()
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	events, _ := h.Events()

	m.Unsubscribe(h.ID)

	_, ok := m.Filters(h.ID)
	assert.False(t, ok)

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("events channel was not closed")
	}
}

func TestDispatchEOSESignalsCorrectSubscription(t *testing.T) {
	m := New()
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	eose, cancel := h.EOSE()
	defer cancel()

	m.DispatchEOSE("wss://relay-a", h.ID)

	select {
	case relayURL := <-eose:
		assert.Equal(t, "wss://relay-a", relayURL)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EOSE")
	}
}

type fakeCache struct {
	stored chan *nostrevent.Event
}

func (f *fakeCache) Store(_ context.Context, ev *nostrevent.Event) { f.stored <- ev }
func (f *fakeCache) Query(_ context.Context, _ nostrevent.Filter) []*nostrevent.Event {
	return nil
}

func TestCacheWriteThroughIsNonBlocking(t *testing.T) {
	cache := &fakeCache{stored: make(chan *nostrevent.Event, 1)}
	m := New(WithCacheAdapter(cache), WithVerifyPolicy(VerifyNever))
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})

	m.DispatchEvent(&nostrevent.Event{ID: "e1", Kind: 1}, "wss://relay-a", h.ID)

	select {
	case ev := <-cache.stored:
		require.Equal(t, "e1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("cache was never written through")
	}
}

func TestVerifyThenMatchIsDefault(t *testing.T) {
	m := New()
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	events, _ := h.Events()

	bad := &nostrevent.Event{ID: "e1", Kind: 1, CreatedAt: 1000}
	m.DispatchEvent(bad, "wss://relay-a", h.ID)

	select {
	case <-events:
		t.Fatal("unsigned event should not pass the default verify-then-match check")
	case <-time.After(100 * time.Millisecond):
	}

	good := signedEvent(t, nostrevent.Event{Kind: 1, CreatedAt: 1000})
	m.DispatchEvent(good, "wss://relay-a", h.ID)

	d := recvDelivery(t, events)
	assert.Equal(t, good.ID, d.Event.ID)
}

func TestVerifiedReporterReceivesOutcome(t *testing.T) {
	type report struct {
		relayURL string
		ok       bool
	}
	reports := make(chan report, 2)
	m := New(WithVerifiedReporter(func(relayURL string, ok bool) {
		reports <- report{relayURL, ok}
	}))
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})

	bad := &nostrevent.Event{ID: "e1", Kind: 1, CreatedAt: 1000}
	m.DispatchEvent(bad, "wss://relay-a", h.ID)

	select {
	case r := <-reports:
		assert.Equal(t, "wss://relay-a", r.relayURL)
		assert.False(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("verified reporter was never called for the unsigned event")
	}

	good := signedEvent(t, nostrevent.Event{Kind: 1, CreatedAt: 2000})
	m.DispatchEvent(good, "wss://relay-b", h.ID)

	select {
	case r := <-reports:
		assert.Equal(t, "wss://relay-b", r.relayURL)
		assert.True(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("verified reporter was never called for the signed event")
	}
}

func TestValidatorRejectsEvent(t *testing.T) {
	m := New(WithValidator(func(ev *nostrevent.Event) bool { return false }))
	h := m.Subscribe(nostrevent.Filters{{Kinds: []int{1}}})
	events, _ := h.Events()

	m.DispatchEvent(&nostrevent.Event{ID: "e1", Kind: 1}, "wss://relay-a", h.ID)

	select {
	case <-events:
		t.Fatal("rejected event should not be dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}
