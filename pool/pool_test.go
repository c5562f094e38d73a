package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIsIdempotentAndDedupes(t *testing.T) {
	u := "Relay.Example.com/"
	n1 := Normalize(u)
	n2 := Normalize(n1)
	assert.Equal(t, n1, n2)

	p := New(context.Background())
	defer p.Close()

	r1 := p.Add("Relay.Example.com/")
	r2 := p.Add("wss://relay.example.com")
	assert.Same(t, r1, r2)
	assert.Len(t, p.All(), 1)
}

func TestAddEmitsRelayAddedEvent(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	events, cancel := p.Events()
	defer cancel()

	p.Add("wss://relay.example.com")

	select {
	case ev := <-events:
		assert.Equal(t, RelayAdded, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RelayAdded event")
	}
}

func TestRemoveDropsRelayAndEmitsEvent(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	p.Add("wss://relay.example.com")
	events, cancel := p.Events()
	defer cancel()

	p.Remove("wss://relay.example.com")

	_, ok := p.Get("wss://relay.example.com")
	assert.False(t, ok)

	select {
	case ev := <-events:
		assert.Equal(t, RelayRemoved, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RelayRemoved event")
	}
}

func TestAddTemporaryPromotedToPermanentByAdd(t *testing.T) {
	p := New(context.Background(), WithIdleTimeout(10*time.Millisecond))
	defer p.Close()

	p.AddTemporary("wss://relay.example.com")
	p.Add("wss://relay.example.com")

	time.Sleep(50 * time.Millisecond)

	_, ok := p.Get("wss://relay.example.com")
	assert.True(t, ok, "relay promoted to permanent must survive the idle timeout")
}

func TestAddTemporaryDisablesAutoReconnect(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	r := p.AddTemporary("wss://relay.example.com")
	assert.False(t, r.AutoReconnect(), "a temporary relay must not auto-reconnect")

	p.Add("wss://relay.example.com")
	assert.True(t, r.AutoReconnect(), "promoting a relay to permanent must re-enable auto-reconnect")
}

func TestAddEnablesAutoReconnect(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	r := p.Add("wss://relay.example.com")
	assert.True(t, r.AutoReconnect(), "a permanent relay must auto-reconnect")
}

func TestConnectFailsWithNoRelays(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	err := p.Connect(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
}
