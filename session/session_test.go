package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/streamutil"
	"github.com/asmogo/nostrsdk/subscription"
)

func newTestEngine() (*Engine, *subscription.Manager) {
	m := subscription.New()
	attachCalls := make([]string, 0)
	e := NewEngine(m, func(ctx context.Context, subID string, filters nostrevent.Filters) {
		attachCalls = append(attachCalls, subID)
	}, nil)
	return e, m
}

func TestSessionKindsIncludesCoreFour(t *testing.T) {
	e, _ := newTestEngine()
	kinds := e.sessionKinds()
	assert.Contains(t, kinds, KindContacts)
	assert.Contains(t, kinds, KindMuteList)
	assert.Contains(t, kinds, KindBlockedRelays)
	assert.Contains(t, kinds, KindRelayList)
}

func TestRegisterSessionKindExtendsFutureLogins(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterSessionKind(30023)
	assert.Contains(t, e.sessionKinds(), 30023)
}

// TestScenarioCNewestWinsContactList exercises testable property #2/
// Scenario C directly against handleEvent, independent of subscription
// plumbing or timing.
func TestScenarioCNewestWinsContactList(t *testing.T) {
	e, m := newTestEngine()
	_ = m
	pubkey := "abc123"
	s := &Session{
		Pubkey:   pubkey,
		lastSeen: map[int]nostrevent.Timestamp{},
		follows:  streamutil.NewValue(map[string]bool{}),
	}
	_ = e

	ev1 := &nostrevent.Event{PubKey: pubkey, Kind: KindContacts, CreatedAt: 1000, Tags: nostrevent.Tags{{"p", "a"}, {"p", "b"}}}
	ev2 := &nostrevent.Event{PubKey: pubkey, Kind: KindContacts, CreatedAt: 2000, Tags: nostrevent.Tags{{"p", "c"}}}

	s.handleEvent(ev1)
	s.handleEvent(ev2)
	assert.Equal(t, map[string]bool{"c": true}, s.follows.Get())

	// reversed arrival order must yield the same result
	s2 := &Session{Pubkey: pubkey, lastSeen: map[int]nostrevent.Timestamp{}, follows: streamutil.NewValue(map[string]bool{})}
	s2.handleEvent(ev2)
	s2.handleEvent(ev1)
	assert.Equal(t, map[string]bool{"c": true}, s2.follows.Get())
}

func TestHandleEventIgnoresForeignPubkey(t *testing.T) {
	s := &Session{Pubkey: "me", lastSeen: map[int]nostrevent.Timestamp{}, follows: streamutil.NewValue(map[string]bool{})}
	s.handleEvent(&nostrevent.Event{PubKey: "someone-else", Kind: KindContacts, CreatedAt: 1, Tags: nostrevent.Tags{{"p", "x"}}})
	assert.Empty(t, s.follows.Get())
}

func TestMutesHasWordIsCaseInsensitiveSubstring(t *testing.T) {
	m := Mutes{Words: []string{"Spam"}}
	assert.True(t, m.HasWord("this is SPAMMY content"))
	assert.False(t, m.HasWord("clean content"))
}

func TestParseRelayListRespectsMarkers(t *testing.T) {
	ev := &nostrevent.Event{
		Kind: KindRelayList,
		Tags: nostrevent.Tags{
			{"r", "wss://both"},
			{"r", "wss://read", "read"},
			{"r", "wss://write", "write"},
		},
	}
	rl := parseRelayList(ev)
	assert.Contains(t, rl.Read, "wss://both")
	assert.Contains(t, rl.Write, "wss://both")
	assert.Contains(t, rl.Read, "wss://read")
	assert.Contains(t, rl.Write, "wss://write")
}
