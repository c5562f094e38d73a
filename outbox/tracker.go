// Package outbox implements spec.md C8/C9: a cache of per-pubkey relay
// lists with a fallback fetch chain, and the two-pass greedy relay-set
// calculator that picks which relays a subscription's authors should be
// attached to. Grounded on the teacher's protocol.SimplePool.QuerySingle
// (fetch-with-EOSE) and exit/mutex.go's keyed-mutex idea, generalized here
// to dedupe concurrent fetches for the same pubkey.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/pool"
	"github.com/asmogo/nostrsdk/streamutil"
)

// fetchTimeout bounds a single pool attempt in the fallback chain, per
// spec.md §5's "recommended 3-5s per pool attempt".
const fetchTimeout = 4 * time.Second

// RelayList is a parsed kind-10002 relay list, or a legacy kind-3-derived
// equivalent.
type RelayList struct {
	Pubkey      string
	Read        []string
	Write       []string
	CreatedAt   nostrevent.Timestamp
	ObservedAt  time.Time
}

// Discovery is emitted on on_relay_list_discovered whenever a newer relay
// list is tracked for a pubkey.
type Discovery struct {
	Pubkey    string
	RelayList RelayList
}

// Tracker holds the in-memory pubkey -> relay list cache and drives the
// fallback fetch chain against the outbox and main pools.
type Tracker struct {
	cache      *xsync.MapOf[string, RelayList]
	discovered *streamutil.Broadcaster[Discovery]
	inflight   *xsync.MapOf[string, chan struct{}] // per-pubkey fetch dedup, grounded on exit/mutex.go

	outboxPool *pool.Pool
	mainPool   *pool.Pool
}

// New creates a Tracker that fans its fallback fetches out to outboxPool
// (well-known discovery relays) before mainPool (the caller's configured
// relays).
func New(outboxPool, mainPool *pool.Pool) *Tracker {
	return &Tracker{
		cache:      xsync.NewMapOf[string, RelayList](),
		discovered: streamutil.NewBroadcaster[Discovery](),
		inflight:   xsync.NewMapOf[string, chan struct{}](),
		outboxPool: outboxPool,
		mainPool:   mainPool,
	}
}

// Discoveries returns the on_relay_list_discovered broadcast stream.
func (t *Tracker) Discoveries() (<-chan Discovery, func()) {
	return t.discovered.Subscribe(64)
}

// Get is the cache-only, non-blocking lookup.
func (t *Tracker) Get(pubkey string) (RelayList, bool) {
	return t.cache.Load(pubkey)
}

// Track records a kind-10002 (or legacy-derived) relay list, overwriting
// the cached entry only if it is newer. Returns true if the cache was
// updated. This is the function the top-level coordinator wires
// dispatch_event's kind-10002 observations into.
func (t *Tracker) Track(rl RelayList) bool {
	existing, ok := t.cache.Load(rl.Pubkey)
	if ok && existing.CreatedAt >= rl.CreatedAt {
		return false
	}
	if rl.ObservedAt.IsZero() {
		rl.ObservedAt = time.Now()
	}
	t.cache.Store(rl.Pubkey, rl)
	t.discovered.Publish(Discovery{Pubkey: rl.Pubkey, RelayList: rl})
	return true
}

// TrackEvent parses a kind-10002 event into a RelayList. It does not touch
// the cache; callers pass the result to Track.
func TrackEvent(ev *nostrevent.Event) RelayList {
	rl := RelayList{Pubkey: ev.PubKey, CreatedAt: ev.CreatedAt}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := tag[1]
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			rl.Read = append(rl.Read, url)
		case "write":
			rl.Write = append(rl.Write, url)
		default:
			rl.Read = append(rl.Read, url)
			rl.Write = append(rl.Write, url)
		}
	}
	return rl
}

// legacyRelayHint is the shape of a single entry in a kind-3 content JSON
// object, spec.md §4.8 step 4.
type legacyRelayHint struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// legacyFromContactList parses the legacy relay-hint JSON object sometimes
// embedded in a kind-3 event's content, per NIP-02's deprecated
// content-based relay list.
func legacyFromContactList(ev *nostrevent.Event) (RelayList, bool) {
	if ev.Content == "" {
		return RelayList{}, false
	}
	var hints map[string]legacyRelayHint
	if err := json.Unmarshal([]byte(ev.Content), &hints); err != nil {
		return RelayList{}, false
	}
	rl := RelayList{Pubkey: ev.PubKey, CreatedAt: ev.CreatedAt}
	for url, hint := range hints {
		if hint.Read {
			rl.Read = append(rl.Read, url)
		}
		if hint.Write {
			rl.Write = append(rl.Write, url)
		}
	}
	if len(rl.Read) == 0 && len(rl.Write) == 0 {
		return RelayList{}, false
	}
	return rl, true
}

// Fetch implements the fallback chain of spec.md §4.8: cache, outbox pool,
// main pool, legacy kind-3 content, none. Concurrent Fetch calls for the
// same pubkey share a single in-flight attempt.
func (t *Tracker) Fetch(ctx context.Context, pubkey string) (RelayList, bool) {
	if rl, ok := t.Get(pubkey); ok {
		return rl, true
	}

	done := make(chan struct{})
	actual, loaded := t.inflight.LoadOrStore(pubkey, done)
	if loaded {
		<-actual // another caller is already fetching; wait for it
		return t.Get(pubkey)
	}
	defer func() {
		t.inflight.Delete(pubkey)
		close(done)
	}()

	filter := nostrevent.Filter{Kinds: []int{nostrevent.KindRelayList}, Authors: []string{pubkey}, Limit: 1}

	if ev, ok := t.outboxPool.QuerySingle(ctx, filter, fetchTimeout); ok {
		rl := TrackEvent(ev)
		t.Track(rl)
		return rl, true
	}

	if ev, ok := t.mainPool.QuerySingle(ctx, filter, fetchTimeout); ok {
		rl := TrackEvent(ev)
		t.Track(rl)
		return rl, true
	}

	legacyFilter := nostrevent.Filter{Kinds: []int{nostrevent.KindContacts}, Authors: []string{pubkey}, Limit: 1}
	if ev, ok := t.mainPool.QuerySingle(ctx, legacyFilter, fetchTimeout); ok {
		if rl, ok := legacyFromContactList(ev); ok {
			t.Track(rl)
			return rl, true
		}
	}

	return RelayList{}, false
}

// FetchAsync kicks off Fetch in the background without blocking the
// caller, used by the relay-set calculator for authors in the uncovered
// set — discoveries flow through Discoveries() rather than a return value.
func (t *Tracker) FetchAsync(ctx context.Context, pubkey string) {
	go func() { _, _ = t.Fetch(ctx, pubkey) }()
}
