// Package subscription implements spec.md C7: the process-wide dispatch
// manager that every relay's inbound EVENT/EOSE frames funnel through.
// It deduplicates by event id, write-through's a cache adapter, emits a
// lossy global telemetry stream, and fans matching events out to whichever
// per-subscription consumers registered filters. Grounded on the teacher's
// protocol.SimplePool.subMany, which keeps a seenAlready map and a single
// loop dispatching inbound events to subscribers — generalized here from a
// per-call seen-set into one process-wide capacity-bounded LRU plus a
// registry of many independent subscriptions.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/streamutil"
)

// VerifyPolicy controls when DispatchEvent checks an inbound event's
// Schnorr signature before matching it against subscription filters.
type VerifyPolicy int

const (
	// VerifyThenMatch checks the signature before matching or dispatching
	// anywhere, dropping an invalid event with no further effect. This is
	// the default: a relay is untrusted input.
	VerifyThenMatch VerifyPolicy = iota
	// VerifyLazy matches and dispatches first, verifying only afterward;
	// callers that opt into this accept a race where a bad signature is
	// already visible to consumers before the check completes.
	VerifyLazy
	// VerifyNever skips signature verification entirely, for callers that
	// trust their relay set and want to skip the Schnorr check on the hot
	// path.
	VerifyNever
)

// dedupCapacity is the fixed LRU size spec.md §4.7 specifies.
const dedupCapacity = 10000

// CacheAdapter is the optional write-through/read-through store spec.md §6
// describes: store is called on every dispatched event; query lets a
// caller pre-populate a subscription before relays are attached.
type CacheAdapter interface {
	Store(ctx context.Context, ev *nostrevent.Event)
	Query(ctx context.Context, filter nostrevent.Filter) []*nostrevent.Event
}

// Delivery is one event handed to a subscription's consumer, tagged with
// the relay it arrived from.
type Delivery struct {
	Event    *nostrevent.Event
	RelayURL string
}

// GlobalDelivery is one event on the pool-wide telemetry stream.
type GlobalDelivery struct {
	Event    *nostrevent.Event
	RelayURL string
	SubID    string
}

type entry struct {
	id      string
	filters nostrevent.Filters
	events  *streamutil.Broadcaster[Delivery]
	eose    *streamutil.Broadcaster[string]
}

// Handle is the caller-facing view of a registered subscription.
type Handle struct {
	ID      string
	Filters nostrevent.Filters

	events *streamutil.Broadcaster[Delivery]
	eose   *streamutil.Broadcaster[string]
}

// Events returns a stream of matching deliveries and an unsubscribe func
// for this one consumer. Multiple callers may each call Events
// independently.
func (h *Handle) Events() (<-chan Delivery, func()) { return h.events.Subscribe(64) }

// EOSE returns a stream of relay URLs that have signaled end-of-stored-
// events for this subscription.
func (h *Handle) EOSE() (<-chan string, func()) { return h.eose.Subscribe(16) }

// Manager is the process-wide subscription registry and dispatch entry
// point. It has no knowledge of relays or pools: the top-level coordinator
// wires Manager.DispatchEvent/DispatchEOSE as the relay.DispatchFunc/
// relay.EOSEFunc passed to each Pool.
type Manager struct {
	subs  *xsync.MapOf[string, *entry]
	dedup *lru.Cache[string, time.Time]
	cache CacheAdapter

	global *streamutil.Broadcaster[GlobalDelivery]

	validate     func(ev *nostrevent.Event) bool
	verifyPolicy VerifyPolicy
	onVerified   func(relayURL string, ok bool)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithCacheAdapter enables write-through caching of every dispatched
// event.
func WithCacheAdapter(c CacheAdapter) Option { return func(m *Manager) { m.cache = c } }

// WithValidator overrides the per-event acceptance check run before an
// event is dispatched further (default: accept all). It runs ahead of, and
// independently of, the signature check governed by WithVerifyPolicy.
func WithValidator(fn func(ev *nostrevent.Event) bool) Option {
	return func(m *Manager) { m.validate = fn }
}

// WithVerifyPolicy overrides the default verify-then-match signature check
// (spec.md §9's safer default), down to lazy or disabled verification for
// callers who trust their relay set and want to skip the Schnorr check on
// the hot path.
func WithVerifyPolicy(p VerifyPolicy) Option {
	return func(m *Manager) { m.verifyPolicy = p }
}

// WithVerifiedReporter registers fn to be called with the outcome of every
// signature check DispatchEvent performs (VerifyThenMatch/VerifyLazy only;
// VerifyNever never calls fn since no check is made), so a caller can feed
// spec.md §4.5's per-relay ValidatedEvents/NonValidatedEvents counters.
func WithVerifiedReporter(fn func(relayURL string, ok bool)) Option {
	return func(m *Manager) { m.onVerified = fn }
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	dedup, err := lru.New[string, time.Time](dedupCapacity)
	if err != nil {
		// capacity is a positive compile-time constant; New only errors on
		// size <= 0.
		panic(fmt.Sprintf("subscription: building dedup LRU: %v", err))
	}
	m := &Manager{
		subs:   xsync.NewMapOf[string, *entry](),
		dedup:  dedup,
		global: streamutil.NewBroadcaster[GlobalDelivery](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GlobalEvents returns the lossy pool-wide telemetry stream: every
// dispatched event after dedup, regardless of whether any subscription's
// filters match it.
func (m *Manager) GlobalEvents() (<-chan GlobalDelivery, func()) {
	return m.global.Subscribe(256)
}

// Subscribe allocates a new subscription id and registers filters. The
// returned Handle's streams are cold until the caller attaches relays
// (pool.Subscribe) — Manager itself never talks to a relay.
func (m *Manager) Subscribe(filters nostrevent.Filters) *Handle {
	id := "sub-" + uuid.NewString()
	e := &entry{
		id:      id,
		filters: filters,
		events:  streamutil.NewBroadcaster[Delivery](),
		eose:    streamutil.NewBroadcaster[string](),
	}
	m.subs.Store(id, e)
	return &Handle{ID: id, Filters: filters, events: e.events, eose: e.eose}
}

// Unsubscribe removes subID from the registry and closes its streams.
// Best-effort CLOSE to relays is the caller's responsibility (pool.Unsubscribe).
func (m *Manager) Unsubscribe(subID string) {
	e, ok := m.subs.LoadAndDelete(subID)
	if !ok {
		return
	}
	e.events.Close()
	e.eose.Close()
}

// Filters returns the registered filter list for subID, if any — used by
// the outbox model to recompute relay sets for a live subscription.
func (m *Manager) Filters(subID string) (nostrevent.Filters, bool) {
	e, ok := m.subs.Load(subID)
	if !ok {
		return nil, false
	}
	return e.filters, true
}

// Range iterates every live subscription id/filters pair, used by the
// top-level coordinator to re-resolve relay sets for every subscription
// whose filters reference a pubkey whose relay list was just discovered.
// Stops early if fn returns false.
func (m *Manager) Range(fn func(id string, filters nostrevent.Filters) bool) {
	m.subs.Range(func(id string, e *entry) bool {
		return fn(id, e.filters)
	})
}

// Seed delivers events directly to subID's consumers without going through
// the relay dispatch path, tagged with a synthetic "cache" relay URL — used
// to pre-populate a subscription from a CacheAdapter.Query result before any
// relay is attached (spec.md §6's cache-first subscription priming). Events
// already seen via DispatchEvent's dedup LRU are skipped.
func (m *Manager) Seed(subID string, events []*nostrevent.Event) {
	e, ok := m.subs.Load(subID)
	if !ok {
		return
	}
	for _, ev := range events {
		if _, seen := m.dedup.Get(ev.ID); seen {
			continue
		}
		m.dedup.Add(ev.ID, time.Now())
		e.events.Publish(Delivery{Event: ev, RelayURL: "cache"})
	}
}

// DispatchEvent is the single entry point every relay calls for each
// inbound EVENT frame, implementing spec.md §4.7's five ordered steps:
// dedup, record, cache write-through, global stream, per-subscription
// fan-out.
func (m *Manager) DispatchEvent(ev *nostrevent.Event, relayURL, subID string) {
	if m.validate != nil && !m.validate(ev) {
		slog.Debug("subscription: dropping failed-validation event", "id", ev.ID, "relay", relayURL)
		return
	}

	if m.verifyPolicy == VerifyThenMatch && !m.verify(ev, relayURL) {
		return
	}

	if _, seen := m.dedup.Get(ev.ID); seen {
		return
	}
	m.dedup.Add(ev.ID, time.Now())

	if m.cache != nil {
		go m.cache.Store(context.Background(), ev)
	}

	m.global.Publish(GlobalDelivery{Event: ev, RelayURL: relayURL, SubID: subID})

	m.subs.Range(func(_ string, e *entry) bool {
		if nostrevent.MatchesAny(ev, e.filters) {
			e.events.Publish(Delivery{Event: ev, RelayURL: relayURL})
		}
		return true
	})

	if m.verifyPolicy == VerifyLazy && !m.verify(ev, relayURL) {
		slog.Debug("subscription: dispatched event failed lazy verification", "id", ev.ID, "relay", relayURL)
	}
}

// verify checks ev's signature unless the policy is VerifyNever, logging
// and reporting failure without mutating any state.
func (m *Manager) verify(ev *nostrevent.Event, relayURL string) bool {
	if m.verifyPolicy == VerifyNever {
		return true
	}
	ok, err := cryptoutil.Verify(*ev)
	valid := err == nil && ok
	if m.onVerified != nil {
		m.onVerified(relayURL, valid)
	}
	if !valid {
		slog.Debug("subscription: dropping unverifiable event", "id", ev.ID, "relay", relayURL, "err", err)
		return false
	}
	return true
}

// DispatchEOSE is called by a relay when it signals end-of-stored-events
// for subID.
func (m *Manager) DispatchEOSE(relayURL, subID string) {
	e, ok := m.subs.Load(subID)
	if !ok {
		return
	}
	e.eose.Publish(relayURL)
}

// Close tears down every subscription's streams and the global stream.
func (m *Manager) Close() {
	m.subs.Range(func(id string, e *entry) bool {
		e.events.Close()
		e.eose.Close()
		m.subs.Delete(id)
		return true
	})
	m.global.Close()
}
