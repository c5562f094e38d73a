// Package client implements spec.md C13: the top-level coordinator that
// wires a main relay pool and an outbox-discovery pool to a shared
// subscription manager, drives the outbox relay-set calculator as new
// relay lists are discovered, and owns the logged-in account lifecycle
// (login/logout/switch/restore) against an account store. Grounded on the
// teacher's gw.Proxy/exit.Exit construction shape: a New*/NewExit
// constructor that assembles a pool, a config, and background watchers,
// exposed behind a small number of top-level methods.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asmogo/nostrsdk/accountstore"
	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/outbox"
	"github.com/asmogo/nostrsdk/pool"
	"github.com/asmogo/nostrsdk/relay"
	"github.com/asmogo/nostrsdk/session"
	"github.com/asmogo/nostrsdk/signer"
	"github.com/asmogo/nostrsdk/subscription"
)

// DefaultDiscoveryRelays are the well-known relays spec.md §6 names for
// outbox-model relay-list discovery.
func DefaultDiscoveryRelays() []string {
	return []string{"wss://purplepag.es", "wss://relay.nos.social"}
}

// Config holds the coordinator's tunable, non-dependency-injected settings,
// including the relay URLs both pools start with. Account-store, cache and
// validation wiring is done through Option so a caller can swap in their own
// account store or cache adapter.
type Config struct {
	Relays              []string
	DiscoveryRelays     []string
	OutboxEnabled       bool
	RelayGoalPerAuthor  int
	ConnectTimeout      time.Duration
	PublishAwaitTimeout time.Duration
}

// DefaultConfig returns a Config with spec.md's recommended defaults: the
// outbox model on, a coverage goal of 2 write relays per author, and the
// Open Question decision (SPEC_FULL.md §14) of a 4s publish-await window.
func DefaultConfig() Config {
	return Config{
		DiscoveryRelays:     DefaultDiscoveryRelays(),
		OutboxEnabled:       true,
		RelayGoalPerAuthor:  outbox.RelayGoalPerAuthor,
		ConnectTimeout:      10 * time.Second,
		PublishAwaitTimeout: 4 * time.Second,
	}
}

// Account is one logged-in identity: its signer and its live session view.
type Account struct {
	Pubkey  string
	Signer  signer.Signer
	session *session.Session
}

// Session returns the account's live contacts/mutes/relay-list view.
func (a *Account) Session() *session.Session { return a.session }

// Client is the SDK's single entry point: construct with New, Connect, then
// Subscribe/Publish/Login as needed.
type Client struct {
	cfg Config

	mainPool        *pool.Pool
	outboxPool      *pool.Pool
	subs            *subscription.Manager
	tracker         *outbox.Tracker
	calc            *outbox.Calculator
	sessions        *session.Engine
	store           accountstore.Store
	cache           subscription.CacheAdapter
	validator       func(ev *nostrevent.Event) bool
	verifyPolicy    subscription.VerifyPolicy
	verifyPolicySet bool

	acctMu   sync.Mutex
	accounts map[string]*Account
	active   string

	routingMu sync.Mutex
	routing   map[string]*routingEntry

	ctx    context.Context
	cancel context.CancelFunc
}

type routingEntry struct {
	filters  nostrevent.Filters
	attached map[string]bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithAccountStore enables persistence of logged-in signers across
// restarts. Without one, Login/Logout only affect in-memory state and
// RestoreAccounts is a no-op.
func WithAccountStore(s accountstore.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithCacheAdapter enables write-through caching of dispatched events and
// cache-first pre-population of new subscriptions (spec.md §6).
func WithCacheAdapter(a subscription.CacheAdapter) Option {
	return func(c *Client) { c.cache = a }
}

// WithValidator overrides the subscription manager's per-event acceptance
// check (default: accept all).
func WithValidator(fn func(ev *nostrevent.Event) bool) Option {
	return func(c *Client) { c.validator = fn }
}

// WithVerifyPolicy overrides the subscription manager's default
// verify-then-match signature check (spec.md §9).
func WithVerifyPolicy(p subscription.VerifyPolicy) Option {
	return func(c *Client) { c.verifyPolicy = p; c.verifyPolicySet = true }
}

// New assembles the coordinator: two pools (main + outbox-discovery), a
// subscription manager, the outbox tracker/calculator pair, and a session
// engine, and registers cfg.Relays/DiscoveryRelays. It does not dial any
// relay; call Connect for that.
func New(ctx context.Context, cfg Config, opts ...Option) *Client {
	if cfg.RelayGoalPerAuthor <= 0 {
		cfg.RelayGoalPerAuthor = outbox.RelayGoalPerAuthor
	}
	if cfg.PublishAwaitTimeout <= 0 {
		cfg.PublishAwaitTimeout = 4 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if len(cfg.DiscoveryRelays) == 0 {
		cfg.DiscoveryRelays = DefaultDiscoveryRelays()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:      cfg,
		accounts: map[string]*Account{},
		routing:  map[string]*routingEntry{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	var subOpts []subscription.Option
	if c.cache != nil {
		subOpts = append(subOpts, subscription.WithCacheAdapter(c.cache))
	}
	if c.validator != nil {
		subOpts = append(subOpts, subscription.WithValidator(c.validator))
	}
	if c.verifyPolicySet {
		subOpts = append(subOpts, subscription.WithVerifyPolicy(c.verifyPolicy))
	}
	subOpts = append(subOpts, subscription.WithVerifiedReporter(c.reportVerifyOutcome))
	c.subs = subscription.New(subOpts...)

	dispatch := func(ev *nostrevent.Event, relayURL, subID string) {
		if ev.Kind == nostrevent.KindRelayList {
			c.tracker.Track(outbox.TrackEvent(ev))
		}
		c.subs.DispatchEvent(ev, relayURL, subID)
	}

	c.mainPool = pool.New(ctx,
		pool.WithDispatch(dispatch),
		pool.WithEOSE(c.subs.DispatchEOSE),
		pool.WithAuthSigner(c.signAuthChallenge),
	)
	c.outboxPool = pool.New(ctx,
		pool.WithDispatch(dispatch),
		pool.WithEOSE(c.subs.DispatchEOSE),
	)
	for _, url := range cfg.Relays {
		c.mainPool.Add(url)
	}
	for _, url := range cfg.DiscoveryRelays {
		c.outboxPool.Add(url)
	}

	c.tracker = outbox.New(c.outboxPool, c.mainPool)
	c.calc = outbox.NewCalculator(c.tracker, c.mainPool, cfg.OutboxEnabled).
		WithRelayGoalPerAuthor(cfg.RelayGoalPerAuthor)

	c.sessions = session.NewEngine(c.subs,
		func(ctx context.Context, subID string, filters nostrevent.Filters) {
			urls := c.calc.Resolve(ctx, filters)
			c.attachRelays(ctx, subID, filters, urls, false)
		},
		func(subID string) {
			c.routingMu.Lock()
			delete(c.routing, subID)
			c.routingMu.Unlock()
			c.mainPool.Unsubscribe(subID)
		},
	)

	go c.watchDiscoveries()
	return c
}

// Connect dials every registered relay in both pools concurrently and
// returns once any relay in either pool becomes usable, or timeout
// elapses, matching spec.md §6's pool.connect(timeout) semantics lifted to
// the two-pool coordinator.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	results := make(chan error, 2)
	go func() { results <- c.mainPool.Connect(ctx, timeout) }()
	go func() { results <- c.outboxPool.Connect(ctx, timeout) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			return nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return fmt.Errorf("client: connect: %w", firstErr)
}

// MainRelays returns the URLs of every relay currently registered in the
// main pool, used by a NIP-46 remote signer to pick transport relays for
// its nostrconnect:// pairing URI.
func (c *Client) MainRelays() []string {
	relays := c.mainPool.All()
	urls := make([]string, len(relays))
	for i, r := range relays {
		urls[i] = r.URL
	}
	return urls
}

// reportVerifyOutcome feeds the subscription manager's per-event signature
// check back into the originating relay's Stats.ValidatedEvents/
// NonValidatedEvents (spec.md §4.5). relayURL is looked up in both pools
// since either may have dispatched the event.
func (c *Client) reportVerifyOutcome(relayURL string, ok bool) {
	r, found := c.mainPool.Get(relayURL)
	if !found {
		r, found = c.outboxPool.Get(relayURL)
	}
	if !found {
		return
	}
	if ok {
		r.Stats().ValidatedEvents.Add(1)
	} else {
		r.Stats().NonValidatedEvents.Add(1)
	}
}

// Close tears down every relay in both pools and the subscription manager.
func (c *Client) Close() error {
	c.cancel()
	c.subs.Close()
	_ = c.mainPool.Close()
	_ = c.outboxPool.Close()
	return nil
}

// RegisterSessionKind adds k to the set of extra kinds every subsequent
// Login's standing session subscription tracks.
func (c *Client) RegisterSessionKind(k int) { c.sessions.RegisterSessionKind(k) }

// Subscribe registers filters, cache-primes the result from a configured
// CacheAdapter, resolves a relay set via the outbox calculator, and attaches
// it. Returned Handle streams grow automatically as relay-list discovery
// (outbox.Tracker) surfaces new write relays for any author in filters.
func (c *Client) Subscribe(ctx context.Context, filters nostrevent.Filters) (*subscription.Handle, error) {
	handle := c.subs.Subscribe(filters)

	if c.cache != nil {
		for _, f := range filters {
			if events := c.cache.Query(ctx, f); len(events) > 0 {
				c.subs.Seed(handle.ID, events)
			}
		}
	}

	urls := c.calc.Resolve(ctx, filters)
	c.attachRelays(ctx, handle.ID, filters, urls, false)
	return handle, nil
}

// Unsubscribe tears down subID's subscription and its attached relays.
func (c *Client) Unsubscribe(subID string) {
	c.subs.Unsubscribe(subID)
	c.mainPool.Unsubscribe(subID)
	c.routingMu.Lock()
	delete(c.routing, subID)
	c.routingMu.Unlock()
}

// Publish sends ev to every currently connected main-pool relay, awaiting
// each relay's OK up to cfg.PublishAwaitTimeout, and returns one
// relay.PublishResult per relay attempted.
func (c *Client) Publish(ctx context.Context, ev nostrevent.Event) ([]relay.PublishResult, error) {
	relays := c.mainPool.Connected()
	if len(relays) == 0 {
		return nil, fmt.Errorf("client: publish: no connected relays")
	}

	results := make([]relay.PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, r := range relays {
		wg.Add(1)
		go func(i int, r *relay.Relay) {
			defer wg.Done()
			res, err := r.Publish(ctx, ev, c.cfg.PublishAwaitTimeout)
			if err != nil && res.RelayURL == "" {
				res.RelayURL = r.URL
			}
			results[i] = res
		}(i, r)
	}
	wg.Wait()
	return results, nil
}

// attachRelays grows subID's routing table with any url in urls not already
// attached and sends REQ only to the new ones, per spec.md §4.9's
// no-resend-to-already-attached-relays rule. temporary controls whether a
// newly-added relay is subject to idle eviction (outbox-discovered relays
// are; the subscriber's own configured relays are not).
func (c *Client) attachRelays(ctx context.Context, subID string, filters nostrevent.Filters, urls []string, temporary bool) {
	c.routingMu.Lock()
	e, ok := c.routing[subID]
	if !ok {
		e = &routingEntry{filters: filters, attached: map[string]bool{}}
		c.routing[subID] = e
	}
	var fresh []string
	for _, u := range urls {
		n := pool.Normalize(u)
		if !e.attached[n] {
			e.attached[n] = true
			fresh = append(fresh, n)
		}
	}
	c.routingMu.Unlock()

	for _, u := range fresh {
		var r *relay.Relay
		if temporary {
			r = c.mainPool.AddTemporary(u)
		} else {
			r = c.mainPool.Add(u)
		}
		if err := r.Subscribe(ctx, subID, filters); err != nil {
			slog.Debug("client: attaching relay to subscription failed", "relay", u, "sub", subID, "err", err)
		}
	}
}

// watchDiscoveries re-resolves and grows the relay set of every live
// subscription whose filters reference a pubkey whose relay list was just
// tracked, per spec.md §4.9's on_relay_list_discovered hook.
func (c *Client) watchDiscoveries() {
	discoveries, cancel := c.tracker.Discoveries()
	defer cancel()
	for {
		select {
		case d, ok := <-discoveries:
			if !ok {
				return
			}
			c.routeDiscovery(d)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) routeDiscovery(d outbox.Discovery) {
	if !c.cfg.OutboxEnabled {
		return
	}
	c.subs.Range(func(id string, filters nostrevent.Filters) bool {
		if !authorsInclude(filters, d.Pubkey) {
			return true
		}
		urls := c.calc.Resolve(c.ctx, filters)
		c.attachRelays(c.ctx, id, filters, urls, true)
		return true
	})
}

func authorsInclude(filters nostrevent.Filters, pubkey string) bool {
	for _, f := range filters {
		for _, a := range f.Authors {
			if a == pubkey {
				return true
			}
		}
	}
	return false
}
