// Package pool implements spec.md C6: a registry of relay sessions shared
// across subscriptions, with URL normalization, aggregate connect,
// temporary relays that expire after an idle period, and a pool-wide event
// stream. It is grounded on the teacher's protocol.SimplePool, which keeps
// a map of live nostr.Relay connections keyed by normalized URL and fans
// connection/subscription work out across them.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/relay"
	"github.com/asmogo/nostrsdk/streamutil"
)

// EventKind identifies what happened to a relay membership, delivered on
// the pool's event stream.
type EventKind int

const (
	RelayAdded EventKind = iota
	RelayRemoved
	RelayConnected
	RelayDisconnected
	RelayAuthRequired
)

func (k EventKind) String() string {
	switch k {
	case RelayAdded:
		return "relay_added"
	case RelayRemoved:
		return "relay_removed"
	case RelayConnected:
		return "relay_connected"
	case RelayDisconnected:
		return "relay_disconnected"
	case RelayAuthRequired:
		return "relay_auth_required"
	default:
		return "unknown"
	}
}

// Event is one membership/state notification from the pool.
type Event struct {
	Kind EventKind
	URL  string
}

// defaultIdleTimeout is how long a temporary relay survives after it was
// added (or last passed to Touch) before the pool removes it.
const defaultIdleTimeout = 5 * time.Minute

type entry struct {
	r          *relay.Relay
	temporary  bool
	cancelIdle context.CancelFunc
}

// Pool owns a set of relay sessions keyed by their normalized URL. Two
// independent Pools are used by the top-level coordinator: the main pool
// (user-configured relays) and the outbox pool (well-known discovery
// relays), matching spec.md §4.8's "separate Pool instance" language.
type Pool struct {
	relays *xsync.MapOf[string, *entry]
	stream *streamutil.Broadcaster[Event]

	authSigner  relay.AuthSigner
	dispatch    relay.DispatchFunc
	onEOSE      relay.EOSEFunc
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithAuthSigner sets the NIP-42 auth signer passed to every relay this
// pool creates.
func WithAuthSigner(s relay.AuthSigner) Option { return func(p *Pool) { p.authSigner = s } }

// WithDispatch sets the inbound-event callback passed to every relay this
// pool creates.
func WithDispatch(fn relay.DispatchFunc) Option { return func(p *Pool) { p.dispatch = fn } }

// WithEOSE sets the EOSE callback passed to every relay this pool creates.
func WithEOSE(fn relay.EOSEFunc) Option { return func(p *Pool) { p.onEOSE = fn } }

// WithIdleTimeout overrides how long a temporary relay lingers before being
// dropped.
func WithIdleTimeout(d time.Duration) Option { return func(p *Pool) { p.idleTimeout = d } }

// New creates an empty Pool.
func New(ctx context.Context, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		relays:      xsync.NewMapOf[string, *entry](),
		stream:      streamutil.NewBroadcaster[Event](),
		idleTimeout: defaultIdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalize canonicalizes a relay URL per spec.md §6: lowercase, wss://
// prefix added if no scheme, trailing slash stripped. It delegates to
// go-nostr's NormalizeURL, which implements the identical rule.
func Normalize(url string) string {
	return nostr.NormalizeURL(url)
}

// Events returns the pool's membership/state notification stream.
func (p *Pool) Events() (<-chan Event, func()) {
	return p.stream.Subscribe(32)
}

// Add registers url as a permanent relay (not subject to idle eviction) if
// not already present, returning the resulting Relay either way.
func (p *Pool) Add(url string) *relay.Relay {
	return p.add(url, false)
}

// AddTemporary registers url as a relay that will be removed automatically
// once the idle timeout has elapsed since it was added (or last passed to
// Touch), whether or not subscriptions are attached to it. Calling
// AddTemporary again for a URL already present does not restart the timer;
// calling Add for it makes it permanent. Used by
// the outbox model to attach relays discovered mid-subscription without
// permanently growing the pool (spec.md §4.9's add_temporary_relay).
func (p *Pool) AddTemporary(url string) *relay.Relay {
	return p.add(url, true)
}

func (p *Pool) add(rawURL string, temporary bool) *relay.Relay {
	url := Normalize(rawURL)
	if e, ok := p.relays.Load(url); ok {
		if !temporary {
			e.temporary = false
			e.r.SetAutoReconnect(true)
			p.cancelIdleEviction(e)
		}
		return e.r
	}

	r := relay.New(p.ctx, url,
		relay.WithAuthSigner(p.authSigner),
		relay.WithDispatch(p.dispatch),
		relay.WithEOSE(p.onEOSE),
	)
	if temporary {
		r.SetAutoReconnect(false)
	}
	e := &entry{r: r, temporary: temporary}
	actual, loaded := p.relays.LoadOrStore(url, e)
	if loaded {
		return actual.r
	}

	p.stream.Publish(Event{Kind: RelayAdded, URL: url})
	go p.watchRelayState(url, r)
	if temporary {
		p.armIdleEviction(e)
	}
	return r
}

func (p *Pool) watchRelayState(url string, r *relay.Relay) {
	ch, cancel := r.WatchState()
	defer cancel()
	last := relay.StateDisconnected
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			if s.IsUsable() && !last.IsUsable() {
				p.stream.Publish(Event{Kind: RelayConnected, URL: url})
			} else if !s.IsUsable() && last.IsUsable() {
				p.stream.Publish(Event{Kind: RelayDisconnected, URL: url})
			}
			if s == relay.StateAuthRequired {
				p.stream.Publish(Event{Kind: RelayAuthRequired, URL: url})
			}
			last = s
		case <-p.ctx.Done():
			return
		}
	}
}

// armIdleEviction starts (or restarts) the idle-eviction timer for a
// temporary relay entry.
func (p *Pool) armIdleEviction(e *entry) {
	p.cancelIdleEviction(e)
	ctx, cancel := context.WithCancel(p.ctx)
	e.cancelIdle = cancel
	go func() {
		select {
		case <-time.After(p.idleTimeout):
			p.removeIfIdle(e)
		case <-ctx.Done():
		}
	}()
}

func (p *Pool) cancelIdleEviction(e *entry) {
	if e.cancelIdle != nil {
		e.cancelIdle()
		e.cancelIdle = nil
	}
}

func (p *Pool) removeIfIdle(e *entry) {
	if !e.temporary {
		return
	}
	p.Remove(e.r.URL)
}

// Touch resets a temporary relay's idle-eviction timer. Permanent relays
// ignore this. Attaching a subscription does not call Touch.
func (p *Pool) Touch(url string) {
	if e, ok := p.relays.Load(Normalize(url)); ok && e.temporary {
		p.armIdleEviction(e)
	}
}

// Remove closes and drops a relay from the pool.
func (p *Pool) Remove(url string) {
	url = Normalize(url)
	e, ok := p.relays.LoadAndDelete(url)
	if !ok {
		return
	}
	p.cancelIdleEviction(e)
	_ = e.r.Close()
	p.stream.Publish(Event{Kind: RelayRemoved, URL: url})
}

// Get returns the relay registered under url, if any.
func (p *Pool) Get(url string) (*relay.Relay, bool) {
	e, ok := p.relays.Load(Normalize(url))
	if !ok {
		return nil, false
	}
	return e.r, true
}

// All returns every relay currently registered, connected or not.
func (p *Pool) All() []*relay.Relay {
	var out []*relay.Relay
	p.relays.Range(func(_ string, e *entry) bool {
		out = append(out, e.r)
		return true
	})
	return out
}

// Connected returns every relay currently in a usable state.
func (p *Pool) Connected() []*relay.Relay {
	var out []*relay.Relay
	p.relays.Range(func(_ string, e *entry) bool {
		if e.r.IsConnected() {
			out = append(out, e.r)
		}
		return true
	})
	return out
}

// Connect dials every registered relay concurrently and returns once at
// least one reaches a usable state or timeout elapses, whichever comes
// first — spec.md §6's connect(timeout) semantics ("quorum-of-one").
func (p *Pool) Connect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	relays := p.All()
	if len(relays) == 0 {
		return fmt.Errorf("pool: no relays registered")
	}

	done := make(chan struct{}, len(relays))
	for _, r := range relays {
		r := r
		go func() {
			_ = r.Connect(ctx)
			done <- struct{}{}
		}()
	}

	connectedAny := make(chan struct{}, len(relays))
	for _, r := range relays {
		r := r
		go func() {
			if r.IsConnected() {
				connectedAny <- struct{}{}
				return
			}
			ch, cancel := r.WatchState()
			defer cancel()
			for {
				select {
				case s, ok := <-ch:
					if !ok {
						return
					}
					if s.IsUsable() {
						connectedAny <- struct{}{}
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	select {
	case <-connectedAny:
		return nil
	case <-ctx.Done():
		if len(p.Connected()) > 0 {
			return nil
		}
		return fmt.Errorf("pool: connect timeout: %w", ctx.Err())
	}
}

// QuerySingle issues filter to every connected relay concurrently and
// returns the first matching event reported by any of them, per spec.md
// §4.8's fallback fetch chain. Grounded on protocol.SimplePool.QuerySingle.
func (p *Pool) QuerySingle(ctx context.Context, filter nostrevent.Filter, timeout time.Duration) (*nostrevent.Event, bool) {
	relays := p.Connected()
	if len(relays) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan *nostrevent.Event, len(relays))
	for _, r := range relays {
		r := r
		go func() {
			ev, err := r.QuerySingle(ctx, filter)
			if err == nil && ev != nil {
				select {
				case results <- ev:
				default:
				}
			}
		}()
	}

	select {
	case ev := <-results:
		return ev, true
	case <-ctx.Done():
		return nil, false
	}
}

// Close tears down every relay and stops the pool's background work.
func (p *Pool) Close() error {
	p.relays.Range(func(url string, e *entry) bool {
		p.cancelIdleEviction(e)
		_ = e.r.Close()
		return true
	})
	p.stream.Close()
	p.cancel()
	return nil
}

// Subscribe attaches subID/filters to every relay in urls (adding any not
// already present as permanent relays). Every listed relay is sent the
// REQ, including one that already carries subID; per-relay errors are
// ignored.
func (p *Pool) Subscribe(ctx context.Context, urls []string, subID string, filters nostrevent.Filters) {
	for _, url := range urls {
		r := p.Add(url)
		if err := r.Subscribe(ctx, subID, filters); err != nil {
			continue
		}
	}
}

// Unsubscribe removes subID from every relay in the pool.
func (p *Pool) Unsubscribe(subID string) {
	for _, r := range p.All() {
		r.Unsubscribe(subID)
	}
}
