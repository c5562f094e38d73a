// Package relay implements the per-relay session state machine spec.md
// §4.5 describes: connect/reconnect with exponential backoff and flapping
// detection, subscription restoration across reconnects, NIP-42 AUTH, and
// per-relay statistics. It is built directly on nbd-wtf/go-nostr's
// *nostr.Relay — the wire codec and WebSocket transport (spec.md C2/C4) —
// the same way the teacher repo's protocol.SimplePool wraps nostr.Relay
// rather than talking WebSocket itself.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/streamutil"
)

// ErrNotConnected is returned by Publish when the relay has no usable
// connection.
var ErrNotConnected = errors.New("relay: not connected")

// DispatchFunc receives every inbound EVENT frame for a subscription this
// relay carries. relayURL/subID identify the source so a caller (the
// subscription manager) can fan out and deduplicate.
type DispatchFunc func(ev *nostrevent.Event, relayURL, subID string)

// EOSEFunc is called once per subscription when the relay signals that all
// stored matches have been delivered.
type EOSEFunc func(relayURL, subID string)

// ClosedFunc is called when a relay sends CLOSED for a subscription for a
// reason other than a successful AUTH retry.
type ClosedFunc func(relayURL, subID, reason string)

// AuthSigner signs an unsigned NIP-42 kind-22242 auth event template
// go-nostr constructs (challenge and relay tags already populated), the
// same callback shape the teacher's WithAuthHandler pool option uses.
type AuthSigner func(ctx context.Context, ev *nostr.Event) error

// PublishResult is the per-relay publish outcome exposed to callers, per
// the Open Question decision in SPEC_FULL.md §14: Accepted distinguishes a
// relay's OK from a bare transport-send success.
type PublishResult struct {
	RelayURL string
	EventID  string
	Sent     bool // the EVENT frame was written
	Accepted bool // the relay's OK frame accepted it
	TimedOut bool // no OK arrived before the await deadline
	Message  string
}

const defaultAwaitOK = 4 * time.Second
const connectTimeout = 15 * time.Second
const flapThreshold = time.Second

// Relay manages a single relay connection's lifecycle.
type Relay struct {
	URL string

	connectMu sync.Mutex // guards at most one concurrent connect attempt
	conn      *nostr.Relay

	state   *streamutil.Value[State]
	stats   *Stats
	backoff *Backoff

	subs     *xsync.MapOf[string, nostrevent.Filters]    // sub_id -> filters, for restoration
	liveSubs *xsync.MapOf[string, *nostr.Subscription] // sub_id -> active go-nostr subscription

	authSigner AuthSigner
	dispatch   DispatchFunc
	onEOSE     EOSEFunc
	onClosed   ClosedFunc

	autoReconnect atomic.Bool
	connectedAt   atomic.Int64 // unix nano, for flapping detection

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Relay at construction time.
type Option func(*Relay)

// WithAuthSigner configures the signer used to answer NIP-42 AUTH
// challenges. Without one, the relay remains in AuthRequired rather than
// auto-transitioning.
func WithAuthSigner(s AuthSigner) Option { return func(r *Relay) { r.authSigner = s } }

// WithDispatch sets the callback invoked for every inbound EVENT frame.
func WithDispatch(fn DispatchFunc) Option { return func(r *Relay) { r.dispatch = fn } }

// WithEOSE sets the callback invoked on EOSE.
func WithEOSE(fn EOSEFunc) Option { return func(r *Relay) { r.onEOSE = fn } }

// WithClosed sets the callback invoked on a non-auth CLOSED frame.
func WithClosed(fn ClosedFunc) Option { return func(r *Relay) { r.onClosed = fn } }

// New creates a Relay for the given (already-normalized) URL with
// auto-reconnect enabled.
func New(ctx context.Context, url string, opts ...Option) *Relay {
	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		URL:      url,
		state:    streamutil.NewValue(StateDisconnected),
		stats:    &Stats{},
		backoff:  NewBackoff(),
		subs:     xsync.NewMapOf[string, nostrevent.Filters](),
		liveSubs: xsync.NewMapOf[string, *nostr.Subscription](),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.autoReconnect.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the relay's current state.
func (r *Relay) State() State { return r.state.Get() }

// WatchState returns a channel of state changes and an unsubscribe func.
func (r *Relay) WatchState() (<-chan State, func()) { return r.state.Subscribe() }

// Stats returns the relay's live statistics counters.
func (r *Relay) Stats() *Stats { return r.stats }

// IsConnected reports whether the relay is in a usable state.
func (r *Relay) IsConnected() bool { return r.state.Get().IsUsable() }

// Connect opens the WebSocket connection if not already usable. At most
// one connect attempt runs at a time per relay.
func (r *Relay) Connect(ctx context.Context) error {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if r.state.Get().IsUsable() {
		return nil
	}

	r.state.Set(StateConnecting)
	r.stats.ConnectAttempts.Add(1)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := nostr.RelayConnect(connCtx, r.URL)
	if err != nil {
		r.state.Set(StateDisconnected)
		r.scheduleReconnect(false)
		return fmt.Errorf("relay %s: connect: %w", r.URL, err)
	}

	r.conn = conn
	r.connectedAt.Store(time.Now().UnixNano())
	r.stats.NoteConnected()
	r.backoff.Reset()
	r.state.Set(StateConnected)

	r.restoreSubscriptions()
	go r.watchDisconnect(conn)

	return nil
}

// Reconnect is the explicit reconnect() call spec.md §4.5 names: it resets
// the backoff/attempt counter and tries again immediately, regardless of
// whether max_attempts was previously exhausted.
func (r *Relay) Reconnect(ctx context.Context) error {
	r.backoff.Reset()
	return r.Connect(ctx)
}

// Close terminates the relay permanently: auto_reconnect is disabled and
// the underlying connection (if any) is closed. The Relay must not be
// reused after Close.
func (r *Relay) Close() error {
	r.autoReconnect.Store(false)
	r.cancel()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// SetAutoReconnect toggles whether a dropped connection is automatically
// retried.
func (r *Relay) SetAutoReconnect(v bool) { r.autoReconnect.Store(v) }

// AutoReconnect reports whether a dropped connection is currently
// configured to retry automatically.
func (r *Relay) AutoReconnect() bool { return r.autoReconnect.Load() }

func (r *Relay) watchDisconnect(conn *nostr.Relay) {
	select {
	case <-conn.Context().Done():
	case <-r.ctx.Done():
		return
	}
	if r.conn != conn {
		return // superseded by a newer connection already
	}
	r.handleDisconnect()
}

func (r *Relay) handleDisconnect() {
	r.stats.Disconnections.Add(1)

	alive := time.Since(time.Unix(0, r.connectedAt.Load()))
	flapped := alive < flapThreshold
	if flapped {
		r.state.Set(StateFlapping)
	} else {
		r.state.Set(StateDisconnected)
	}

	if !r.autoReconnect.Load() {
		r.state.Set(StateDisconnected)
		return
	}
	r.scheduleReconnect(flapped)
}

func (r *Relay) scheduleReconnect(flapped bool) {
	delay, ok := r.backoff.Next(flapped)
	if !ok {
		slog.Warn("relay: max reconnect attempts reached, waiting for explicit reconnect", "relay", r.URL)
		r.state.Set(StateDisconnected)
		return
	}
	r.state.Set(StateReconnecting)
	go func() {
		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
		if err := r.Connect(r.ctx); err != nil {
			slog.Debug("relay: reconnect attempt failed", "relay", r.URL, "err", err)
		}
	}()
}

// restoreSubscriptions re-sends a fresh REQ, with the same sub_id and
// filters, for every subscription this relay was carrying before the
// disconnect. Satisfies the testable property in spec.md §8.4.
func (r *Relay) restoreSubscriptions() {
	r.subs.Range(func(subID string, filters nostrevent.Filters) bool {
		if err := r.sendREQ(r.ctx, subID, filters); err != nil {
			slog.Warn("relay: failed to restore subscription", "relay", r.URL, "sub", subID, "err", err)
		}
		return true
	})
}

// Subscribe registers filters under subID. If the relay is currently
// usable the REQ is sent immediately; otherwise it is recorded and will be
// sent the next time the relay reaches Connected (by restoreSubscriptions).
func (r *Relay) Subscribe(ctx context.Context, subID string, filters nostrevent.Filters) error {
	r.subs.Store(subID, filters)
	r.stats.TotalSubscriptions.Add(1)
	r.stats.ActiveSubscriptions.Add(1)

	if !r.state.Get().IsUsable() {
		return nil
	}
	return r.sendREQ(ctx, subID, filters)
}

func (r *Relay) sendREQ(ctx context.Context, subID string, filters nostrevent.Filters) error {
	sub, err := r.conn.Subscribe(ctx, filters, nostr.WithLabel(subID))
	if err != nil {
		return fmt.Errorf("relay %s: subscribe %s: %w", r.URL, subID, err)
	}
	r.liveSubs.Store(subID, sub)
	r.stats.MessagesSent.Add(1)
	r.stats.BytesSent.Add(frameSize(filters))
	go r.pumpEOSE(subID, sub)
	go r.pumpEvents(subID, sub)
	return nil
}

// frameSize approximates the wire size of v by JSON-marshaling it, since
// go-nostr's *nostr.Relay does not expose the raw bytes it writes/reads
// itself. Used at sendREQ/Publish/pumpEvents to keep Stats.BytesSent/
// BytesReceived live.
func frameSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func (r *Relay) pumpEOSE(subID string, sub *nostr.Subscription) {
	select {
	case <-sub.EndOfStoredEvents:
		if r.onEOSE != nil {
			r.onEOSE(r.URL, subID)
		}
	case <-r.ctx.Done():
	}
}

func (r *Relay) pumpEvents(subID string, sub *nostr.Subscription) {
	for {
		select {
		case ev, more := <-sub.Events:
			if !more {
				return
			}
			r.stats.MessagesReceived.Add(1)
			r.stats.BytesReceived.Add(frameSize(ev))
			if r.dispatch != nil {
				r.dispatch(ev, r.URL, subID)
			}
		case reason := <-sub.ClosedReason:
			r.handleClosed(subID, reason)
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) handleClosed(subID, reason string) {
	if strings.HasPrefix(reason, "auth-required:") && r.authSigner != nil {
		if err := r.performAuth(r.ctx); err == nil {
			if filters, ok := r.subs.Load(subID); ok {
				if err := r.sendREQ(r.ctx, subID, filters); err != nil {
					slog.Warn("relay: resubscribe after auth failed", "relay", r.URL, "sub", subID, "err", err)
				}
			}
			return
		}
	}
	slog.Debug("relay: subscription closed", "relay", r.URL, "sub", subID, "reason", reason)
	if r.onClosed != nil {
		r.onClosed(r.URL, subID, reason)
	}
}

// Unsubscribe removes subID from the restoration map and best-effort sends
// CLOSE to the relay.
func (r *Relay) Unsubscribe(subID string) {
	r.subs.Delete(subID)
	r.stats.ActiveSubscriptions.Add(-1)
	if sub, ok := r.liveSubs.LoadAndDelete(subID); ok {
		sub.Unsub()
	}
}

// performAuth drives the Connected->AuthRequired->Authenticating->
// Authenticated transition of spec.md §4.5.
func (r *Relay) performAuth(ctx context.Context) error {
	if r.authSigner == nil {
		return errors.New("relay: no auth signer configured")
	}
	r.state.Set(StateAuthRequired)
	r.state.Set(StateAuthenticating)
	r.stats.AuthAttempts.Add(1)

	err := r.conn.Auth(ctx, func(ev *nostr.Event) error {
		return r.authSigner(ctx, ev)
	})
	if err != nil {
		r.state.Set(StateConnected)
		return fmt.Errorf("relay %s: auth: %w", r.URL, err)
	}
	r.stats.AuthSuccesses.Add(1)
	r.state.Set(StateAuthenticated)
	return nil
}

// QuerySingle issues a short-lived REQ for filter and returns the first
// matching event, or nil if EOSE arrives with no match. Used by the
// outbox tracker's fallback fetch chain rather than the standing
// subscription path. Grounded on protocol.SimplePool.QuerySingle.
func (r *Relay) QuerySingle(ctx context.Context, filter nostrevent.Filter) (*nostrevent.Event, error) {
	if r.conn == nil || !r.state.Get().IsUsable() {
		return nil, fmt.Errorf("relay %s: %w", r.URL, ErrNotConnected)
	}
	sub, err := r.conn.Subscribe(ctx, nostrevent.Filters{filter})
	if err != nil {
		return nil, fmt.Errorf("relay %s: query: %w", r.URL, err)
	}
	defer sub.Unsub()
	select {
	case ev := <-sub.Events:
		return ev, nil
	case <-sub.EndOfStoredEvents:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish writes an EVENT frame and awaits the relay's OK, bounded by
// awaitOK (defaultAwaitOK if <= 0). This implements the Open Question
// decision recorded in SPEC_FULL.md §14: Accepted reflects the relay's OK,
// not merely that the frame was written.
func (r *Relay) Publish(ctx context.Context, ev nostrevent.Event, awaitOK time.Duration) (PublishResult, error) {
	res := PublishResult{RelayURL: r.URL, EventID: ev.ID}

	if r.conn == nil || !r.state.Get().IsUsable() {
		res.Message = ErrNotConnected.Error()
		return res, fmt.Errorf("relay %s: %w", r.URL, ErrNotConnected)
	}

	if awaitOK <= 0 {
		awaitOK = defaultAwaitOK
	}
	pubCtx, cancel := context.WithTimeout(ctx, awaitOK)
	defer cancel()

	err := r.conn.Publish(pubCtx, ev)
	res.Sent = true
	r.stats.MessagesSent.Add(1)
	r.stats.BytesSent.Add(frameSize(ev))

	switch {
	case err == nil:
		res.Accepted = true
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		res.TimedOut = true
		res.Message = "no OK received before timeout"
		return res, nil
	default:
		res.Message = err.Error()
		return res, nil
	}
}
