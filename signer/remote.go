// NIP-46 remote signer: every call is an encrypted kind-24133 request
// routed through the caller-supplied Dispatcher, with responses matched by
// request id. Grounded on netstr.NostrConnection's request/response
// correlation over Nostr events (subscriptionChan, readIDs dedup,
// uuid-keyed protocol.Message) in netstr/conn.go, adapted here from a raw
// byte tunnel into a JSON-RPC-shaped signer protocol, and on
// protocol/message.go's functional-option envelope builder, adapted into
// the NIP-46 request/response payload.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

// KindNIP46 is the NIP-46 remote-signing request/response event kind.
const KindNIP46 = 24133

// defaultCallTimeout is spec.md §5's default per-call remote-signer bound.
const defaultCallTimeout = 30 * time.Second

// DeliveredEvent is the narrow shape Dispatcher.Subscribe hands back:
// enough to drive NIP-46 correlation without importing the subscription
// package's full Delivery/Handle types into this package (spec.md §9's
// "narrow interface rather than the coordinator itself" guidance, applied
// one layer lower).
type DeliveredEvent struct {
	Event    *nostrevent.Event
	RelayURL string
}

// Dispatcher is the minimal surface a remote signer needs from the
// top-level coordinator: publish a signed event to a specific relay set,
// and subscribe to a specific relay set's matching events. The coordinator
// (client.Client) implements this; the signer package never imports it,
// avoiding the constructor cycle spec.md §9 calls out.
type Dispatcher interface {
	Publish(ctx context.Context, ev nostrevent.Event, relayURLs []string) error
	Subscribe(ctx context.Context, relayURLs []string, filters nostrevent.Filters) (<-chan DeliveredEvent, func())
}

type rpcRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Remote is the live NIP-46 signer: a throwaway local key, the remote
// signer's pubkey, and the transport relays both sides speak over.
type Remote struct {
	localKey  string
	localPub  string
	remoteKey string // the remote signer's pubkey, used as the p-tag/ECDH target
	userPub   string // the identity being signed for; resolved lazily via get_public_key if empty
	relays    []string
	secret    string

	dispatcher Dispatcher
	pending    *xsync.MapOf[string, chan rpcResponse]

	mu     sync.Mutex
	cancel func()
}

func newRemote(localKey, remoteKey, secret string, relays []string, dispatcher Dispatcher) (*Remote, error) {
	localPub, err := cryptoutil.PublicKey(localKey)
	if err != nil {
		return nil, fmt.Errorf("signer: remote: deriving local pubkey: %w", err)
	}
	return &Remote{
		localKey:   localKey,
		localPub:   localPub,
		remoteKey:  remoteKey,
		relays:     relays,
		secret:     secret,
		dispatcher: dispatcher,
		pending:    xsync.NewMapOf[string, chan rpcResponse](),
	}, nil
}

// NewRemoteFromBunkerURL parses a signer-initiated `bunker://<pubkey>?relay=...&secret=...`
// URI (the remote signer app generated and the user pasted in) and starts
// listening for its responses.
func NewRemoteFromBunkerURL(ctx context.Context, bunkerURL string, dispatcher Dispatcher) (*Remote, error) {
	remoteKey, relays, secret, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return nil, err
	}
	local, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("signer: remote: generating local key: %w", err)
	}
	r, err := newRemote(local.PrivateKey, remoteKey, secret, relays, dispatcher)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRemoteForNostrConnect generates a throwaway local keypair and returns a
// Remote not yet bound to a remote signer pubkey, plus the
// `nostrconnect://` URI the remote app is expected to scan/open. The author
// of the first response handleEvent decrypts becomes remoteKey.
func NewRemoteForNostrConnect(ctx context.Context, relays []string, appName string, dispatcher Dispatcher) (*Remote, string, error) {
	local, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("signer: remote: generating local key: %w", err)
	}
	secret := uuid.NewString()
	r, err := newRemote(local.PrivateKey, "", secret, relays, dispatcher)
	if err != nil {
		return nil, "", err
	}
	uri := BuildNostrConnectURI(local.PublicKey, relays, secret, appName)
	if err := r.Start(ctx); err != nil {
		return nil, "", err
	}
	return r, uri, nil
}

// ParseBunkerURL extracts the remote signer pubkey, transport relays, and
// optional pairing secret from a `bunker://` URI.
func ParseBunkerURL(raw string) (pubkey string, relays []string, secret string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, "", fmt.Errorf("signer: parsing bunker url: %w", err)
	}
	if u.Scheme != "bunker" {
		return "", nil, "", fmt.Errorf("signer: not a bunker:// url: %q", raw)
	}
	pubkey = u.Host
	if pubkey == "" && u.Opaque != "" {
		pubkey = strings.SplitN(u.Opaque, "?", 2)[0]
	}
	q := u.Query()
	relays = q["relay"]
	secret = q.Get("secret")
	return pubkey, relays, secret, nil
}

// BuildNostrConnectURI constructs the client-initiated pairing URI a remote
// signer app scans (or opens via deep link), per NIP-46's
// `nostrconnect://` form.
func BuildNostrConnectURI(localPub string, relays []string, secret, appName string) string {
	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	if secret != "" {
		q.Set("secret", secret)
	}
	if appName != "" {
		q.Set("metadata", fmt.Sprintf(`{"name":%q}`, appName))
	}
	return fmt.Sprintf("nostrconnect://%s?%s", localPub, q.Encode())
}

// Start subscribes to inbound kind-24133 responses addressed to the local
// throwaway pubkey.
func (r *Remote) Start(ctx context.Context) error {
	filters := nostrevent.Filters{{
		Kinds: []int{KindNIP46},
		Tags:  nostrevent.TagMap{"p": []string{r.localPub}},
	}}
	events, cancel := r.dispatcher.Subscribe(ctx, r.relays, filters)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.pump(events)
	return nil
}

// Stop cancels the response subscription.
func (r *Remote) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Remote) pump(events <-chan DeliveredEvent) {
	for d := range events {
		r.handleEvent(d.Event)
	}
}

func (r *Remote) counterpartyKey() string {
	if r.remoteKey != "" {
		return r.remoteKey
	}
	return r.userPub
}

func (r *Remote) handleEvent(ev *nostrevent.Event) {
	plaintext, err := cryptoutil.DecryptNIP44(r.localKey, ev.PubKey, ev.Content)
	if err != nil {
		return
	}
	var resp rpcResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return
	}
	if r.remoteKey == "" {
		// client-initiated pairing: the first inbound event's author is the
		// remote signer we were waiting to learn.
		r.remoteKey = ev.PubKey
	}
	if ch, ok := r.pending.Load(resp.ID); ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// call encrypts and publishes an RPC request, blocking until the matching
// response arrives or timeout elapses.
func (r *Remote) call(ctx context.Context, method string, params []string) (string, error) {
	id := uuid.NewString()
	req := rpcRequest{ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("signer: remote: marshal request: %w", err)
	}

	target := r.counterpartyKey()
	if target == "" {
		return "", errors.New("signer: remote: no remote signer pubkey known yet")
	}
	encrypted, err := cryptoutil.EncryptNIP44(r.localKey, target, string(payload))
	if err != nil {
		return "", fmt.Errorf("signer: remote: encrypt request: %w", err)
	}

	ev := nostrevent.Event{
		PubKey:    r.localPub,
		CreatedAt: nostrevent.Timestamp(time.Now().Unix()),
		Kind:      KindNIP46,
		Tags:      nostrevent.Tags{{"p", target}},
		Content:   encrypted,
	}
	if err := cryptoutil.Sign(&ev, r.localKey); err != nil {
		return "", fmt.Errorf("signer: remote: sign request: %w", err)
	}

	ch := make(chan rpcResponse, 1)
	r.pending.Store(id, ch)
	defer r.pending.Delete(id)

	if err := r.dispatcher.Publish(ctx, ev, r.relays); err != nil {
		return "", fmt.Errorf("signer: remote: publish request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return "", fmt.Errorf("signer: remote: %s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-callCtx.Done():
		return "", fmt.Errorf("signer: remote: %s: %w", method, callCtx.Err())
	}
}

// PubKey resolves (and caches) the identity pubkey the remote signer signs
// for via the get_public_key RPC.
func (r *Remote) PubKey(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.userPub
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	pub, err := r.call(ctx, "get_public_key", nil)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.userPub = pub
	r.mu.Unlock()
	return pub, nil
}

// SignEvent asks the remote signer to sign ev (JSON-encoded per NIP-46's
// sign_event method) and writes the returned ID/Sig back onto it.
func (r *Remote) SignEvent(ctx context.Context, ev *nostrevent.Event) error {
	if ev.PubKey == "" {
		pub, err := r.PubKey(ctx)
		if err != nil {
			return err
		}
		ev.PubKey = pub
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("signer: remote: marshal event template: %w", err)
	}
	result, err := r.call(ctx, "sign_event", []string{string(payload)})
	if err != nil {
		return err
	}
	var signed nostrevent.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return fmt.Errorf("signer: remote: unmarshal signed event: %w", err)
	}
	*ev = signed
	return nil
}

const typeRemote = "remote"

type remotePayload struct {
	LocalKey  string   `json:"local_key"`
	RemoteKey string   `json:"remote_key"`
	Secret    string   `json:"secret"`
	Relays    []string `json:"relays"`
}

// Serialize persists enough configuration to rebuild the Remote on restore;
// the live subscription itself is not serializable, which is exactly why
// Deserialize returns a Deferred rather than a live Remote.
func (r *Remote) Serialize() (Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(remotePayload{
		LocalKey: r.localKey, RemoteKey: r.remoteKey, Secret: r.secret, Relays: r.relays,
	})
	if err != nil {
		return Blob{}, fmt.Errorf("signer: remote: serializing: %w", err)
	}
	return Blob{Type: typeRemote, Data: data}, nil
}

// Deferred holds a remote signer's configuration without a Dispatcher,
// exactly spec.md §9's "Remote-signer rehydration" design: it is what
// Deserialize returns for a "remote" blob, and is useless until Finalize
// injects the live coordinator reference (via the narrow Dispatcher
// interface) during client.Client.RestoreAccounts.
type Deferred struct {
	mu     sync.Mutex
	cfg    remotePayload
	remote *Remote
}

// Finalize builds and starts the live Remote signer using dispatcher. Safe
// to call more than once; subsequent calls are no-ops.
func (d *Deferred) Finalize(ctx context.Context, dispatcher Dispatcher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remote != nil {
		return nil
	}
	r, err := newRemote(d.cfg.LocalKey, d.cfg.RemoteKey, d.cfg.Secret, d.cfg.Relays, dispatcher)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	d.remote = r
	return nil
}

// Finalized reports whether Finalize has already succeeded.
func (d *Deferred) Finalized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remote != nil
}

func (d *Deferred) PubKey(ctx context.Context) (string, error) {
	d.mu.Lock()
	r := d.remote
	d.mu.Unlock()
	if r == nil {
		return "", ErrNotFinalized
	}
	return r.PubKey(ctx)
}

func (d *Deferred) SignEvent(ctx context.Context, ev *nostrevent.Event) error {
	d.mu.Lock()
	r := d.remote
	d.mu.Unlock()
	if r == nil {
		return ErrNotFinalized
	}
	return r.SignEvent(ctx, ev)
}

func (d *Deferred) Serialize() (Blob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remote != nil {
		return d.remote.Serialize()
	}
	data, err := json.Marshal(d.cfg)
	if err != nil {
		return Blob{}, fmt.Errorf("signer: deferred: serializing: %w", err)
	}
	return Blob{Type: typeRemote, Data: data}, nil
}

func init() {
	Register(typeRemote, func(data json.RawMessage) (Signer, error) {
		var p remotePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal remote payload: %w", err)
		}
		return &Deferred{cfg: p}, nil
	})
}
