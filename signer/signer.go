// Package signer implements spec.md C12: the polymorphic signer capability
// set {pubkey, sign}, a local-key variant, type-tagged serialization for the
// account store, and (in remote.go) the NIP-46 remote-signer variant with
// its deferred-rehydration split. Grounded on the teacher's
// protocol.EventSigner (CreateSignedEvent/Sign) for the local variant's
// shape, generalized from the tunnel's ephemeral-event signing to arbitrary
// unsigned event templates.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

// ErrNotFinalized is returned by a Deferred signer's PubKey/SignEvent before
// Finalize has been called.
var ErrNotFinalized = errors.New("signer: remote signer not finalized")

// ErrUnknownType names the "type not in the registry" condition. Deserialize
// itself reports an unknown type as (nil, nil), not as this error.
var ErrUnknownType = errors.New("signer: unknown serialized type")

// Signer is the capability every variant in spec.md §4.11 implements:
// report a pubkey and produce a signature over an event template.
type Signer interface {
	PubKey(ctx context.Context) (string, error)
	// SignEvent fills in ID and Sig on ev, which must already carry
	// CreatedAt, Kind, Tags, and Content. PubKey is set to the signer's
	// identity: Local always overwrites it, Remote fills it when empty.
	SignEvent(ctx context.Context, ev *nostrevent.Event) error
	// Serialize produces the type-tagged blob the account store persists.
	Serialize() (Blob, error)
}

// Blob is the type-tagged envelope spec.md §4.11 specifies:
// {"type": "...", "data": {...}}. It is what accountstore.Store.Save/Load
// actually moves as bytes (via Marshal/Unmarshal below).
type Blob struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes a Blob to the bytes an accountstore.Store persists.
func (b Blob) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal blob: %w", err)
	}
	return data, nil
}

// UnmarshalBlob decodes the bytes an accountstore.Store returns back into a
// Blob.
func UnmarshalBlob(raw []byte) (Blob, error) {
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Blob{}, fmt.Errorf("signer: unmarshal blob: %w", err)
	}
	return b, nil
}

// Factory builds a Signer from a Blob's Data payload. Registered factories
// never see the outer Blob.Type wrapper.
type Factory func(data json.RawMessage) (Signer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds typ to the deserialization registry. Intended to be called
// from package init (see signer.go/remote.go's init functions) so every
// built-in variant is available without the caller wiring it by hand.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = f
}

// Deserialize dispatches blob.Type through the registry. An unrecognized
// type yields (nil, nil) rather than an error — spec.md §4.11's
// forward-compatibility guarantee: a store written by a newer client must
// not break an older one restoring its account list.
func Deserialize(blob Blob) (Signer, error) {
	registryMu.RLock()
	f, ok := registry[blob.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, nil
	}
	s, err := f(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("signer: deserializing %q: %w", blob.Type, err)
	}
	return s, nil
}

const typeLocal = "local"

// Local is the local-key signer variant: it holds a private key and signs
// directly via the crypto abstraction, with no network round-trip.
type Local struct {
	privateKey string
	pubkey     string
}

type localPayload struct {
	PrivateKey string `json:"private_key"`
}

// NewLocal derives the public key for privateKeyHex and returns a Local
// signer. Fails if the private key is malformed.
func NewLocal(privateKeyHex string) (*Local, error) {
	pk, err := cryptoutil.PublicKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: local: %w", err)
	}
	return &Local{privateKey: privateKeyHex, pubkey: pk}, nil
}

// GenerateLocal creates a fresh keypair and wraps it in a Local signer.
func GenerateLocal() (*Local, error) {
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("signer: generating local keypair: %w", err)
	}
	return &Local{privateKey: kp.PrivateKey, pubkey: kp.PublicKey}, nil
}

func (l *Local) PubKey(context.Context) (string, error) { return l.pubkey, nil }

func (l *Local) SignEvent(_ context.Context, ev *nostrevent.Event) error {
	ev.PubKey = l.pubkey
	if err := cryptoutil.Sign(ev, l.privateKey); err != nil {
		return fmt.Errorf("signer: local: %w", err)
	}
	return nil
}

func (l *Local) Serialize() (Blob, error) {
	data, err := json.Marshal(localPayload{PrivateKey: l.privateKey})
	if err != nil {
		return Blob{}, fmt.Errorf("signer: local: serializing: %w", err)
	}
	return Blob{Type: typeLocal, Data: data}, nil
}

func init() {
	Register(typeLocal, func(data json.RawMessage) (Signer, error) {
		var p localPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal local payload: %w", err)
		}
		return NewLocal(p.PrivateKey)
	})
}
