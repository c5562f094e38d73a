// Package giftwrap implements the NIP-59 triple-encryption envelope
// (rumor -> seal -> gift wrap) spec.md §1 names as a secondary protocol the
// SDK carries alongside the core relay-session/subscription/outbox/session
// subsystems. It is grounded on the single-layer encrypt-then-sign shape in
// netstr.createSignedEvent/handleNostrRead (compute a shared key, NIP-44
// encrypt a JSON payload, wrap it in a signed event), generalized here from
// one layer to NIP-59's three: an unsigned rumor sealed by the sender's real
// key, then wrapped again under a one-time throwaway key so the relay never
// sees the sender's identity.
package giftwrap

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/asmogo/nostrsdk/cryptoutil"
	"github.com/asmogo/nostrsdk/nostrevent"
)

// Event kinds NIP-59 assigns to each layer. KindRumor is the default DM
// rumor kind (NIP-17 sealed direct message); callers wrapping a different
// payload type set Rumor.Kind themselves before calling Wrap.
const (
	KindRumor    = 14
	KindSeal     = 13
	KindGiftWrap = 1059
)

// maxTimestampJitter bounds how far into the past a seal/wrap's created_at
// is randomized, per NIP-59's recommendation to avoid leaking send-time
// metadata to relays.
const maxTimestampJitter = 2 * 24 * time.Hour

// randomizedPast returns a timestamp between now and now-maxTimestampJitter.
func randomizedPast() nostrevent.Timestamp {
	offset := time.Duration(rand.Int63n(int64(maxTimestampJitter)))
	return nostrevent.Timestamp(time.Now().Add(-offset).Unix())
}

// Wrap builds the full rumor -> seal -> gift-wrap envelope addressed to
// recipientPubKey. rumor is the caller's unsigned event template (PubKey
// need not be set; Wrap fills it from senderPrivKey). The returned event is
// the outer kind-1059 gift wrap, ready to publish — it is signed by a
// fresh, one-time keypair, never the sender's real key.
func Wrap(senderPrivKey, recipientPubKey string, rumor nostrevent.Event) (nostrevent.Event, error) {
	senderPub, err := cryptoutil.PublicKey(senderPrivKey)
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: deriving sender pubkey: %w", err)
	}
	rumor.PubKey = senderPub
	if rumor.Kind == 0 {
		rumor.Kind = KindRumor
	}
	rumor.ID = cryptoutil.EventID(rumor) // rumors are never signed, but still carry their own id

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: marshal rumor: %w", err)
	}

	sealContent, err := cryptoutil.EncryptNIP44(senderPrivKey, recipientPubKey, string(rumorJSON))
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: sealing rumor: %w", err)
	}
	seal := nostrevent.Event{
		PubKey:    senderPub,
		CreatedAt: randomizedPast(),
		Kind:      KindSeal,
		Content:   sealContent,
	}
	if err := cryptoutil.Sign(&seal, senderPrivKey); err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: signing seal: %w", err)
	}

	ephemeral, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: generating ephemeral keypair: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: marshal seal: %w", err)
	}
	wrapContent, err := cryptoutil.EncryptNIP44(ephemeral.PrivateKey, recipientPubKey, string(sealJSON))
	if err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: wrapping seal: %w", err)
	}
	wrap := nostrevent.Event{
		PubKey:    ephemeral.PublicKey,
		CreatedAt: randomizedPast(),
		Kind:      KindGiftWrap,
		Tags:      nostrevent.Tags{{"p", recipientPubKey}},
		Content:   wrapContent,
	}
	if err := cryptoutil.Sign(&wrap, ephemeral.PrivateKey); err != nil {
		return nostrevent.Event{}, fmt.Errorf("giftwrap: signing gift wrap: %w", err)
	}
	return wrap, nil
}

// Unwrap peels a kind-1059 gift wrap addressed to the holder of
// recipientPrivKey back down to its rumor, returning the rumor and the
// sender's real pubkey (recovered from the inner seal, never the wrap's
// throwaway pubkey).
func Unwrap(recipientPrivKey string, wrap nostrevent.Event) (nostrevent.Event, string, error) {
	sealJSON, err := cryptoutil.DecryptNIP44(recipientPrivKey, wrap.PubKey, wrap.Content)
	if err != nil {
		return nostrevent.Event{}, "", fmt.Errorf("giftwrap: opening wrap: %w", err)
	}
	var seal nostrevent.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostrevent.Event{}, "", fmt.Errorf("giftwrap: unmarshal seal: %w", err)
	}
	if ok, err := cryptoutil.Verify(seal); err != nil || !ok {
		return nostrevent.Event{}, "", fmt.Errorf("%w: seal signature invalid", cryptoutil.ErrVerificationFailed)
	}

	rumorJSON, err := cryptoutil.DecryptNIP44(recipientPrivKey, seal.PubKey, seal.Content)
	if err != nil {
		return nostrevent.Event{}, "", fmt.Errorf("giftwrap: opening seal: %w", err)
	}
	var rumor nostrevent.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostrevent.Event{}, "", fmt.Errorf("giftwrap: unmarshal rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostrevent.Event{}, "", fmt.Errorf("giftwrap: rumor pubkey does not match seal signer")
	}
	return rumor, seal.PubKey, nil
}
