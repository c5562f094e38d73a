// Package cryptoutil is the SDK's crypto abstraction: key generation,
// Schnorr sign/verify (via go-nostr, which wraps btcec), ECDH, and NIP-44
// v2 encryption. Nothing here validates application data; callers decide
// when to invoke it.
package cryptoutil

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ekzyis/nip44"
	"github.com/nbd-wtf/go-nostr"
)

// Sentinel errors, matching the three failure classes spec.md assigns to
// the crypto abstraction.
var (
	ErrBadInput          = errors.New("cryptoutil: bad input")
	ErrVerificationFailed = errors.New("cryptoutil: verification failed")
	ErrCryptoBackend     = errors.New("cryptoutil: backend failure")
)

// pubKeyPadding is the even-parity prefix byte NIP-44/NIP-01 x-only pubkeys
// carry when treated as secp256k1 compressed points (see protocol/nip44.go
// in the teacher repo, which does the same "02"+pubkey trick).
const pubKeyPadding = "02"

// KeyPair is a freshly generated identity: hex-encoded private key and its
// x-only hex-encoded public key.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair creates a new secp256k1 keypair and derives its x-only
// public key the way NIP-01 requires.
func GenerateKeyPair() (KeyPair, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: deriving public key: %v", ErrCryptoBackend, err)
	}
	return KeyPair{PrivateKey: sk, PublicKey: pk}, nil
}

// PublicKey derives the x-only public key for a hex-encoded private key.
func PublicKey(privateKeyHex string) (string, error) {
	pk, err := nostr.GetPublicKey(privateKeyHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return pk, nil
}

// EventID computes the canonical event id (lowercase hex SHA-256 of
// [0,pubkey,created_at,kind,tags,content]) for an as-yet-unsigned event.
// This delegates to go-nostr, which implements the exact canonical JSON
// array spec.md §3 describes.
func EventID(ev nostr.Event) string {
	return ev.GetID()
}

// Sign computes the event id, sets it, and produces a BIP-340 Schnorr
// signature over it under privateKeyHex, mutating ev in place. It mirrors
// protocol.EventSigner's CreateSignedEvent/ev.Sign call in the teacher repo.
func Sign(ev *nostr.Event, privateKeyHex string) error {
	if err := ev.Sign(privateKeyHex); err != nil {
		return fmt.Errorf("%w: signing event: %v", ErrCryptoBackend, err)
	}
	return nil
}

// Verify checks an event's Schnorr signature against its own pubkey and id.
// A false result with a nil error means the signature check ran cleanly and
// failed; callers that need to distinguish "ran and failed" from "couldn't
// run" should check the returned error first.
func Verify(ev nostr.Event) (bool, error) {
	ok, err := ev.CheckSignature()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return ok, nil
}

// ECDHSharedSecret computes the NIP-44 conversation key: SHA-256 of the
// x-coordinate of privkey·pubkey. targetPubKeyHex is a 32-byte x-only hex
// pubkey; this pads it with the even-parity byte the way
// protocol.GetEncryptionKeys and netstr.handleNostrRead both do before
// handing it to nip44.
func ECDHSharedSecret(privateKeyHex, targetPubKeyHex string) ([]byte, error) {
	privBytes, pubBytes, err := encryptionKeyBytes(privateKeyHex, targetPubKeyHex)
	if err != nil {
		return nil, err
	}
	key, err := nip44.GenerateConversationKey(privBytes, pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: computing conversation key: %v", ErrCryptoBackend, err)
	}
	return key, nil
}

// encryptionKeyBytes decodes a private key and a padded target public key
// into the raw byte form nip44 expects. Adapted from
// protocol.GetEncryptionKeys in the teacher repo.
func encryptionKeyBytes(privateKeyHex, targetPubKeyHex string) (priv, pub []byte, err error) {
	pub, err = hex.DecodeString(pubKeyPadding + targetPubKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding target public key: %v", ErrBadInput, err)
	}
	priv, err = hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding private key: %v", ErrBadInput, err)
	}
	return priv, pub, nil
}

// EncryptNIP44 encrypts plaintext under the conversation key shared between
// privateKeyHex and targetPubKeyHex, returning the base64 NIP-44 v2 payload
// (0x02 || nonce || ciphertext).
func EncryptNIP44(privateKeyHex, targetPubKeyHex, plaintext string) (string, error) {
	key, err := ECDHSharedSecret(privateKeyHex, targetPubKeyHex)
	if err != nil {
		return "", err
	}
	payload, err := nip44.Encrypt(key, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 encrypt: %v", ErrCryptoBackend, err)
	}
	return payload, nil
}

// DecryptNIP44 decrypts a NIP-44 v2 payload received from senderPubKeyHex,
// using the recipient's privateKeyHex.
func DecryptNIP44(privateKeyHex, senderPubKeyHex, payload string) (string, error) {
	key, err := ECDHSharedSecret(privateKeyHex, senderPubKeyHex)
	if err != nil {
		return "", err
	}
	plaintext, err := nip44.Decrypt(key, payload)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 decrypt: %v", ErrVerificationFailed, err)
	}
	return plaintext, nil
}

// ParseXOnlyPubKey validates that hexPubKey is a well-formed x-only
// secp256k1 public key and returns the parsed point.
func ParseXOnlyPubKey(hexPubKey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	pk, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return pk, nil
}
