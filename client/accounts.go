package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/signer"
)

// signAuthChallenge answers a relay's NIP-42 AUTH challenge using the
// active account's signer, wired in as the main pool's relay.AuthSigner.
func (c *Client) signAuthChallenge(ctx context.Context, ev *nostrevent.Event) error {
	acct, ok := c.ActiveAccount()
	if !ok {
		return fmt.Errorf("client: auth challenge: no active account")
	}
	return acct.Signer.SignEvent(ctx, ev)
}

// Login starts a standing session for s's identity, makes it the active
// account if none was set, and — if an account store is configured —
// persists s's serialized form. A persistence failure is logged but does
// not fail the login, per spec.md §7's "login succeeds even if the store
// write fails" decision.
func (c *Client) Login(ctx context.Context, s signer.Signer) (*Account, error) {
	return c.login(ctx, s, true)
}

// registerAccount adds s as a logged-in account without starting a
// standing session subscription, used by RestoreAccounts for every
// restored account after the first — spec.md §4.10 starts the session
// subscription only for the active account.
func (c *Client) registerAccount(ctx context.Context, s signer.Signer) (*Account, error) {
	return c.login(ctx, s, false)
}

func (c *Client) login(ctx context.Context, s signer.Signer, startSession bool) (*Account, error) {
	pub, err := s.PubKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: login: %w", err)
	}

	acct := &Account{
		Pubkey: pub,
		Signer: s,
	}
	if startSession {
		acct.session = c.sessions.Start(ctx, pub)
	}

	c.acctMu.Lock()
	c.accounts[pub] = acct
	if c.active == "" {
		c.active = pub
	}
	c.acctMu.Unlock()

	c.persist(ctx, pub, s)
	return acct, nil
}

func (c *Client) persist(ctx context.Context, pubkey string, s signer.Signer) {
	if c.store == nil {
		return
	}
	blob, err := s.Serialize()
	if err != nil {
		slog.Warn("client: serializing signer for persistence failed", "pubkey", pubkey, "err", err)
		return
	}
	raw, err := blob.Marshal()
	if err != nil {
		slog.Warn("client: marshaling signer blob failed", "pubkey", pubkey, "err", err)
		return
	}
	if err := c.store.Save(ctx, pubkey, raw); err != nil {
		slog.Warn("client: persisting account failed", "pubkey", pubkey, "err", err)
	}
}

// Logout stops pubkey's session and removes it from the active set. An
// empty pubkey logs out the current active account. If the logged-out
// account was active, an arbitrary remaining account (if any) becomes
// active. Also deletes the account from the store, if configured.
func (c *Client) Logout(ctx context.Context, pubkey string) error {
	c.acctMu.Lock()
	if pubkey == "" {
		pubkey = c.active
	}
	acct, ok := c.accounts[pubkey]
	if !ok {
		c.acctMu.Unlock()
		return fmt.Errorf("client: logout: unknown account %q", pubkey)
	}
	delete(c.accounts, pubkey)
	if c.active == pubkey {
		c.active = ""
		for p := range c.accounts {
			c.active = p
			break
		}
	}
	c.acctMu.Unlock()

	if acct.session != nil {
		acct.session.Stop()
	}
	if c.store != nil {
		if err := c.store.Delete(ctx, pubkey); err != nil {
			slog.Warn("client: deleting persisted account failed", "pubkey", pubkey, "err", err)
		}
	}
	return nil
}

// SwitchAccount makes pubkey the active account for subsequent
// signAuthChallenge calls. pubkey must already be logged in.
func (c *Client) SwitchAccount(pubkey string) error {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()
	if _, ok := c.accounts[pubkey]; !ok {
		return fmt.Errorf("client: switch account: unknown %q", pubkey)
	}
	c.active = pubkey
	return nil
}

// ActiveAccount returns the currently active account, if any.
func (c *Client) ActiveAccount() (*Account, bool) {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()
	a, ok := c.accounts[c.active]
	return a, ok
}

// Accounts returns every currently logged-in account.
func (c *Client) Accounts() []*Account {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()
	out := make([]*Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	return out
}

// RestoreAccounts reloads every persisted account from the configured
// store, finalizing any deferred (remote-signer) entries against this
// client's Dispatcher adapter, and registers each as logged in. An account
// whose blob is unreadable or whose signer type is unrecognized is skipped
// with a warning rather than aborting the whole restore, per spec.md
// §4.11's forward-compatibility guarantee. Only the first successfully
// restored account starts a standing session subscription, per spec.md
// §4.10 — the rest are registered without one, becoming active only via an
// explicit SwitchAccount.
func (c *Client) RestoreAccounts(ctx context.Context) ([]*Account, error) {
	if c.store == nil {
		return nil, nil
	}
	pubkeys, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: restore accounts: %w", err)
	}

	restored := make([]*Account, 0, len(pubkeys))
	for _, pub := range pubkeys {
		raw, ok, err := c.store.Load(ctx, pub)
		if err != nil {
			slog.Warn("client: loading persisted account failed", "pubkey", pub, "err", err)
			continue
		}
		if !ok {
			continue
		}
		blob, err := signer.UnmarshalBlob(raw)
		if err != nil {
			slog.Warn("client: unmarshaling persisted blob failed", "pubkey", pub, "err", err)
			continue
		}
		s, err := signer.Deserialize(blob)
		if err != nil {
			slog.Warn("client: deserializing persisted signer failed", "pubkey", pub, "err", err)
			continue
		}
		if s == nil {
			slog.Warn("client: restore accounts: unrecognized signer type, skipping", "pubkey", pub, "type", blob.Type)
			continue
		}
		if deferred, ok := s.(*signer.Deferred); ok {
			if err := deferred.Finalize(ctx, c.AsDispatcher()); err != nil {
				slog.Warn("client: finalizing remote signer failed", "pubkey", pub, "err", err)
				continue
			}
		}

		var acct *Account
		if len(restored) == 0 {
			acct, err = c.Login(ctx, s)
		} else {
			acct, err = c.registerAccount(ctx, s)
		}
		if err != nil {
			slog.Warn("client: restoring account failed", "pubkey", pub, "err", err)
			continue
		}
		restored = append(restored, acct)
	}
	return restored, nil
}
