package client

import (
	"context"
	"fmt"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/signer"
)

// dispatcherAdapter implements signer.Dispatcher over a *Client without
// Client itself satisfying the interface — Client's own Publish/Subscribe
// have different (app-facing) signatures, so the narrow NIP-46 surface
// lives on this small wrapper instead, per spec.md §9's "narrow interface"
// guidance.
type dispatcherAdapter struct{ c *Client }

// AsDispatcher exposes this client as a signer.Dispatcher, for constructing
// or finalizing NIP-46 remote signers (signer.NewRemoteFromBunkerURL,
// signer.NewRemoteForNostrConnect, (*signer.Deferred).Finalize).
func (c *Client) AsDispatcher() signer.Dispatcher { return dispatcherAdapter{c} }

func (d dispatcherAdapter) Publish(ctx context.Context, ev nostrevent.Event, relayURLs []string) error {
	var lastErr error
	sent := false
	for _, url := range relayURLs {
		r := d.c.mainPool.Add(url)
		res, err := r.Publish(ctx, ev, d.c.cfg.PublishAwaitTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if res.Sent {
			sent = true
		}
	}
	if !sent {
		return fmt.Errorf("signer dispatch: publish to %v failed: %w", relayURLs, lastErr)
	}
	return nil
}

func (d dispatcherAdapter) Subscribe(ctx context.Context, relayURLs []string, filters nostrevent.Filters) (<-chan signer.DeliveredEvent, func()) {
	handle := d.c.subs.Subscribe(filters)
	d.c.attachRelays(ctx, handle.ID, filters, relayURLs, false)

	deliveries, cancelDeliveries := handle.Events()
	out := make(chan signer.DeliveredEvent, 8)
	go func() {
		defer close(out)
		for delivery := range deliveries {
			out <- signer.DeliveredEvent{Event: delivery.Event, RelayURL: delivery.RelayURL}
		}
	}()

	cancel := func() {
		cancelDeliveries()
		d.c.Unsubscribe(handle.ID)
	}
	return out, cancel
}
