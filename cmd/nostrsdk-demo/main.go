// Command nostrsdk-demo is a thin cobra CLI exercising the SDK end to end:
// login (local key, NIP-46 bunker://, or NIP-46 nostrconnect:// pairing with
// a terminal QR code), subscribe, and publish. Grounded on cmd/nws/nws.go's
// rootCmd/subcommand layout (flags parsed per-subcommand, config loaded via
// config.Load, a context threaded down from cobra).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/asmogo/nostrsdk/client"
	"github.com/asmogo/nostrsdk/config"
	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/signer"
)

const usagePrivateKey = "hex private key to sign with (a fresh one is generated if omitted)"
const usageBunker = "bunker:// URI from a remote signer app"
const usageConnect = "pair with a remote signer app via a scannable nostrconnect:// QR code"

func main() {
	rootCmd := &cobra.Command{Use: "nostrsdk-demo"}

	var privateKey, bunkerURL string
	var connect bool

	loginCmd := &cobra.Command{Use: "login", RunE: func(cmd *cobra.Command, _ []string) error {
		return runLogin(cmd.Context(), privateKey, bunkerURL, connect)
	}}
	loginCmd.Flags().StringVar(&privateKey, "private-key", "", usagePrivateKey)
	loginCmd.Flags().StringVar(&bunkerURL, "remote", "", usageBunker)
	loginCmd.Flags().BoolVar(&connect, "connect", false, usageConnect)

	var kinds, authors string
	var limit int
	subscribeCmd := &cobra.Command{Use: "subscribe", RunE: func(cmd *cobra.Command, _ []string) error {
		return runSubscribe(cmd.Context(), kinds, authors, limit)
	}}
	subscribeCmd.Flags().StringVar(&kinds, "kinds", "1", "comma-separated event kinds")
	subscribeCmd.Flags().StringVar(&authors, "authors", "", "comma-separated author pubkeys (hex)")
	subscribeCmd.Flags().IntVar(&limit, "limit", 0, "filter limit (0 = unbounded live stream)")

	var content, tagFlags string
	var kind int
	publishCmd := &cobra.Command{Use: "publish", RunE: func(cmd *cobra.Command, _ []string) error {
		return runPublish(cmd.Context(), privateKey, bunkerURL, kind, content, tagFlags)
	}}
	publishCmd.Flags().StringVar(&privateKey, "private-key", "", usagePrivateKey)
	publishCmd.Flags().StringVar(&bunkerURL, "remote", "", usageBunker)
	publishCmd.Flags().IntVar(&kind, "kind", 1, "event kind")
	publishCmd.Flags().StringVar(&content, "content", "", "event content")
	publishCmd.Flags().StringVar(&tagFlags, "tags", "", "semicolon-separated tag=value pairs, e.g. \"p=abc;t=nostr\"")

	rootCmd.AddCommand(loginCmd, subscribeCmd, publishCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("nostrsdk-demo: command failed", "err", err)
		os.Exit(1)
	}
}

// loadClient reads ClientConfig from the environment/.env and builds a
// connected client.Client, grounded on cmd/nws/nws.go's
// config.LoadConfig[T]-then-Connect startup sequence.
func loadClient(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load[config.ClientConfig]()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("no relays configured: set NOSTR_RELAYS")
	}

	c := client.New(ctx, client.Config{
		Relays:              cfg.Relays,
		DiscoveryRelays:     cfg.DiscoveryRelays,
		OutboxEnabled:       cfg.OutboxEnabled,
		RelayGoalPerAuthor:  cfg.RelayGoalPerAuthor,
		ConnectTimeout:      time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		PublishAwaitTimeout: 4 * time.Second,
	})
	if err := c.Connect(ctx, 0); err != nil {
		slog.Warn("nostrsdk-demo: connect timed out, continuing with whatever connected", "err", err)
	}
	return c, nil
}

// loadSigner resolves a signer from the login flags: an explicit private
// key, a bunker:// URI, or (if both are empty) a freshly generated local
// keypair printed for the caller to save.
func loadSigner(ctx context.Context, c *client.Client, privateKey, bunkerURL string) (signer.Signer, error) {
	switch {
	case bunkerURL != "":
		return signer.NewRemoteFromBunkerURL(ctx, bunkerURL, c.AsDispatcher())
	case privateKey != "":
		return signer.NewLocal(privateKey)
	default:
		s, err := signer.GenerateLocal()
		if err != nil {
			return nil, err
		}
		pub, _ := s.PubKey(ctx)
		slog.Info("nostrsdk-demo: generated a throwaway local key", "pubkey", pub)
		return s, nil
	}
}

func runLogin(ctx context.Context, privateKey, bunkerURL string, connect bool) error {
	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var s signer.Signer
	switch {
	case connect:
		remote, uri, err := signer.NewRemoteForNostrConnect(ctx, c.MainRelays(), "nostrsdk-demo", c.AsDispatcher())
		if err != nil {
			return fmt.Errorf("starting nostrconnect pairing: %w", err)
		}
		fmt.Println("Scan this with your signer app:")
		fmt.Println(uri)
		qrterminal.GenerateWithConfig(uri, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
		pairCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := remote.PubKey(pairCtx); err != nil {
			return fmt.Errorf("waiting for remote signer to pair: %w", err)
		}
		s = remote
	default:
		s, err = loadSigner(ctx, c, privateKey, bunkerURL)
		if err != nil {
			return fmt.Errorf("resolving signer: %w", err)
		}
	}

	acct, err := c.Login(ctx, s)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	fmt.Printf("logged in as %s\n", acct.Pubkey)
	return nil
}

func runSubscribe(ctx context.Context, kindsFlag, authorsFlag string, limit int) error {
	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	filter := nostrevent.Filter{Kinds: parseInts(kindsFlag)}
	if authorsFlag != "" {
		filter.Authors = strings.Split(authorsFlag, ",")
	}
	if limit > 0 {
		filter.Limit = limit
	}

	handle, err := c.Subscribe(ctx, nostrevent.Filters{filter})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer c.Unsubscribe(handle.ID)

	events, cancel := handle.Events()
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case d, ok := <-events:
			if !ok {
				return nil
			}
			out, _ := json.Marshal(d.Event)
			fmt.Printf("[%s] %s\n", d.RelayURL, out)
		case <-sigCtx.Done():
			return nil
		}
	}
}

func runPublish(ctx context.Context, privateKey, bunkerURL string, kind int, content, tagFlags string) error {
	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := loadSigner(ctx, c, privateKey, bunkerURL)
	if err != nil {
		return fmt.Errorf("resolving signer: %w", err)
	}
	if _, err := c.Login(ctx, s); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	ev := nostrevent.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: nostrevent.Timestamp(time.Now().Unix()),
		Tags:      parseTags(tagFlags),
	}
	if err := s.SignEvent(ctx, &ev); err != nil {
		return fmt.Errorf("signing event: %w", err)
	}

	results, err := c.Publish(ctx, ev)
	if err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	for _, r := range results {
		fmt.Printf("%s: sent=%v accepted=%v timed_out=%v %s\n", r.RelayURL, r.Sent, r.Accepted, r.TimedOut, r.Message)
	}
	return nil
}

func parseInts(csv string) []int {
	var out []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// parseTags parses "p=abc;t=nostr" into [["p","abc"],["t","nostr"]].
func parseTags(raw string) nostrevent.Tags {
	var tags nostrevent.Tags
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		tags = append(tags, nostrevent.Tag{kv[0], kv[1]})
	}
	return tags
}
