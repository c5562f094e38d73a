// Package config loads typed configuration from environment variables (and
// an optional .env file), adapted from the teacher's config.LoadConfig[T]:
// same caarlos0/env + joho/godotenv pairing, same home-directory-then-cwd
// .env lookup, generalized from the tunnel's Entry/Exit configs to the
// SDK's own ClientConfig.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ClientConfig is the demo CLI's env-driven configuration surface: relays,
// outbox behavior, and timeouts. Library consumers embedding the SDK
// directly construct client.Config by hand instead of going through Load —
// the same split the teacher draws between its env-driven config package
// and direct struct construction in gw.NewProxy/exit.NewExit.
type ClientConfig struct {
	Relays             []string `env:"NOSTR_RELAYS" envSeparator:";"`
	DiscoveryRelays    []string `env:"NOSTR_DISCOVERY_RELAYS" envSeparator:";"`
	PrivateKey         string   `env:"NOSTR_PRIVATE_KEY"`
	OutboxEnabled      bool     `env:"OUTBOX_ENABLED" envDefault:"true"`
	RelayGoalPerAuthor int      `env:"RELAY_GOAL_PER_AUTHOR" envDefault:"2"`
	ConnectTimeoutMS   int      `env:"CONNECT_TIMEOUT_MS" envDefault:"5000"`
}

// Load reads configuration of type T from a .env file (checked first in the
// user's home directory, then the working directory) and falls back to the
// process environment, matching the teacher's LoadConfig[T] fallback order.
func Load[T any]() (*T, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("config: could not resolve home directory", "err", err)
	}
	if homeDir != "" {
		if _, err := os.Stat(homeDir + "/.env"); err == nil {
			return loadFromEnv[T](homeDir + "/.env")
		}
	}
	return loadFromEnv[T]()
}

// loadFromEnv loads the given .env files (./.env when none is given) into
// the process environment, then parses T from it.
func loadFromEnv[T any](envFiles ...string) (*T, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Debug("config: no .env file loaded, using process environment", "err", err)
	}
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return &cfg, nil
}
