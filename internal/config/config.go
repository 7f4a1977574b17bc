// Package config holds the service configuration record. Everything is
// loadable from the environment; a YAML file can overlay defaults for
// local development.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the explicit configuration record passed through constructors.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Nostr    NostrConfig    `yaml:"nostr"`
	Relay    RelayConfig    `yaml:"relay"`
	Payments PaymentsConfig `yaml:"payments"`
	Board    BoardConfig    `yaml:"board"`
	Pollers  PollerConfig   `yaml:"pollers"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	RelayPort string `yaml:"relay_port"`
	Env       string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NostrConfig struct {
	// MasterKey is the 256-bit symmetric key protecting agent private
	// keys at rest, hex-encoded.
	MasterKey string `yaml:"master_key"`
	// Relays is the outbound gossip relay set.
	Relays []string `yaml:"relays"`
	// SystemPubkey is the reserved system identity, if any.
	SystemPubkey string `yaml:"system_pubkey"`
}

type RelayConfig struct {
	// MinPoW is the minimum leading-zero-bit difficulty required from
	// unregistered authors.
	MinPoW int `yaml:"min_pow"`
	// LightningAddress is the address the zap gate checks receipts against.
	LightningAddress string `yaml:"lightning_address"`
	// MinZapSats is the minimum zap receipt value that opens the gate.
	MinZapSats int64 `yaml:"min_zap_sats"`
	// RetentionDays bounds how long non-replaceable events are kept.
	RetentionDays int `yaml:"retention_days"`
}

type PaymentsConfig struct {
	// FeePercent is the platform fee taken off the top of each settlement.
	// Zero disables the fee leg.
	FeePercent float64 `yaml:"fee_percent"`
	// FeeAddress is the lightning address the fee leg pays.
	FeeAddress string `yaml:"fee_address"`
}

type BoardConfig struct {
	// MaxBidSats caps the bid the board agent attaches to auto-generated
	// requests.
	MaxBidSats int64 `yaml:"max_bid_sats"`
}

type PollerConfig struct {
	Tick             time.Duration `yaml:"tick"`
	QueueConcurrency int           `yaml:"queue_concurrency"`
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset. Malformed values fail fast so misconfiguration is caught
// at startup rather than mid-settlement.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:      envOr("PORT", "8080"),
			RelayPort: envOr("RELAY_PORT", "8081"),
			Env:       envOr("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     envOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Nostr: NostrConfig{
			MasterKey:    os.Getenv("NOSTR_MASTER_KEY"),
			SystemPubkey: os.Getenv("SYSTEM_NOSTR_PUBKEY"),
		},
		Relay: RelayConfig{
			MinPoW:           20,
			LightningAddress: os.Getenv("RELAY_LIGHTNING_ADDRESS"),
			MinZapSats:       21,
			RetentionDays:    90,
		},
		Payments: PaymentsConfig{
			FeeAddress: os.Getenv("PLATFORM_LIGHTNING_ADDRESS"),
		},
		Board: BoardConfig{
			MaxBidSats: 1000,
		},
		Pollers: PollerConfig{
			Tick:             60 * time.Second,
			QueueConcurrency: 4,
		},
	}

	if relays := os.Getenv("NOSTR_RELAYS"); relays != "" {
		for _, r := range strings.Split(relays, ",") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.Nostr.Relays = append(cfg.Nostr.Relays, r)
			}
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("NOSTR_MIN_POW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("NOSTR_MIN_POW: %w", err)
		}
		cfg.Relay.MinPoW = n
	}
	if v := os.Getenv("RELAY_MIN_ZAP_SATS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("RELAY_MIN_ZAP_SATS: %w", err)
		}
		cfg.Relay.MinZapSats = n
	}
	if v := os.Getenv("PLATFORM_FEE_PERCENT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("PLATFORM_FEE_PERCENT: %w", err)
		}
		cfg.Payments.FeePercent = f
	}
	if v := os.Getenv("BOARD_MAX_BID_SATS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("BOARD_MAX_BID_SATS: %w", err)
		}
		cfg.Board.MaxBidSats = n
	}
	if v := os.Getenv("POLLER_TICK_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("POLLER_TICK_SECONDS: %w", err)
		}
		cfg.Pollers.Tick = time.Duration(n) * time.Second
	}

	return cfg, nil
}

// LoadFile overlays a YAML profile onto cfg.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// MasterKeyBytes decodes and validates the master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.Nostr.MasterKey == "" {
		return nil, fmt.Errorf("NOSTR_MASTER_KEY must be set")
	}
	key, err := hex.DecodeString(c.Nostr.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("NOSTR_MASTER_KEY is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("NOSTR_MASTER_KEY is %d bytes, want 32", len(key))
	}
	return key, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
