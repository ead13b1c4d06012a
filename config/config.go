// Package config loads node configuration from a TOML file.
package config

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultListenPort      = 4000
	DefaultTokenTTL        = 30 * time.Minute
	DefaultCapacityTTL     = 20 * time.Minute
	DefaultMaxOffers       = 3
	DefaultAllocation      = 8 << 30 // 8 GiB
	DefaultReapInterval    = time.Hour
	DefaultReapGraceMargin = 24 * time.Hour
	DefaultMaxTransfers    = 4
)

// Config is the on-disk node configuration.
type Config struct {
	// Hostname and ListenPort form the contact other peers dial.
	Hostname   string `toml:"hostname"`
	ListenPort int    `toml:"listen_port"`

	// ContractStorePath and ShardStorePath root the persistent stores.
	ContractStorePath string `toml:"contract_store_path"`
	ShardStorePath    string `toml:"shard_store_path"`
	// ContractStoreBackend selects "pebble" or "pogreb".
	ContractStoreBackend string `toml:"contract_store_backend"`

	// AllocationBytes is the shard capacity this node sells.
	AllocationBytes int64 `toml:"allocation_bytes"`

	// Claims is the allow-list of renter extended public keys the farmer
	// accepts CLAIMs from. "*" accepts everyone; empty rejects everyone.
	Claims []string `toml:"claims"`

	// FarmerBlacklist lists farmer identities whose offers are never admitted.
	FarmerBlacklist []string `toml:"farmer_blacklist"`

	// MaxOffers bounds acceptances per published descriptor.
	MaxOffers int `toml:"max_offers"`

	// MaxTransfers bounds concurrent outbound shard transfers.
	MaxTransfers int `toml:"max_transfers"`

	TokenTTL        duration `toml:"token_ttl"`
	CapacityTTL     duration `toml:"capacity_ttl"`
	ReapInterval    duration `toml:"reap_interval"`
	ReapGraceMargin duration `toml:"reap_grace_margin"`
}

// duration lets TOML carry values like "30m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Default returns a configuration with every field at its default.
func Default() Config {
	return Config{
		Hostname:             "127.0.0.1",
		ListenPort:           DefaultListenPort,
		ContractStoreBackend: "pebble",
		AllocationBytes:      DefaultAllocation,
		MaxOffers:            DefaultMaxOffers,
		MaxTransfers:         DefaultMaxTransfers,
		TokenTTL:             duration{DefaultTokenTTL},
		CapacityTTL:          duration{DefaultCapacityTTL},
		ReapInterval:         duration{DefaultReapInterval},
		ReapGraceMargin:      duration{DefaultReapGraceMargin},
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations a node cannot run with.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.New("listen_port out of range")
	}
	if c.AllocationBytes <= 0 {
		return errors.New("allocation_bytes must be positive")
	}
	if c.MaxOffers < 1 {
		return errors.New("max_offers must be at least 1")
	}
	switch c.ContractStoreBackend {
	case "pebble", "pogreb":
	default:
		return errors.New("contract_store_backend must be pebble or pogreb")
	}
	return nil
}

// TokenTTLDuration returns the token TTL as a time.Duration.
func (c Config) TokenTTLDuration() time.Duration { return c.TokenTTL.Duration }

// CapacityTTLDuration returns the capacity cache TTL as a time.Duration.
func (c Config) CapacityTTLDuration() time.Duration { return c.CapacityTTL.Duration }
