package node

import (
	"fmt"
	"time"

	"github.com/shardbay/go-node-core/config"
)

const (
	defaultMaxOffers    = 3
	defaultMaxTransfers = 4
	defaultHTTPTimeout  = 30 * time.Second
)

// nodeConfig contains all options for configuring a Node.
type nodeConfig struct {
	claims          []string
	farmerBlacklist []string
	maxOffers       int
	maxTransfers    int
	tokenTTL        time.Duration
	capacityTTL     time.Duration
	reapInterval    time.Duration
	reapGraceMargin time.Duration
	httpTimeout     time.Duration
	hdIndex         uint32
	clock           func() time.Time
}

type Option func(*nodeConfig) error

// getOpts creates a nodeConfig and applies Options to it.
func getOpts(opts []Option) (nodeConfig, error) {
	cfg := nodeConfig{
		maxOffers:       defaultMaxOffers,
		maxTransfers:    defaultMaxTransfers,
		reapInterval:    config.DefaultReapInterval,
		reapGraceMargin: config.DefaultReapGraceMargin,
		httpTimeout:     defaultHTTPTimeout,
		clock:           time.Now,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nodeConfig{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClaims sets the allow-list of renter extended public keys this farmer
// accepts CLAIMs from. "*" accepts every renter; an empty list rejects all.
func WithClaims(xpubs []string) Option {
	return func(c *nodeConfig) error {
		c.claims = xpubs
		return nil
	}
}

// WithFarmerBlacklist sets farmer identities whose offers are never admitted
// to this node's offer streams.
func WithFarmerBlacklist(ids []string) Option {
	return func(c *nodeConfig) error {
		c.farmerBlacklist = ids
		return nil
	}
}

// WithMaxOffers bounds the acceptances collected per published descriptor. A
// value < 1 results in the default.
func WithMaxOffers(n int) Option {
	return func(c *nodeConfig) error {
		if n >= 1 {
			c.maxOffers = n
		}
		return nil
	}
}

// WithMaxTransfers bounds concurrent outbound shard transfers.
func WithMaxTransfers(n int) Option {
	return func(c *nodeConfig) error {
		if n >= 1 {
			c.maxTransfers = n
		}
		return nil
	}
}

// WithTokenTTL sets the transfer token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *nodeConfig) error {
		c.tokenTTL = ttl
		return nil
	}
}

// WithCapacityTTL sets how long farmer capacity announcements stay fresh.
func WithCapacityTTL(ttl time.Duration) Option {
	return func(c *nodeConfig) error {
		c.capacityTTL = ttl
		return nil
	}
}

// WithReaping configures the contract reaper: how often it sweeps and how far
// past store_end a contract must be before it is dropped.
func WithReaping(interval, graceMargin time.Duration) Option {
	return func(c *nodeConfig) error {
		if interval > 0 {
			c.reapInterval = interval
		}
		if graceMargin >= 0 {
			c.reapGraceMargin = graceMargin
		}
		return nil
	}
}

// WithHTTPTimeout sets the timeout for outbound shard transfers and identify
// handshakes.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *nodeConfig) error {
		c.httpTimeout = timeout
		return nil
	}
}

// WithHDIndex sets the non-hardened derivation index this node fills into
// farmer-side contract fields.
func WithHDIndex(index uint32) Option {
	return func(c *nodeConfig) error {
		if index >= 1<<31 {
			return fmt.Errorf("derivation index %d is hardened", index)
		}
		c.hdIndex = index
		return nil
	}
}

// WithClock overrides the node's time source. Tests use this to exercise
// contract expiry without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(c *nodeConfig) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// FromConfig translates a loaded config file into node options.
func FromConfig(cfg config.Config) []Option {
	return []Option{
		WithClaims(cfg.Claims),
		WithFarmerBlacklist(cfg.FarmerBlacklist),
		WithMaxOffers(cfg.MaxOffers),
		WithMaxTransfers(cfg.MaxTransfers),
		WithTokenTTL(cfg.TokenTTLDuration()),
		WithCapacityTTL(cfg.CapacityTTLDuration()),
		WithReaping(cfg.ReapInterval.Duration, cfg.ReapGraceMargin.Duration),
	}
}
