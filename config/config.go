// Package config loads the admission layer configuration. It is read once at process start
// and treated as immutable afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/aryangodara/admission_control"
	"github.com/aryangodara/admission_control/circuit_breaker"
	"gopkg.in/yaml.v3"
)

// Config is the file layout, e.g.
//
//	defaultTier: free
//	tiers:
//	  free: {requestsPerMinute: 60, burstCapacity: 100}
//	dependencies:
//	  market-data: {failureThreshold: 5, resetTimeout: 60s}
//	apiKeys:
//	  3f9c...: premium
type Config struct {
	DefaultTier  string                              `yaml:"defaultTier"`
	Tiers        admission_control.TierTable         `yaml:"tiers"`
	Dependencies map[string]circuit_breaker.Settings `yaml:"dependencies"`
	// APIKeys maps API keys to plan names. It stands in for the account system.
	APIKeys map[string]string `yaml:"apiKeys"`
	Redis   Redis             `yaml:"redis"`
	Limiter Limiter           `yaml:"limiter"`
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

type Limiter struct {
	StoreTimeout      time.Duration `yaml:"storeTimeout"`
	IdleTTL           time.Duration `yaml:"idleTTL"`
	KeyPrefix         string        `yaml:"keyPrefix"`
	APIKeyHeader      string        `yaml:"apiKeyHeader"`
	TrustForwardedFor bool          `yaml:"trustForwardedFor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if len(c.Tiers) == 0 {
		c.Tiers = admission_control.DefaultTiers()
	}
	for plan, tier := range c.Tiers {
		tier.Name = plan
		c.Tiers[plan] = tier
	}
	if c.DefaultTier == "" {
		c.DefaultTier = admission_control.PlanFree
	}
	if c.Dependencies == nil {
		c.Dependencies = map[string]circuit_breaker.Settings{}
	}
	if c.APIKeys == nil {
		c.APIKeys = map[string]string{}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = time.Second
	}
	if c.Limiter.StoreTimeout == 0 {
		c.Limiter.StoreTimeout = 100 * time.Millisecond
	}
	if c.Limiter.IdleTTL == 0 {
		c.Limiter.IdleTTL = time.Hour
	}
	if c.Limiter.KeyPrefix == "" {
		c.Limiter.KeyPrefix = admission_control.DefaultKeyPrefix
	}
	if c.Limiter.APIKeyHeader == "" {
		c.Limiter.APIKeyHeader = admission_control.DefaultAPIKeyHeader
	}
}

// Validate checks tiers, plans and breaker settings.
func (c *Config) Validate() error {
	if err := c.Tiers.Validate(); err != nil {
		return err
	}
	if _, ok := c.Tiers.Lookup(c.DefaultTier); !ok {
		return fmt.Errorf("defaultTier %q is not a configured tier", c.DefaultTier)
	}
	for key, plan := range c.APIKeys {
		if _, ok := c.Tiers.Lookup(plan); !ok {
			return fmt.Errorf("api key %s…: unknown plan %q", redact(key), plan)
		}
	}
	for name, s := range c.Dependencies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("dependency %s: %w", name, err)
		}
	}
	if c.Limiter.StoreTimeout < 0 || c.Limiter.IdleTTL < 0 {
		return fmt.Errorf("limiter timeouts must not be negative")
	}
	return nil
}

// RegisterDependencies registers every configured dependency with r.
func (c *Config) RegisterDependencies(r *circuit_breaker.Registry) error {
	for name, s := range c.Dependencies {
		if err := r.Register(name, s); err != nil {
			return err
		}
	}
	return nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4]
}
