package config

import (
	"fmt"

	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	if !c.Bitcoin.Enabled && !c.Stacks.Enabled {
		return fmt.Errorf("at least one chain must be enabled")
	}
	if c.Bitcoin.Enabled {
		if !types.Network(c.Bitcoin.Network).Valid() {
			return fmt.Errorf("bitcoin: unknown network %q", c.Bitcoin.Network)
		}
		if c.Bitcoin.SubscribeURL == "" || c.Bitcoin.FetchURL == "" {
			return fmt.Errorf("bitcoin: subscribe_url and fetch_url are required")
		}
	}
	if c.Stacks.Enabled {
		if !types.Network(c.Stacks.Network).Valid() {
			return fmt.Errorf("stacks: unknown network %q", c.Stacks.Network)
		}
		if c.Stacks.ObserverAddr == "" {
			return fmt.Errorf("stacks: observer_addr is required")
		}
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api: addr is required")
	}
	if c.API.AuthToken == "" {
		return fmt.Errorf("api: auth_token is required for write endpoints")
	}
	if c.Engine.ForkWindow < 0 || c.Engine.Workers < 0 {
		return fmt.Errorf("engine: negative tuning values")
	}
	return nil
}
