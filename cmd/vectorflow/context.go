package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
)

// commandContext carries the persistent flags and the lazily loaded
// configuration shared by every subcommand.
type commandContext struct {
	configFlag string
	apiFlag    string

	load   sync.Once
	cfg    *config.Config
	cfgErr error
}

func (c *commandContext) configPath() string { return strings.TrimSpace(c.configFlag) }

// ensureConfig loads the configuration once and creates its directories.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.load.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err == nil {
			err = cfg.EnsureDirectories()
		}
		if err != nil {
			c.cfgErr = err
			return
		}
		c.cfg = cfg
	})
	return c.cfg, c.cfgErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// apiAddress prefers --api over api.bind.
func (c *commandContext) apiAddress(cfg *config.Config) string {
	if addr := strings.TrimSpace(c.apiFlag); addr != "" {
		return addr
	}
	if cfg == nil {
		return ""
	}
	return cfg.API.Bind
}

// apiClient builds a client without probing the daemon. A nil client means
// no address is configured.
func (c *commandContext) apiClient() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(c.apiAddress(cfg), cfg.API.Token, cfg.API.InstanceID)
}

// withClient runs fn against the daemon API and turns connection failures
// into a hint to start the daemon.
func (c *commandContext) withClient(cmd *cobra.Command, fn func(context.Context, *api.Client) error) error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("connect to daemon: api.bind is empty; set it in the config or pass --api")
	}
	err = fn(cmd.Context(), client)
	if err != nil && api.IsAPIUnavailable(err) {
		return fmt.Errorf("connect to daemon at %s: start the daemon with `vectorflow start`: %w", c.apiAddress(c.cfg), err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}
