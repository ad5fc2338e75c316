package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAPI() error {
	if strings.ContainsAny(c.API.InstanceID, "/ ") {
		return fmt.Errorf("api.instance_id %q must not contain '/' or spaces", c.API.InstanceID)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueSQLite, QueueMemory:
	default:
		return fmt.Errorf("queue.backend %q is not supported (use %q or %q)", c.Queue.Backend, QueueSQLite, QueueMemory)
	}
	if c.Queue.ErrorVisibilityTimeout > c.Queue.VisibilityTimeout {
		return errors.New("queue.error_visibility_timeout must not exceed queue.visibility_timeout")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if err := ensurePositiveMap(map[string]int{
		"workers.concurrency":          c.Workers.Concurrency,
		"workers.poll_interval":        c.Workers.PollInterval,
		"workers.error_retry_interval": c.Workers.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Workers.LeaseRenewInterval >= c.Queue.VisibilityTimeout {
		return errors.New("workers.lease_renew_interval must be less than queue.visibility_timeout")
	}
	if c.Workers.StageTimeout < 0 {
		return errors.New("workers.stage_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if !c.Scheduler.Enabled {
		return nil
	}
	return ensurePositiveMap(map[string]int{
		"scheduler.tick_interval":    c.Scheduler.TickInterval,
		"scheduler.refresh_interval": c.Scheduler.RefreshInterval,
	})
}

func (c *Config) validateRegistry() error {
	switch c.Registry.Backend {
	case RegistryBadger, RegistryMemory:
	case RegistryDynamoDB:
		if c.Registry.DynamoTable == "" {
			return errors.New("registry.dynamo_table must be set when registry.backend is dynamodb")
		}
	default:
		return fmt.Errorf("registry.backend %q is not supported (use %q, %q or %q)",
			c.Registry.Backend, RegistryBadger, RegistryDynamoDB, RegistryMemory)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
