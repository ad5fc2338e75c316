package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	if err := c.normalizeRegistry(); err != nil {
		return err
	}
	c.normalizeKafka()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DefinitionsDir) == "" {
		c.Paths.DefinitionsDir = defaultDefinitionsDir
	}
	if c.Paths.DefinitionsDir, err = expandPath(c.Paths.DefinitionsDir); err != nil {
		return fmt.Errorf("paths.definitions_dir: %w", err)
	}
	if c.State.Path, err = expandPath(strings.TrimSpace(c.State.Path)); err != nil {
		return fmt.Errorf("state.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("VECTORFLOW_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
	c.API.InstanceID = strings.TrimSpace(c.API.InstanceID)
	if value, ok := os.LookupEnv("VECTORFLOW_INSTANCE_ID"); ok && strings.TrimSpace(value) != "" && (c.API.InstanceID == "" || c.API.InstanceID == defaultInstanceID) {
		c.API.InstanceID = strings.TrimSpace(value)
	}
	if c.API.InstanceID == "" {
		c.API.InstanceID = defaultInstanceID
	}
	c.API.AllowedOrigins = trimList(c.API.AllowedOrigins)
}

func (c *Config) normalizeQueue() error {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueSQLite
	}
	var err error
	if c.Queue.Path, err = expandPath(strings.TrimSpace(c.Queue.Path)); err != nil {
		return fmt.Errorf("queue.path: %w", err)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.Queue.ErrorVisibilityTimeout < 0 {
		c.Queue.ErrorVisibilityTimeout = 0
	}
	if c.Queue.MaxDequeueCount <= 0 {
		c.Queue.MaxDequeueCount = defaultMaxDequeueCount
	}
	if c.Workers.BatchSize <= 0 {
		c.Workers.BatchSize = defaultBatchSize
	}
	if c.Workers.LeaseRenewInterval < 0 {
		c.Workers.LeaseRenewInterval = 0
	}
	return nil
}

func (c *Config) normalizeRegistry() error {
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	if c.Registry.Backend == "" {
		c.Registry.Backend = RegistryBadger
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		c.Registry.Path = filepath.Join(c.Paths.DataDir, "registry")
	}
	var err error
	if c.Registry.Path, err = expandPath(c.Registry.Path); err != nil {
		return fmt.Errorf("registry.path: %w", err)
	}
	c.Registry.DynamoTable = strings.TrimSpace(c.Registry.DynamoTable)
	if c.Registry.DynamoTable == "" {
		c.Registry.DynamoTable = defaultDynamoTable
	}
	c.Registry.DynamoEndpoint = strings.TrimSpace(c.Registry.DynamoEndpoint)
	if c.Registry.DynamoEndpoint == "" {
		if value, ok := os.LookupEnv("VECTORFLOW_DYNAMO_ENDPOINT"); ok {
			c.Registry.DynamoEndpoint = strings.TrimSpace(value)
		}
	}
	c.Registry.AWSRegion = strings.TrimSpace(c.Registry.AWSRegion)
	if c.Registry.AWSRegion == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok {
			c.Registry.AWSRegion = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeKafka() {
	c.Kafka.Brokers = trimList(c.Kafka.Brokers)
	if len(c.Kafka.Brokers) == 0 {
		if value, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
			c.Kafka.Brokers = trimList(strings.Split(value, ","))
		}
	}
	c.Kafka.EventsTopic = strings.TrimSpace(c.Kafka.EventsTopic)
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = defaultEventsTopic
	}
	c.Kafka.DeadLetterTopic = strings.TrimSpace(c.Kafka.DeadLetterTopic)
	if c.Kafka.DeadLetterTopic == "" {
		c.Kafka.DeadLetterTopic = defaultDeadLetterTopic
	}
	if c.Kafka.WriteTimeout <= 0 {
		c.Kafka.WriteTimeout = defaultKafkaWriteTimeout
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
