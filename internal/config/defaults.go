package config

// Backend names.
const (
	QueueSQLite      = "sqlite"
	QueueMemory      = "memory"
	RegistryBadger   = "badger"
	RegistryDynamoDB = "dynamodb"
	RegistryMemory   = "memory"
)

const (
	defaultConfigPath             = "~/.config/vectorflow/config.toml"
	defaultDataDir                = "~/.local/share/vectorflow"
	defaultLogDir                 = "~/.local/share/vectorflow/logs"
	defaultDefinitionsDir         = "~/.config/vectorflow/pipelines"
	defaultAPIBind                = "127.0.0.1:7488"
	defaultInstanceID             = "default"
	defaultVisibilityTimeout      = 30
	defaultErrorVisibilityTimeout = 5
	defaultMaxDequeueCount        = 10
	defaultConcurrency            = 4
	defaultBatchSize              = 8
	defaultPollInterval           = 2
	defaultErrorRetryInterval     = 5
	defaultTickInterval           = 60
	defaultRefreshInterval        = 300
	defaultDynamoTable            = "vectorflow-registry"
	defaultEventsTopic            = "vectorflow.runs"
	defaultDeadLetterTopic        = "vectorflow.dead-letters"
	defaultKafkaWriteTimeout      = 10
	defaultNotifyRequestTimeout   = 10
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:        defaultDataDir,
			LogDir:         defaultLogDir,
			DefinitionsDir: defaultDefinitionsDir,
		},
		API: API{
			Bind:       defaultAPIBind,
			InstanceID: defaultInstanceID,
		},
		Queue: Queue{
			Backend:                QueueSQLite,
			VisibilityTimeout:      defaultVisibilityTimeout,
			ErrorVisibilityTimeout: defaultErrorVisibilityTimeout,
			MaxDequeueCount:        defaultMaxDequeueCount,
		},
		Workers: Workers{
			Concurrency:        defaultConcurrency,
			BatchSize:          defaultBatchSize,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Scheduler: Scheduler{
			Enabled:         true,
			TickInterval:    defaultTickInterval,
			RefreshInterval: defaultRefreshInterval,
		},
		Registry: Registry{
			Backend:     RegistryBadger,
			DynamoTable: defaultDynamoTable,
		},
		Kafka: Kafka{
			EventsTopic:     defaultEventsTopic,
			DeadLetterTopic: defaultDeadLetterTopic,
			WriteTimeout:    defaultKafkaWriteTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			RunStarted:     false,
			RunCompleted:   true,
			Failures:       true,
			DeadLetters:    true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
