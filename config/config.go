package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"pollen-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`

	// Base64-encoded 32-byte AES key for the token vault. The process
	// refuses to start without a valid key.
	CryptoKey string `env:"POBLYSH_CRYPTO_KEY" env-default:""`

	// PublicBaseURL is the externally reachable URL, used to build OAuth
	// redirect and webhook URLs
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:"http://localhost:3000"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"pollen"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Reconnect Retry Count
	DatabaseReconnectRetryCount int `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for outbound signals
	KafkaSignalTopic string `env:"KAFKA_SIGNAL_TOPIC" env-default:"pollen-signals"`

	// Redis Streams settings
	// Job queue stream name
	RedisStreamsJobQueue string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"pollen:jobs"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"pollen-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`

	// Scheduler settings
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`
	// Scheduler tick interval, clamped to 10s-300s
	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" env-default:"60s"`
	// Default per-connection poll interval
	SchedulerSyncInterval time.Duration `env:"SCHEDULER_SYNC_INTERVAL" env-default:"60s"`
	// Cap on per-connection interval overrides
	SchedulerMaxSyncInterval time.Duration `env:"SCHEDULER_MAX_SYNC_INTERVAL" env-default:"1h"`
	// Fraction of the interval used as a jitter band (0 to 0.2)
	SchedulerJitterFraction float64 `env:"SCHEDULER_JITTER_FRACTION" env-default:"0.2"`

	// Executor settings
	// Enable/disable the executor
	ExecutorEnabled bool `env:"EXECUTOR_ENABLED" env-default:"true"`
	// Worker pool size
	ExecutorWorkerCount int `env:"EXECUTOR_WORKER_COUNT" env-default:"4"`
	// Timeout for a single connector invocation
	ExecutorJobTimeout time.Duration `env:"EXECUTOR_JOB_TIMEOUT" env-default:"2m"`
	// Per-connection lease duration
	ExecutorLeaseTTL time.Duration `env:"EXECUTOR_LEASE_TTL" env-default:"5m"`
	// Refresh tokens expiring within this margin, clamped to 10s-60s
	ExecutorRefreshMargin time.Duration `env:"EXECUTOR_REFRESH_MARGIN" env-default:"30s"`
	// First retry delay for upstream failures
	ExecutorBackoffBase time.Duration `env:"EXECUTOR_BACKOFF_BASE" env-default:"5s"`
	// Cap on exponential backoff growth
	ExecutorBackoffMax time.Duration `env:"EXECUTOR_BACKOFF_MAX" env-default:"5m"`
	// Attempt budget before a job fails terminally (capped at 5)
	ExecutorMaxAttempts int `env:"EXECUTOR_MAX_ATTEMPTS" env-default:"3"`

	// Webhook settings
	// Operator bearer token accepted on any webhook endpoint. Empty
	// disables the operator bypass.
	WebhookOperatorToken string `env:"WEBHOOK_OPERATOR_TOKEN" env-default:""`
	// Per-provider webhook secrets. Empty keeps that provider's public
	// endpoint disabled.
	WebhookSecretGitHub   string `env:"WEBHOOK_SECRET_GITHUB" env-default:""`
	WebhookSecretJira     string `env:"WEBHOOK_SECRET_JIRA" env-default:""`
	WebhookSecretSlack    string `env:"WEBHOOK_SECRET_SLACK" env-default:""`
	WebhookSecretZohoCliq string `env:"WEBHOOK_SECRET_ZOHO_CLIQ" env-default:""`
	WebhookSecretZohoMail string `env:"WEBHOOK_SECRET_ZOHO_MAIL" env-default:""`
	// Maximum clock skew accepted on Slack's signed timestamp header
	WebhookSlackTolerance time.Duration `env:"WEBHOOK_SLACK_TOLERANCE" env-default:"5m"`
	// Google push notifications authenticate with OIDC tokens
	WebhookGoogleIssuer   string `env:"WEBHOOK_GOOGLE_ISSUER" env-default:"https://accounts.google.com"`
	WebhookGoogleAudience string `env:"WEBHOOK_GOOGLE_AUDIENCE" env-default:""`

	// OAuth client credentials per provider
	GitHubClientID     string `env:"OAUTH_GITHUB_CLIENT_ID" env-default:""`
	GitHubClientSecret string `env:"OAUTH_GITHUB_CLIENT_SECRET" env-default:""`
	JiraClientID       string `env:"OAUTH_JIRA_CLIENT_ID" env-default:""`
	JiraClientSecret   string `env:"OAUTH_JIRA_CLIENT_SECRET" env-default:""`
	GoogleClientID     string `env:"OAUTH_GOOGLE_CLIENT_ID" env-default:""`
	GoogleClientSecret string `env:"OAUTH_GOOGLE_CLIENT_SECRET" env-default:""`
	SlackClientID      string `env:"OAUTH_SLACK_CLIENT_ID" env-default:""`
	SlackClientSecret  string `env:"OAUTH_SLACK_CLIENT_SECRET" env-default:""`
	ZohoClientID       string `env:"OAUTH_ZOHO_CLIENT_ID" env-default:""`
	ZohoClientSecret   string `env:"OAUTH_ZOHO_CLIENT_SECRET" env-default:""`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}
