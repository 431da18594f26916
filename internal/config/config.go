package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Drivers selectable from configuration
const (
	InboundRabbitMQ = "rabbitmq"
	InboundSQS      = "sqs"

	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"

	TransformCommand = "command"
	TransformEcho    = "echo"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Inbound   InboundConfig   `yaml:"inbound"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	SQS       SQSConfig       `yaml:"sqs"`
	AWS       AWSConfig       `yaml:"aws"`
	Staging   StagingConfig   `yaml:"staging"`
	Auth      AuthConfig      `yaml:"auth"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Callback  CallbackConfig  `yaml:"callback"`
	Transform TransformConfig `yaml:"transform"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Database  DatabaseConfig  `yaml:"database"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds the ops HTTP server configuration. Port 0 disables it.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds poll loop and per-job settings
type WorkerConfig struct {
	ID string `yaml:"id"`
	// HealthCheckPath is the liveness marker touched after every poll
	HealthCheckPath string        `yaml:"health_check_path"`
	HeartbeatMaxAge time.Duration `yaml:"heartbeat_max_age"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	WorkDir         string        `yaml:"work_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// InboundConfig selects the inbound channel
type InboundConfig struct {
	Driver string `yaml:"driver"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	RoutingKey         string           `yaml:"routing_key"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`

	// ConsumerTimeout is declared as x-consumer-timeout and must outlast a job
	ConsumerTimeout time.Duration `yaml:"consumer_timeout"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// SQSConfig identifies the SQS queue
type SQSConfig struct {
	QueueURL           string        `yaml:"queue_url"`
	DeadLetterQueueURL string        `yaml:"dead_letter_queue_url"`
	WaitTime           time.Duration `yaml:"wait_time"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
}

// AWSConfig holds the region and the storage emulation toggle
type AWSConfig struct {
	Region         string `yaml:"region"`
	UseLocalstack  bool   `yaml:"use_localstack"`
	LocalstackHost string `yaml:"localstack_host"`
	Endpoint       string `yaml:"endpoint"`
}

// StagingConfig holds where and how outputs are staged
type StagingConfig struct {
	Bucket        string        `yaml:"bucket"`
	Path          string        `yaml:"path"`
	Presign       bool          `yaml:"presign"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
	// LocalDir receives staged outputs in dev and test environments
	LocalDir string       `yaml:"local_dir"`
	Retry    retry.Policy `yaml:"retry"`
}

// AuthConfig holds token decryption and fallback authentication settings
type AuthConfig struct {
	SharedSecretKey      string        `yaml:"shared_secret_key"`
	ClientID             string        `yaml:"client_id"`
	OAuthHost            string        `yaml:"oauth_host"`
	RedirectURI          string        `yaml:"redirect_uri"`
	FallbackAuthnEnabled bool          `yaml:"fallback_authn_enabled"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	TokenRefreshMargin   time.Duration `yaml:"token_refresh_margin"`
	Retry                retry.Policy  `yaml:"retry"`
}

// FetchConfig holds input retrieval settings
type FetchConfig struct {
	Retry           retry.Policy  `yaml:"retry"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	LocalHostname   string        `yaml:"local_hostname"`
}

// CallbackConfig holds coordinator callback settings
type CallbackConfig struct {
	Retry   retry.Policy  `yaml:"retry"`
	Timeout time.Duration `yaml:"timeout"`
	Path    string        `yaml:"path"`
	// LocalFile receives callbacks in dev and test environments
	LocalFile string `yaml:"local_file"`
}

// TransformConfig selects and configures the transformation tool
type TransformConfig struct {
	Driver  string        `yaml:"driver"`
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// LedgerConfig selects the job ledger
type LedgerConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Load reads and parses the configuration file, applies environment
// overrides and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	config.applyDefaults()

	return &config, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides secrets and deployment-specific settings from the environment
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"ENV":                 &c.App.Environment,
		"WORKER_ID":           &c.Worker.ID,
		"HEALTH_CHECK_PATH":   &c.Worker.HealthCheckPath,
		"SHARED_SECRET_KEY":   &c.Auth.SharedSecretKey,
		"OAUTH_CLIENT_ID":     &c.Auth.ClientID,
		"OAUTH_HOST":          &c.Auth.OAuthHost,
		"OAUTH_REDIRECT_URI":  &c.Auth.RedirectURI,
		"EDL_USERNAME":        &c.Auth.Username,
		"EDL_PASSWORD":        &c.Auth.Password,
		"STAGING_BUCKET":      &c.Staging.Bucket,
		"STAGING_PATH":        &c.Staging.Path,
		"AWS_REGION":          &c.AWS.Region,
		"LOCALSTACK_HOST":     &c.AWS.LocalstackHost,
		"LOCAL_HOSTNAME":      &c.Fetch.LocalHostname,
		"SQS_QUEUE_URL":       &c.SQS.QueueURL,
		"RABBITMQ_PASSWORD":   &c.RabbitMQ.Password,
		"DATABASE_PASSWORD":   &c.Database.Password,
		"TRANSFORM_COMMAND":   &c.Transform.Command,
		"INBOUND_DRIVER":      &c.Inbound.Driver,
		"LEDGER_DRIVER":       &c.Ledger.Driver,
		"TRANSFORM_DRIVER":    &c.Transform.Driver,
		"CALLBACK_LOCAL_FILE": &c.Callback.LocalFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"USE_LOCALSTACK":         &c.AWS.UseLocalstack,
		"FALLBACK_AUTHN_ENABLED": &c.Auth.FallbackAuthnEnabled,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	if v, ok := lookup("WORKER_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "transform-adapter"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Worker.ID == "" {
		host, _ := os.Hostname()
		c.Worker.ID = host
	}
	if c.Worker.HealthCheckPath == "" {
		c.Worker.HealthCheckPath = "/tmp/health.txt"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = time.Hour
	}
	if c.Worker.HeartbeatMaxAge <= 0 {
		// a job in progress does not poll
		c.Worker.HeartbeatMaxAge = c.Worker.JobTimeout + 5*time.Minute
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.WorkDir == "" {
		c.Worker.WorkDir = os.TempDir()
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Inbound.Driver == "" {
		c.Inbound.Driver = InboundRabbitMQ
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerMemory
	}
	if c.Transform.Driver == "" {
		c.Transform.Driver = TransformCommand
	}
	if c.Transform.Timeout == 0 {
		c.Transform.Timeout = c.Worker.JobTimeout
	}

	if c.Staging.PresignExpiry <= 0 {
		c.Staging.PresignExpiry = time.Hour
	}
	if c.Staging.LocalDir == "" {
		c.Staging.LocalDir = "staged"
	}
	if c.Callback.Timeout <= 0 {
		c.Callback.Timeout = 30 * time.Second
	}
	if c.Callback.LocalFile == "" {
		c.Callback.LocalFile = filepath.Join(c.Worker.WorkDir, "callbacks.jsonl")
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 5 * time.Minute
	}
	if c.Auth.TokenRefreshMargin <= 0 {
		c.Auth.TokenRefreshMargin = time.Minute
	}

	c.Fetch.Retry = c.Fetch.Retry.WithDefaults()
	c.Callback.Retry = c.Callback.Retry.WithDefaults()
	c.Staging.Retry = c.Staging.Retry.WithDefaults()
	c.Auth.Retry = c.Auth.Retry.WithDefaults()

	// an unsettled message must stay leased until the terminal callback is out
	if c.RabbitMQ.Queue.ConsumerTimeout <= 0 {
		c.RabbitMQ.Queue.ConsumerTimeout = c.SettleWindow() + 5*time.Minute
	}
	if c.SQS.VisibilityTimeout <= 0 {
		c.SQS.VisibilityTimeout = 5 * time.Minute
	}
}

// CallbackBudget bounds terminal callback delivery across every retry
func (c *Config) CallbackBudget() time.Duration {
	attempts := time.Duration(c.Callback.Retry.MaxAttempts)
	return attempts*c.Callback.Timeout + attempts*c.Callback.Retry.MaxInterval
}

// SettleWindow is the longest a message can stay unsettled while its job runs
func (c *Config) SettleWindow() time.Duration {
	return c.Worker.JobTimeout + c.CallbackBudget()
}

// IsLocal reports whether callbacks and staging use local equivalents
func (c *Config) IsLocal() bool {
	return domain.IsLocalEnvironment(c.App.Environment)
}

// DecryptionKey parses the shared secret, nil when none is configured
func (c *Config) DecryptionKey() ([]byte, error) {
	if c.Auth.SharedSecretKey == "" {
		return nil, nil
	}
	return vault.ParseKey(c.Auth.SharedSecretKey)
}

// ValidateAdapterConfig checks the configuration after defaults are applied
func (c *Config) ValidateAdapterConfig() error {
	if c.Server.Port != 0 && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}
	if c.Worker.HealthCheckPath == "" {
		return fmt.Errorf("worker health_check_path is required")
	}

	switch c.Inbound.Driver {
	case InboundRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
		if c.RabbitMQ.Queue.ConsumerTimeout < c.SettleWindow() {
			return fmt.Errorf("rabbitmq queue consumer_timeout %s must cover job_timeout plus the callback budget (%s)",
				c.RabbitMQ.Queue.ConsumerTimeout, c.SettleWindow())
		}
	case InboundSQS:
		if c.SQS.QueueURL == "" {
			return fmt.Errorf("sqs queue_url is required")
		}
		if c.SQS.VisibilityTimeout < 2*time.Second || c.SQS.VisibilityTimeout > 12*time.Hour {
			return fmt.Errorf("sqs visibility_timeout must be between 2s and 12h")
		}
	default:
		return fmt.Errorf("unknown inbound driver %q", c.Inbound.Driver)
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	switch c.Transform.Driver {
	case TransformEcho:
	case TransformCommand:
		if strings.TrimSpace(c.Transform.Command) == "" {
			return fmt.Errorf("transform command is required")
		}
	default:
		return fmt.Errorf("unknown transform driver %q", c.Transform.Driver)
	}

	if !c.IsLocal() {
		if c.Staging.Bucket == "" {
			return fmt.Errorf("staging bucket is required")
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("aws region is required")
		}
	}

	if _, err := c.DecryptionKey(); err != nil {
		return fmt.Errorf("invalid shared_secret_key: %w", err)
	}

	if c.Auth.FallbackAuthnEnabled {
		switch {
		case c.Auth.Username == "" || c.Auth.Password == "":
			return fmt.Errorf("fallback authentication requires username and password")
		case c.Auth.ClientID == "":
			return fmt.Errorf("fallback authentication requires client_id")
		case c.Auth.OAuthHost == "":
			return fmt.Errorf("fallback authentication requires oauth_host")
		}
	}

	for name, p := range map[string]retry.Policy{
		"fetch":    c.Fetch.Retry,
		"callback": c.Callback.Retry,
		"staging":  c.Staging.Retry,
		"auth":     c.Auth.Retry,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid %s retry policy: %w", name, err)
		}
	}

	return nil
}

// FallbackRequest is the shared identity used for fallback authentication
func (c *Config) FallbackRequest() vault.FallbackRequest {
	return vault.FallbackRequest{
		Username:    c.Auth.Username,
		Password:    c.Auth.Password,
		ClientID:    c.Auth.ClientID,
		Host:        c.Auth.OAuthHost,
		RedirectURI: c.Auth.RedirectURI,
	}
}
