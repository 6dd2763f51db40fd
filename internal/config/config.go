package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DISPATCH_"

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Worker      WorkerConfig      `yaml:"worker"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Email       EmailConfig       `yaml:"email"`
	SMS         SMSConfig         `yaml:"sms"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Status      StatusConfig      `yaml:"status"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
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

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
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

// WorkerConfig holds the worker loop policy
type WorkerConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	BatchWindow            time.Duration `yaml:"batch_window"`
	AdoptionBackoffMin     time.Duration `yaml:"adoption_backoff_min"`
	AdoptionBackoffMax     time.Duration `yaml:"adoption_backoff_max"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	FallbackIdentity       string        `yaml:"fallback_identity"`
	Channels               []string      `yaml:"channels"`
}

// ClusterConfig selects how running workers are discovered
type ClusterConfig struct {
	Mode              string        `yaml:"mode"`
	Key               string        `yaml:"key"`
	IdentityBase      string        `yaml:"identity_base"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TTL               time.Duration `yaml:"ttl"`
}

// CredentialsConfig holds the key used to decrypt stored credential bundles
type CredentialsConfig struct {
	MasterKey  string `yaml:"master_key"`
	DefaultSMS string `yaml:"default_sms"`
}

// EmailConfig holds the SMTP relay settings
type EmailConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMSConfig selects and configures the SMS provider
type SMSConfig struct {
	Provider      string        `yaml:"provider"`
	TwilioBaseURL string        `yaml:"twilio_base_url"`
	GatewayURL    string        `yaml:"gateway_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// EnrichmentConfig configures the enrichment call and its circuit breaker
type EnrichmentConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	OnFailure    string        `yaml:"on_failure"`
}

// StatusConfig holds the status server settings
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns the configuration used for any value the file leaves out
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "dispatch-worker",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port: 5672,
			Exchange: ExchangeConfig{
				Type:    "topic",
				Durable: true,
			},
			RoutingKey: "campaign.finalized",
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
		},
		Worker: WorkerConfig{
			PollInterval:           2 * time.Second,
			BatchWindow:            time.Second,
			AdoptionBackoffMin:     100 * time.Millisecond,
			AdoptionBackoffMax:     time.Second,
			MaxConsecutiveFailures: 10,
			FallbackIdentity:       "local-worker",
			Channels:               []string{"EMAIL", "SMS"},
		},
		Cluster: ClusterConfig{
			Mode:              "static",
			HeartbeatInterval: 5 * time.Second,
			TTL:               30 * time.Second,
		},
		SMS: SMSConfig{
			Provider: "twilio",
			Timeout:  10 * time.Second,
		},
		Email: EmailConfig{
			Port:    587,
			Timeout: 30 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			Timeout:      5 * time.Second,
			FailureRatio: 0.2,
			MinRequests:  5,
			Interval:     60 * time.Second,
			OpenTimeout:  30 * time.Second,
			OnFailure:    "send",
		},
		Status: StatusConfig{
			Port: 8081,
		},
	}
}

// applyEnv overrides secrets and endpoints from DISPATCH_* variables
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DB_HOST":           &c.Database.Host,
		"DB_USER":           &c.Database.User,
		"DB_PASSWORD":       &c.Database.Password,
		"DB_NAME":           &c.Database.Database,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"RABBITMQ_HOST":     &c.RabbitMQ.Host,
		"RABBITMQ_USER":     &c.RabbitMQ.User,
		"RABBITMQ_PASSWORD": &c.RabbitMQ.Password,
		"CREDENTIAL_KEY":    &c.Credentials.MasterKey,
		"SMTP_HOST":         &c.Email.Host,
		"SMTP_USER":         &c.Email.User,
		"SMTP_PASSWORD":     &c.Email.Password,
		"SMS_PROVIDER":      &c.SMS.Provider,
		"CLUSTER_MODE":      &c.Cluster.Mode,
		"CLUSTER_IDENTITY":  &c.Cluster.IdentityBase,
		"ENRICHMENT_URL":    &c.Enrichment.URL,
		"LOG_LEVEL":         &c.Logging.Level,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DB_PORT":     &c.Database.Port,
		"STATUS_PORT": &c.Status.Port,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if err := c.validateWorker(); err != nil {
		return err
	}

	switch c.Cluster.Mode {
	case "static":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required in redis cluster mode")
		}
		if c.Cluster.HeartbeatInterval <= 0 {
			return fmt.Errorf("cluster heartbeat_interval must be greater than 0")
		}
		if c.Cluster.TTL <= c.Cluster.HeartbeatInterval {
			return fmt.Errorf("cluster ttl must be greater than heartbeat_interval")
		}
	default:
		return fmt.Errorf("invalid cluster mode: %q (must be static or redis)", c.Cluster.Mode)
	}

	switch c.SMS.Provider {
	case "twilio":
	case "gateway":
		if c.SMS.GatewayURL == "" {
			return fmt.Errorf("sms gateway_url is required for the gateway provider")
		}
	default:
		return fmt.Errorf("invalid sms provider: %q (must be twilio or gateway)", c.SMS.Provider)
	}

	if c.Enrichment.Enabled {
		if c.Enrichment.URL == "" {
			return fmt.Errorf("enrichment url is required when enrichment is enabled")
		}
		if c.Enrichment.FailureRatio <= 0 || c.Enrichment.FailureRatio > 1 {
			return fmt.Errorf("enrichment failure_ratio must be in (0, 1]")
		}
		if c.Enrichment.OnFailure != "send" && c.Enrichment.OnFailure != "skip" {
			return fmt.Errorf("invalid enrichment on_failure: %q (must be send or skip)", c.Enrichment.OnFailure)
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Status.Enabled && (c.Status.Port < MinPort || c.Status.Port > MaxPort) {
		return fmt.Errorf("invalid status port: %d (must be between %d and %d)", c.Status.Port, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.BatchWindow <= 0 {
		return fmt.Errorf("worker batch_window must be greater than 0")
	}

	if c.Worker.AdoptionBackoffMin < 0 || c.Worker.AdoptionBackoffMax < c.Worker.AdoptionBackoffMin {
		return fmt.Errorf("worker adoption backoff must satisfy 0 <= min <= max")
	}

	if c.Worker.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("worker max_consecutive_failures must not be negative")
	}

	if len(c.Worker.Channels) == 0 {
		return fmt.Errorf("worker channels must not be empty")
	}

	for _, ch := range c.Worker.Channels {
		switch ch {
		case "EMAIL":
		case "SMS":
			if c.Credentials.MasterKey == "" {
				return fmt.Errorf("credentials master_key is required for the SMS channel (set %sCREDENTIAL_KEY)", EnvPrefix)
			}
		default:
			return fmt.Errorf("unknown worker channel: %q", ch)
		}
	}

	return nil
}
