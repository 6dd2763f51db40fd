package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, "dispatch-worker", cfg.App.Name)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "dispatch_db", cfg.Database.Database)
				assert.Equal(t, "campaign_events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 200*time.Millisecond, cfg.Worker.AdoptionBackoffMin)
				assert.Equal(t, []string{"SMS"}, cfg.Worker.Channels)
				assert.Equal(t, "redis", cfg.Cluster.Mode)
				assert.Equal(t, 20*time.Second, cfg.Cluster.TTL)
				assert.Equal(t, "gateway", cfg.SMS.Provider)
				assert.Equal(t, "skip", cfg.Enrichment.OnFailure)
				assert.Equal(t, 9090, cfg.Status.Port)
				require.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, time.Second, cfg.Worker.BatchWindow)
	assert.Equal(t, "static", cfg.Cluster.Mode)
	assert.Equal(t, "twilio", cfg.SMS.Provider)
	assert.Equal(t, 5*time.Second, cfg.Enrichment.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Email.Timeout)
	assert.Equal(t, 0.2, cfg.Enrichment.FailureRatio)
	assert.Equal(t, 30*time.Second, cfg.Enrichment.OpenTimeout)
	assert.Equal(t, []string{"EMAIL", "SMS"}, cfg.Worker.Channels)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_DB_PASSWORD", "from-env")
	t.Setenv("DISPATCH_CREDENTIAL_KEY", "cafe")
	t.Setenv("DISPATCH_DB_PORT", "6432")
	t.Setenv("DISPATCH_CLUSTER_MODE", "redis")

	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "cafe", cfg.Credentials.MasterKey)
	assert.Equal(t, 6432, cfg.Database.Port)
	assert.Equal(t, "redis", cfg.Cluster.Mode)
}

func TestLoad_InvalidEnvInt(t *testing.T) {
	t.Setenv("DISPATCH_STATUS_PORT", "eighty")

	_, err := Load("testdata/minimal_config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_STATUS_PORT")
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Database = "dispatch_db"
	cfg.Credentials.MasterKey = "key"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 70000 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "zero poll interval",
			mutate:    func(c *Config) { c.Worker.PollInterval = 0 },
			wantErr:   true,
			errString: "poll_interval",
		},
		{
			name:      "zero batch window",
			mutate:    func(c *Config) { c.Worker.BatchWindow = 0 },
			wantErr:   true,
			errString: "batch_window",
		},
		{
			name: "inverted adoption backoff",
			mutate: func(c *Config) {
				c.Worker.AdoptionBackoffMin = time.Second
				c.Worker.AdoptionBackoffMax = time.Millisecond
			},
			wantErr:   true,
			errString: "adoption backoff",
		},
		{
			name:      "unknown channel",
			mutate:    func(c *Config) { c.Worker.Channels = []string{"FAX"} },
			wantErr:   true,
			errString: "unknown worker channel",
		},
		{
			name:      "sms without master key",
			mutate:    func(c *Config) { c.Credentials.MasterKey = "" },
			wantErr:   true,
			errString: "master_key",
		},
		{
			name: "email only without master key",
			mutate: func(c *Config) {
				c.Credentials.MasterKey = ""
				c.Worker.Channels = []string{"EMAIL"}
			},
		},
		{
			name:      "unknown cluster mode",
			mutate:    func(c *Config) { c.Cluster.Mode = "consul" },
			wantErr:   true,
			errString: "invalid cluster mode",
		},
		{
			name:      "redis mode without addr",
			mutate:    func(c *Config) { c.Cluster.Mode = "redis" },
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name: "redis ttl not above heartbeat",
			mutate: func(c *Config) {
				c.Cluster.Mode = "redis"
				c.Redis.Addr = "localhost:6379"
				c.Cluster.TTL = c.Cluster.HeartbeatInterval
			},
			wantErr:   true,
			errString: "cluster ttl",
		},
		{
			name:      "unknown sms provider",
			mutate:    func(c *Config) { c.SMS.Provider = "carrier-pigeon" },
			wantErr:   true,
			errString: "invalid sms provider",
		},
		{
			name:      "gateway without url",
			mutate:    func(c *Config) { c.SMS.Provider = "gateway" },
			wantErr:   true,
			errString: "gateway_url",
		},
		{
			name:      "enrichment without url",
			mutate:    func(c *Config) { c.Enrichment.Enabled = true },
			wantErr:   true,
			errString: "enrichment url",
		},
		{
			name: "enrichment bad policy",
			mutate: func(c *Config) {
				c.Enrichment.Enabled = true
				c.Enrichment.URL = "http://links"
				c.Enrichment.OnFailure = "retry"
			},
			wantErr:   true,
			errString: "on_failure",
		},
		{
			name:      "rabbitmq without host",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "status invalid port",
			mutate: func(c *Config) {
				c.Status.Enabled = true
				c.Status.Port = 0
			},
			wantErr:   true,
			errString: "invalid status port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
