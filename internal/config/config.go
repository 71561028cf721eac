package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"winston-vpn/internal/vpnerr"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportTelegram = "telegram"
	TransportAMQP     = "amqp"
)

type Config struct {
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName     string `envconfig:"DB_NAME" default:"winston_vpn"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`

	// An empty RedisHost switches locking to flock files under LockDir.
	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     string `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	LockDir     string `envconfig:"LOCK_DIR" default:"./data/locks"`

	PanelURL       string        `envconfig:"PANEL_URL"`
	PanelUsername  string        `envconfig:"PANEL_USERNAME"`
	PanelPassword  string        `envconfig:"PANEL_PASSWORD"`
	PanelInboundID int           `envconfig:"PANEL_INBOUND_ID" default:"1"`
	PanelTimeout   time.Duration `envconfig:"PANEL_TIMEOUT" default:"10s"`

	ResetTrafficOnReactivate bool          `envconfig:"VPN_RESET_TRAFFIC_ON_REACTIVATE" default:"false"`
	VerifyDelay              time.Duration `envconfig:"VPN_VERIFY_DELAY" default:"2s"`

	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	SweepConcurrency int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`
	SweepSyncTraffic bool          `envconfig:"SWEEP_SYNC_TRAFFIC" default:"true"`

	NotifyTransport    string        `envconfig:"NOTIFY_TRANSPORT" default:"telegram"`
	NotifyPollInterval time.Duration `envconfig:"NOTIFY_POLL_INTERVAL" default:"30s"`
	NotifyBatchSize    int           `envconfig:"NOTIFY_BATCH_SIZE" default:"50"`
	AMQPURL            string        `envconfig:"AMQP_URL"`

	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return &cfg, nil
}

// ValidateCore checks what the panel, store and sweep need. The admin CLI
// runs with this alone.
func (c *Config) ValidateCore() error {
	if c.PanelURL == "" {
		return &vpnerr.ConfigurationError{Field: "PANEL_URL", Reason: "required"}
	}
	if u, err := url.Parse(c.PanelURL); err != nil || u.Hostname() == "" {
		return &vpnerr.ConfigurationError{Field: "PANEL_URL", Reason: "must be an absolute url with a host"}
	}
	if c.PanelUsername == "" {
		return &vpnerr.ConfigurationError{Field: "PANEL_USERNAME", Reason: "required"}
	}
	if c.PanelPassword == "" {
		return &vpnerr.ConfigurationError{Field: "PANEL_PASSWORD", Reason: "required"}
	}
	if c.PanelInboundID <= 0 {
		return &vpnerr.ConfigurationError{Field: "PANEL_INBOUND_ID", Reason: fmt.Sprintf("must be positive, got %d", c.PanelInboundID)}
	}

	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return &vpnerr.ConfigurationError{Field: "STORE_DRIVER", Reason: fmt.Sprintf("unknown driver %q", c.StoreDriver)}
	}

	if c.SweepConcurrency <= 0 {
		return &vpnerr.ConfigurationError{Field: "SWEEP_CONCURRENCY", Reason: "must be positive"}
	}
	return nil
}

// Validate checks the full service configuration: the core settings plus
// the bot token and the notification transport.
func (c *Config) Validate() error {
	if err := c.ValidateCore(); err != nil {
		return err
	}
	if c.BotToken == "" {
		return &vpnerr.ConfigurationError{Field: "TELEGRAM_BOT_TOKEN", Reason: "required"}
	}
	switch c.NotifyTransport {
	case TransportTelegram:
	case TransportAMQP:
		if c.AMQPURL == "" {
			return &vpnerr.ConfigurationError{Field: "AMQP_URL", Reason: "required for amqp transport"}
		}
	default:
		return &vpnerr.ConfigurationError{Field: "NOTIFY_TRANSPORT", Reason: fmt.Sprintf("unknown transport %q", c.NotifyTransport)}
	}
	return nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
