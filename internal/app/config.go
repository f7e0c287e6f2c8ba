package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the application configuration, loadable from environment
// variables (EVENTKART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (EVENTKART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Currency     string `default:"NOK" usage:"ISO currency of orders and payments"`
	// IssuingOrganization has no default: a deployment must name itself.
	IssuingOrganization string `usage:"Merchant name shown to payers" flag:"issuing-organization"`
	OrphanAlertEmail    string `usage:"Recipient of orphaned payment alerts" flag:"orphan-alert-email"`
	Vipps               VippsConfig
	Kafka               KafkaConfig
	Outbox              OutboxConfig
	Graceful            GracefulConfig
}

// VippsConfig holds the payment provider credentials.
type VippsConfig struct {
	BaseURL              string        `default:"https://apitest.vipps.no" usage:"Vipps API base URL"`
	ClientID             string        `usage:"Vipps client id"`
	ClientSecret         string        `usage:"Vipps client secret"`
	SubscriptionKey      string        `usage:"Vipps Ocp-Apim-Subscription-Key"`
	MerchantSerialNumber string        `usage:"Vipps merchant serial number"`
	ReturnURL            string        `usage:"Public URL of GET /api/payments/vipps/return"`
	WebhookSecret        string        `usage:"Shared secret signing webhook bodies"`
	Timeout              time.Duration `default:"10s" usage:"Vipps request timeout"`
}

// KafkaConfig selects brokers and topics. Publishing is off without brokers.
type KafkaConfig struct {
	Brokers    string `usage:"Comma separated broker list"`
	AuditTopic string `default:"eventkart.audit" usage:"Topic for audit events"`
	EmailTopic string `default:"eventkart.email" usage:"Topic for outbound emails"`
}

// OutboxConfig tunes the audit relay.
type OutboxConfig struct {
	Interval  time.Duration `default:"2s" usage:"Outbox poll interval"`
	BatchSize int           `default:"100" usage:"Events published per batch"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from the environment and config files.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		Args:      args,
		EnvPrefix: "EVENTKART",
		Files:     []string{"config.yaml", "/etc/eventkart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set EVENTKART_DATABASE_URL or DATABASE_URL")
	case c.IssuingOrganization == "":
		return errors.New("issuing organization is required: set EVENTKART_ISSUING_ORGANIZATION")
	case c.Currency == "":
		return errors.New("currency is required")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided DATABASE_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
