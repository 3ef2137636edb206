package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"

	"payment-service/internal/model"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Storage struct {
	Driver        string `mapstructure:"driver"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

type Redis struct {
	URL string `mapstructure:"url"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentEvents  string `mapstructure:"payment-events"`
	Notifications  string `mapstructure:"notifications"`
	WebhookReplays string `mapstructure:"webhook-replays"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type Razorpay struct {
	Enabled       bool   `mapstructure:"enabled"`
	KeyID         string `mapstructure:"key-id"`
	KeySecret     string `mapstructure:"key-secret"`
	WebhookSecret string `mapstructure:"webhook-secret"`
	BaseURL       string `mapstructure:"base-url"`
	TimeoutMs     int    `mapstructure:"timeout-ms"`
}

type Stripe struct {
	Enabled               bool   `mapstructure:"enabled"`
	SecretKey             string `mapstructure:"secret-key"`
	WebhookSecret         string `mapstructure:"webhook-secret"`
	BaseURL               string `mapstructure:"base-url"`
	TimeoutMs             int    `mapstructure:"timeout-ms"`
	SignatureToleranceSec int    `mapstructure:"signature-tolerance-sec"`
}

type Gateways struct {
	Razorpay Razorpay `mapstructure:"razorpay"`
	Stripe   Stripe   `mapstructure:"stripe"`
}

// WebhookSecret returns the shared secret used to verify notifications from gateway.
func (g Gateways) WebhookSecret(gateway model.Gateway) (string, error) {
	var secret string
	switch gateway {
	case model.GatewayRazorpay:
		secret = g.Razorpay.WebhookSecret
	case model.GatewayStripe:
		secret = g.Stripe.WebhookSecret
	default:
		return "", fmt.Errorf("no webhook secret configured for gateway %q", gateway)
	}
	if secret == "" {
		return "", fmt.Errorf("webhook secret for gateway %q is empty", gateway)
	}
	return secret, nil
}

type Resilience struct {
	FailureThreshold int `mapstructure:"failure-threshold"`
	CooldownMs       int `mapstructure:"cooldown-ms"`
	MaxRetries       int `mapstructure:"max-retries"`
	BackoffBaseMs    int `mapstructure:"backoff-base-ms"`
	BackoffCapMs     int `mapstructure:"backoff-cap-ms"`
}

type Webhook struct {
	MaxAttempts     int `mapstructure:"max-attempts"`
	SweepIntervalMs int `mapstructure:"sweep-interval-ms"`
	SweepBatchSize  int `mapstructure:"sweep-batch-size"`
}

type Refund struct {
	WindowDays int    `mapstructure:"window-days"`
	MinAmount  string `mapstructure:"min-amount"`
	LockTTLMs  int    `mapstructure:"lock-ttl-ms"`
}

type Billing struct {
	Parallelism int `mapstructure:"parallelism"`
	TimeoutMs   int `mapstructure:"timeout-ms"`
}

type Events struct {
	QueueSize int `mapstructure:"queue-size"`
	Workers   int `mapstructure:"workers"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Redis      Redis      `mapstructure:"redis"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Gateways   Gateways   `mapstructure:"gateways"`
	Resilience Resilience `mapstructure:"resilience"`
	Webhook    Webhook    `mapstructure:"webhook"`
	Refund     Refund     `mapstructure:"refund"`
	Billing    Billing    `mapstructure:"billing"`
	Events     Events     `mapstructure:"events"`
	Server     Server     `mapstructure:"server"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
}

var defaults = map[string]any{
	"storage.driver":                          "postgres",
	"storage.migrations-dir":                  "migrations",
	"kafka.writer.batch-size":                 100,
	"kafka.writer.batch-timeout-ms":           100,
	"kafka.topic.payment-events":              "payment-events",
	"kafka.topic.notifications":               "notifications",
	"kafka.topic.webhook-replays":             "webhook-replays",
	"kafka.reader.group-id":                   "payment-service",
	"gateways.razorpay.base-url":              "https://api.razorpay.com",
	"gateways.razorpay.timeout-ms":            10_000,
	"gateways.stripe.base-url":                "https://api.stripe.com",
	"gateways.stripe.timeout-ms":              10_000,
	"gateways.stripe.signature-tolerance-sec": 300,
	"resilience.failure-threshold":            5,
	"resilience.cooldown-ms":                  30_000,
	"resilience.max-retries":                  3,
	"resilience.backoff-base-ms":              200,
	"resilience.backoff-cap-ms":               2_000,
	"webhook.max-attempts":                    3,
	"webhook.sweep-interval-ms":               60_000,
	"webhook.sweep-batch-size":                50,
	"refund.window-days":                      90,
	"refund.min-amount":                       "1.00",
	"refund.lock-ttl-ms":                      30_000,
	"billing.parallelism":                     100,
	"billing.timeout-ms":                      30_000,
	"events.queue-size":                       1_000,
	"events.workers":                          4,
	"server.port":                             "8080",
	"metrics.interval-ms":                     10_000,
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// GATEWAYS_RAZORPAY_KEY_SECRET overrides gateways.razorpay.key-secret
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
