package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/model"
)

const testConfig = `
database:
  user: payments
  password: secret
  name: payments
  host: localhost
  port: "5432"
  ssl-mode: disable
gateways:
  razorpay:
    enabled: true
    key-id: rzp_test_key
    key-secret: rzp_secret
    webhook-secret: rzp_webhook
  stripe:
    enabled: true
    secret-key: sk_test_key
    webhook-secret: whsec_test
resilience:
  failure-threshold: 7
`

func writeConfig(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfig), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "payments", cfg.Database.User)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 7, cfg.Resilience.FailureThreshold)
	assert.Equal(t, "rzp_test_key", cfg.Gateways.Razorpay.KeyID)

	// defaults
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 90, cfg.Refund.WindowDays)
	assert.Equal(t, "1.00", cfg.Refund.MinAmount)
	assert.Equal(t, "https://api.stripe.com", cfg.Gateways.Stripe.BaseURL)
	assert.Equal(t, 300, cfg.Gateways.Stripe.SignatureToleranceSec)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("GATEWAYS_RAZORPAY_KEY_SECRET", "from-env")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "5")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Gateways.Razorpay.KeySecret)
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestWebhookSecret(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	secret, err := cfg.Gateways.WebhookSecret(model.GatewayStripe)
	require.NoError(t, err)
	assert.Equal(t, "whsec_test", secret)

	_, err = cfg.Gateways.WebhookSecret(model.Gateway("PAYPAL"))
	assert.Error(t, err)

	cfg.Gateways.Razorpay.WebhookSecret = ""
	_, err = cfg.Gateways.WebhookSecret(model.GatewayRazorpay)
	assert.Error(t, err)
}

func TestGetInt(t *testing.T) {
	t.Setenv("PAYMENT_TEST_INT", "42")
	t.Setenv("PAYMENT_TEST_BAD", "forty-two")

	assert.Equal(t, 42, GetInt("PAYMENT_TEST_INT", 1))
	assert.Equal(t, 1, GetInt("PAYMENT_TEST_BAD", 1))
	assert.Equal(t, 9, GetInt("PAYMENT_TEST_MISSING", 9))
	assert.Equal(t, "fallback", GetString("PAYMENT_TEST_MISSING", "fallback"))
}
