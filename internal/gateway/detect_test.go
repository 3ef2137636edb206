package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
)

func TestDefaultDetector(t *testing.T) {
	tests := []struct {
		id   string
		want model.Gateway
	}{
		{"pi_3Nxyz", model.GatewayStripe},
		{"ch_1Abc", model.GatewayStripe},
		{"pay_Mxyz", model.GatewayRazorpay},
		{"order_Mabc", model.GatewayRazorpay},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			gw, err := DefaultDetector().Detect(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gw)
		})
	}
}

func TestDetector_FailsClosed(t *testing.T) {
	for _, id := range []string{"", "txn_123", "pay_", "PI_123", "sub_123", "rfnd_Mxyz", "re_3Nxyz"} {
		_, err := DefaultDetector().Detect(id)
		assert.True(t, apperr.Is(err, apperr.CodeUnrecognizedPaymentID), "id %q", id)
		assert.Equal(t, apperr.Validation, apperr.CategoryOf(err))
	}
}

func TestDetector_AmbiguousMatch(t *testing.T) {
	d := NewDetector(
		PrefixRule("sub_", model.GatewayStripe),
		PrefixRule("sub_", model.GatewayRazorpay),
	)

	_, err := d.Detect("sub_123")

	assert.True(t, apperr.Is(err, apperr.CodeUnrecognizedPaymentID))
}

func TestDetector_SameGatewayMatchedTwice(t *testing.T) {
	d := NewDetector(
		PrefixRule("pi_", model.GatewayStripe),
		Rule{Name: "long", Gateway: model.GatewayStripe, Match: func(id string) bool { return len(id) > 5 }},
	)

	gw, err := d.Detect("pi_123456")

	require.NoError(t, err)
	assert.Equal(t, model.GatewayStripe, gw)
}
