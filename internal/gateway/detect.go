package gateway

import (
	"strings"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
)

// Rule maps gateway-native ids it matches to a gateway.
type Rule struct {
	Name    string
	Gateway model.Gateway
	Match   func(id string) bool
}

func PrefixRule(prefix string, gateway model.Gateway) Rule {
	return Rule{
		Name:    prefix,
		Gateway: gateway,
		Match:   func(id string) bool { return strings.HasPrefix(id, prefix) && len(id) > len(prefix) },
	}
}

// Detector picks the gateway for an opaque payment id from an ordered rule list.
// It fails closed: no match, or matches for more than one gateway, is an error.
type Detector struct {
	rules []Rule
}

func NewDetector(rules ...Rule) *Detector {
	return &Detector{rules: rules}
}

// DefaultDetector knows the id conventions of the bundled adapters.
func DefaultDetector() *Detector {
	return NewDetector(
		PrefixRule("pi_", model.GatewayStripe),
		PrefixRule("ch_", model.GatewayStripe),
		PrefixRule("pay_", model.GatewayRazorpay),
		PrefixRule("order_", model.GatewayRazorpay),
	)
}

func (d *Detector) Detect(id string) (model.Gateway, error) {
	var found model.Gateway
	for _, rule := range d.rules {
		if !rule.Match(id) {
			continue
		}
		if found != "" && found != rule.Gateway {
			return "", apperr.Newf(apperr.Validation, apperr.CodeUnrecognizedPaymentID,
				"payment id %q matches more than one gateway", id)
		}
		found = rule.Gateway
	}
	if found == "" {
		return "", apperr.Newf(apperr.Validation, apperr.CodeUnrecognizedPaymentID,
			"unrecognized payment id format %q", id)
	}
	return found, nil
}
