package gateway

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"payment-service/internal/model"
)

// Lookup walks nested JSON objects along path.
func Lookup(payload map[string]any, path ...string) (any, bool) {
	var current any = payload
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns the string at path, or "" when absent or not a string.
func String(payload map[string]any, path ...string) string {
	value, ok := Lookup(payload, path...)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// Int returns the integer at path. Payloads are decoded with json.Number so
// large minor-unit amounts survive intact.
func Int(payload map[string]any, path ...string) (int64, bool) {
	value, ok := Lookup(payload, path...)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// MinorAmount converts the minor-unit integer at path into a decimal amount.
func MinorAmount(payload map[string]any, currency string, path ...string) (decimal.Decimal, bool) {
	n, ok := Int(payload, path...)
	if !ok {
		return decimal.Zero, false
	}
	return model.FromMinorUnits(n, currency), true
}

// MinorUnits formats amount in the currency's smallest unit for request bodies.
func MinorUnits(amount decimal.Decimal, currency string) string {
	return strconv.FormatInt(model.ToMinorUnits(amount, currency), 10)
}
