package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

func currencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts an amount to the smallest currency unit (paise, cents).
// Fractions beyond the currency's precision are truncated.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(currencyExponent(currency)).Truncate(0).IntPart()
}

func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -currencyExponent(currency))
}

// ValidPrecision reports whether amount fits the currency's minor unit.
func ValidPrecision(amount decimal.Decimal, currency string) bool {
	shifted := amount.Shift(currencyExponent(currency))
	return shifted.Equal(shifted.Truncate(0))
}
