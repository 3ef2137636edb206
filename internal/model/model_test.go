package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusPending, StatusProcessing, StatusAuthorized, StatusCompleted,
	StatusFailed, StatusCancelled, StatusRefunded,
}

func TestClassifyTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     TransitionKind
	}{
		{StatusPending, StatusProcessing, TransitionApply},
		{StatusProcessing, StatusCompleted, TransitionApply},
		{StatusProcessing, StatusAuthorized, TransitionApply},
		{StatusAuthorized, StatusCompleted, TransitionApply},
		{StatusCompleted, StatusRefunded, TransitionApply},
		{StatusCompleted, StatusCompleted, TransitionNoop},
		{StatusCompleted, StatusAuthorized, TransitionStale},
		{StatusAuthorized, StatusProcessing, TransitionStale},
		{StatusCompleted, StatusFailed, TransitionIllegal},
		{StatusPending, StatusCompleted, TransitionIllegal},
		{StatusProcessing, StatusRefunded, TransitionIllegal},
		{StatusFailed, StatusCompleted, TransitionTerminal},
		{StatusRefunded, StatusCompleted, TransitionTerminal},
		{StatusCancelled, StatusProcessing, TransitionTerminal},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesNeverLeave(t *testing.T) {
	for _, from := range []Status{StatusFailed, StatusCancelled, StatusRefunded} {
		assert.True(t, from.Terminal())
		for _, to := range allStatuses {
			if to == from {
				continue
			}
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
			assert.Equal(t, TransitionTerminal, ClassifyTransition(from, to))
		}
	}
}

func TestRefundedOnlyFromCompleted(t *testing.T) {
	for _, from := range allStatuses {
		assert.Equal(t, from == StatusCompleted, from.CanTransitionTo(StatusRefunded), string(from))
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(100000), ToMinorUnits(decimal.RequireFromString("1000.00"), "INR"))
	assert.Equal(t, int64(4050), ToMinorUnits(decimal.RequireFromString("40.50"), "usd"))
	assert.Equal(t, int64(500), ToMinorUnits(decimal.RequireFromString("500"), "JPY"))

	assert.True(t, FromMinorUnits(40000, "INR").Equal(decimal.RequireFromString("400.00")))
	assert.True(t, FromMinorUnits(500, "JPY").Equal(decimal.NewFromInt(500)))

	assert.True(t, ValidPrecision(decimal.RequireFromString("10.25"), "INR"))
	assert.False(t, ValidPrecision(decimal.RequireFromString("10.255"), "INR"))
	assert.False(t, ValidPrecision(decimal.RequireFromString("10.5"), "JPY"))
}

func TestGatewayReferencePrefersPaymentID(t *testing.T) {
	order, payment := "order_1", "pay_1"
	txn := Transaction{GatewayOrderID: &order}
	assert.Equal(t, "order_1", txn.GatewayReference())

	txn.GatewayPaymentID = &payment
	assert.Equal(t, "pay_1", txn.GatewayReference())
}

func TestBillingIntervalAdvance(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), IntervalMonthly.Advance(start))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), IntervalYearly.Advance(start))
}
