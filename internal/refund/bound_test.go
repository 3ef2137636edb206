package refund

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
)

func refundOf(amount string, status model.RefundStatus) model.RefundRecord {
	return model.RefundRecord{Amount: decimal.RequireFromString(amount), Status: status}
}

func TestRemainder(t *testing.T) {
	amount := decimal.RequireFromString("1000.00")
	refunds := []model.RefundRecord{
		refundOf("400.00", model.RefundStatusProcessed),
		refundOf("100.00", model.RefundStatusPending),
		refundOf("300.00", model.RefundStatusFailed),
	}

	assert.True(t, Refunded(refunds).Equal(decimal.RequireFromString("500.00")))
	assert.True(t, Remainder(amount, refunds).Equal(decimal.RequireFromString("500.00")))
	assert.True(t, Remainder(amount, append(refunds, refundOf("900.00", model.RefundStatusProcessed))).IsZero())
}

func TestCheckBound(t *testing.T) {
	txn := model.Transaction{Amount: decimal.RequireFromString("1000.00")}

	assert.NoError(t, CheckBound(txn, nil))
	assert.NoError(t, CheckBound(txn, []model.RefundRecord{
		refundOf("600.00", model.RefundStatusProcessed),
		refundOf("400.00", model.RefundStatusProcessed),
		refundOf("500.00", model.RefundStatusFailed),
	}))

	err := CheckBound(txn, []model.RefundRecord{
		refundOf("600.00", model.RefundStatusProcessed),
		refundOf("400.01", model.RefundStatusProcessed),
	})
	assert.True(t, apperr.Is(err, apperr.CodeExceedsRefundable))
}
