package refund

import (
	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
)

// Refunded sums the refunds that consume refundable amount. Pending refunds count
// so that two refunds in flight cannot overdraw the transaction.
func Refunded(refunds []model.RefundRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		if r.Status.Counts() {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// Remainder is the refundable remainder of amount after refunds, never negative.
func Remainder(amount decimal.Decimal, refunds []model.RefundRecord) decimal.Decimal {
	remaining := amount.Sub(Refunded(refunds))
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// CheckBound verifies that the processed refunds of txn do not exceed its amount.
func CheckBound(txn model.Transaction, refunds []model.RefundRecord) error {
	processed := decimal.Zero
	for _, r := range refunds {
		if r.Status == model.RefundStatusProcessed {
			processed = processed.Add(r.Amount)
		}
	}
	if processed.GreaterThan(txn.Amount) {
		return apperr.Newf(apperr.Internal, apperr.CodeExceedsRefundable,
			"transaction %s refunded %s of %s", txn.ID, processed, txn.Amount)
	}
	return nil
}
