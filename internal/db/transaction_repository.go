package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"payment-service/internal/model"
	"payment-service/internal/storage"
)

const transactionColumns = `id, user_id, amount::text, currency, status, gateway, payment_method, gateway_order_id,
	gateway_payment_id, receipt_number, subscription_id, failure_reason, failure_code, version, created_at,
	updated_at, processed_at`

type TransactionRepository struct {
	tx pgx.Tx
}

func (r *TransactionRepository) Insert(ctx context.Context, txn *model.Transaction) error {
	query := `INSERT INTO transactions (id, user_id, amount, currency, status, gateway, payment_method,
	          gateway_order_id, gateway_payment_id, receipt_number, subscription_id, failure_reason, failure_code,
	          version, created_at, updated_at, processed_at)
	          VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15, $16)`
	_, err := r.tx.Exec(ctx, query, txn.ID, txn.UserID, txn.Amount.String(), txn.Currency, txn.Status, txn.Gateway,
		txn.PaymentMethod, txn.GatewayOrderID, txn.GatewayPaymentID, txn.ReceiptNumber, txn.SubscriptionID,
		txn.FailureReason, txn.FailureCode, txn.CreatedAt, txn.UpdatedAt, txn.ProcessedAt)
	if err != nil {
		return translate(err)
	}
	txn.Version = 1
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.tx.QueryRow(ctx, query, id))
}

func (r *TransactionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	return scanTransaction(r.tx.QueryRow(ctx, query, id))
}

func (r *TransactionRepository) FindByGatewayPaymentID(ctx context.Context, gateway model.Gateway, paymentID string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway = $1 AND gateway_payment_id = $2`
	return scanTransaction(r.tx.QueryRow(ctx, query, gateway, paymentID))
}

func (r *TransactionRepository) FindByGatewayOrderID(ctx context.Context, gateway model.Gateway, orderID string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway = $1 AND gateway_order_id = $2`
	return scanTransaction(r.tx.QueryRow(ctx, query, gateway, orderID))
}

func (r *TransactionRepository) FindByUser(ctx context.Context, userID string, from, to time.Time) ([]*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
	          WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	          ORDER BY created_at`
	rows, err := r.tx.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

func (r *TransactionRepository) Update(ctx context.Context, txn *model.Transaction) error {
	query := `UPDATE transactions SET status = $1, gateway_order_id = $2, gateway_payment_id = $3,
	          failure_reason = $4, failure_code = $5, subscription_id = $6, updated_at = $7, processed_at = $8,
	          version = version + 1
	          WHERE id = $9 AND version = $10`
	tag, err := r.tx.Exec(ctx, query, txn.Status, txn.GatewayOrderID, txn.GatewayPaymentID, txn.FailureReason,
		txn.FailureCode, txn.SubscriptionID, txn.UpdatedAt, txn.ProcessedAt, txn.ID, txn.Version)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, txn.ID); err != nil {
			return err
		}
		return storage.ErrVersionConflict
	}
	txn.Version++
	return nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var txn model.Transaction
	var amount string
	err := row.Scan(&txn.ID, &txn.UserID, &amount, &txn.Currency, &txn.Status, &txn.Gateway, &txn.PaymentMethod,
		&txn.GatewayOrderID, &txn.GatewayPaymentID, &txn.ReceiptNumber, &txn.SubscriptionID, &txn.FailureReason,
		&txn.FailureCode, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt, &txn.ProcessedAt)
	if err != nil {
		return nil, translate(err)
	}
	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: invalid amount %q: %w", txn.ID, amount, err)
	}
	return &txn, nil
}
