package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-service/internal/model"
)

const subscriptionColumns = `id, user_id, plan_id, gateway, gateway_customer_id, gateway_subscription_id,
	billing_interval, status, current_period_start, current_period_end, last_transaction_id, needs_attention,
	last_error, created_at, updated_at`

type SubscriptionRepository struct {
	tx pgx.Tx
}

func (r *SubscriptionRepository) Insert(ctx context.Context, sub *model.Subscription) error {
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.tx.Exec(ctx, query, sub.ID, sub.UserID, sub.PlanID, sub.Gateway, sub.GatewayCustomerID,
		sub.GatewaySubscriptionID, sub.Interval, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.LastTransactionID, sub.NeedsAttention, sub.LastError, sub.CreatedAt, sub.UpdatedAt)
	return translate(err)
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.tx.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(r.tx.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *model.Subscription) error {
	query := `UPDATE subscriptions SET gateway_customer_id = $1, gateway_subscription_id = $2, status = $3,
	          current_period_start = $4, current_period_end = $5, last_transaction_id = $6, needs_attention = $7,
	          last_error = $8, updated_at = $9
	          WHERE id = $10`
	tag, err := r.tx.Exec(ctx, query, sub.GatewayCustomerID, sub.GatewaySubscriptionID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.LastTransactionID, sub.NeedsAttention, sub.LastError,
		sub.UpdatedAt, sub.ID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Gateway, &sub.GatewayCustomerID,
		&sub.GatewaySubscriptionID, &sub.Interval, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.LastTransactionID, &sub.NeedsAttention, &sub.LastError, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}
