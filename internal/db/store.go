package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-service/internal/storage"
)

// Store is the Postgres storage.Store. Each unit of work is one database
// transaction, and rows read "for update" stay locked until it ends.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Transactions() storage.TransactionRepository {
	return &TransactionRepository{tx: t.tx}
}

func (t *pgTx) Webhooks() storage.WebhookRepository {
	return &WebhookRepository{tx: t.tx}
}

func (t *pgTx) Audit() storage.AuditRepository {
	return &AuditRepository{tx: t.tx}
}

func (t *pgTx) Subscriptions() storage.SubscriptionRepository {
	return &SubscriptionRepository{tx: t.tx}
}
