// Package storage defines the persistence contract shared by the Postgres and
// in-memory stores. All writes happen inside a unit of work so that a webhook's
// transaction update, audit entry and processed flag commit together.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"payment-service/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict is returned when an optimistic version check fails.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrDuplicate is returned when a unique gateway reference is already taken.
	ErrDuplicate = errors.New("storage: duplicate")
)

type Store interface {
	// InTx runs fn in a unit of work. The work is committed when fn returns nil and
	// rolled back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Transactions() TransactionRepository
	Webhooks() WebhookRepository
	Audit() AuditRepository
	Subscriptions() SubscriptionRepository
}

type TransactionRepository interface {
	Insert(ctx context.Context, txn *model.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	// GetByIDForUpdate locks the row until the unit of work ends.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	FindByGatewayPaymentID(ctx context.Context, gateway model.Gateway, paymentID string) (*model.Transaction, error)
	FindByGatewayOrderID(ctx context.Context, gateway model.Gateway, orderID string) (*model.Transaction, error)
	FindByUser(ctx context.Context, userID string, from, to time.Time) ([]*model.Transaction, error)
	// Update persists txn if its Version still matches and bumps Version.
	Update(ctx context.Context, txn *model.Transaction) error
}

type WebhookRepository interface {
	// Claim inserts rec unless a record with the same (Gateway, DedupKey) exists,
	// then returns the stored record locked until the unit of work ends.
	Claim(ctx context.Context, rec *model.WebhookRecord) (*model.WebhookRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookRecord, error)
	Update(ctx context.Context, rec *model.WebhookRecord) error
	// ListUnprocessed returns unprocessed records below maxAttempts, oldest first.
	ListUnprocessed(ctx context.Context, maxAttempts, limit int, verifiedOnly bool) ([]*model.WebhookRecord, error)
}

type AuditRepository interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error)
}

type SubscriptionRepository interface {
	Insert(ctx context.Context, sub *model.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	Update(ctx context.Context, sub *model.Subscription) error
}
