package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/model"
	"payment-service/internal/storage"
)

func newTransaction() *model.Transaction {
	now := time.Now()
	return &model.Transaction{
		ID:        uuid.New(),
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("1000.00"),
		Currency:  "INR",
		Status:    model.StatusPending,
		Gateway:   model.GatewayRazorpay,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	txn := newTransaction()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		require.NoError(t, tx.Transactions().Insert(ctx, txn))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Transactions().GetByID(ctx, txn.ID)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionUpdate_VersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	txn := newTransaction()

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Transactions().Insert(ctx, txn)
	}))
	assert.Equal(t, 1, txn.Version)

	stale := *txn
	txn.Status = model.StatusProcessing
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Transactions().Update(ctx, txn)
	}))
	assert.Equal(t, 2, txn.Version)

	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Transactions().Update(ctx, &stale)
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestTransactionLookupByGatewayIDs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	orderID := "order_abc"
	txn := newTransaction()
	txn.GatewayOrderID = &orderID

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Transactions().Insert(ctx, txn)
	}))

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		found, err := tx.Transactions().FindByGatewayOrderID(ctx, model.GatewayRazorpay, orderID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, found.ID)

		_, err = tx.Transactions().FindByGatewayOrderID(ctx, model.GatewayStripe, orderID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		other := newTransaction()
		other.GatewayOrderID = &orderID
		assert.ErrorIs(t, tx.Transactions().Insert(ctx, other), storage.ErrDuplicate)
		return nil
	}))
}

func TestWebhookClaim_ReturnsExistingRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first := &model.WebhookRecord{Gateway: model.GatewayRazorpay, DedupKey: "evt_1", ReceivedAt: time.Now()}
	second := &model.WebhookRecord{Gateway: model.GatewayRazorpay, DedupKey: "evt_1", ReceivedAt: time.Now()}

	var a, b *model.WebhookRecord
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		a, err = tx.Webhooks().Claim(ctx, first)
		if err != nil {
			return err
		}
		a.Processed = true
		return tx.Webhooks().Update(ctx, a)
	}))
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.Webhooks().Claim(ctx, second)
		return err
	}))

	assert.Equal(t, a.ID, b.ID)
	assert.True(t, b.Processed)
}

func TestWebhookListUnprocessed(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Now()

	records := []*model.WebhookRecord{
		{Gateway: model.GatewayStripe, DedupKey: "a", SignatureVerified: true, Attempts: 1, ReceivedAt: base.Add(2 * time.Second)},
		{Gateway: model.GatewayStripe, DedupKey: "b", SignatureVerified: true, Attempts: 3, ReceivedAt: base},
		{Gateway: model.GatewayStripe, DedupKey: "c", SignatureVerified: false, Attempts: 1, ReceivedAt: base},
		{Gateway: model.GatewayStripe, DedupKey: "d", SignatureVerified: true, Processed: true, Attempts: 1, ReceivedAt: base},
		{Gateway: model.GatewayStripe, DedupKey: "e", SignatureVerified: true, Attempts: 0, ReceivedAt: base.Add(time.Second)},
	}
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, r := range records {
			if _, err := tx.Webhooks().Claim(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		verified, err := tx.Webhooks().ListUnprocessed(ctx, 3, 10, true)
		require.NoError(t, err)
		require.Len(t, verified, 2)
		assert.Equal(t, "e", verified[0].DedupKey)
		assert.Equal(t, "a", verified[1].DedupKey)

		all, err := tx.Webhooks().ListUnprocessed(ctx, 3, 10, false)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))
}
