// Package memory is an in-process storage.Store. Units of work are serialized by a
// single mutex, which gives the same check-and-mark guarantees the Postgres store
// gets from row locks, and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-service/internal/model"
	"payment-service/internal/storage"
)

type state struct {
	transactions  map[uuid.UUID]model.Transaction
	webhooks      map[uuid.UUID]model.WebhookRecord
	audit         []model.AuditEntry
	subscriptions map[uuid.UUID]model.Subscription
}

func (s *state) clone() *state {
	return &state{
		transactions:  maps.Clone(s.transactions),
		webhooks:      maps.Clone(s.webhooks),
		audit:         append([]model.AuditEntry(nil), s.audit...),
		subscriptions: maps.Clone(s.subscriptions),
	}
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: &state{
		transactions:  map[uuid.UUID]model.Transaction{},
		webhooks:      map[uuid.UUID]model.WebhookRecord{},
		subscriptions: map[uuid.UUID]model.Subscription{},
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(ctx, &tx{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

type tx struct {
	state *state
}

func (t *tx) Transactions() storage.TransactionRepository { return transactionRepo{t.state} }
func (t *tx) Webhooks() storage.WebhookRepository { return webhookRepo{t.state} }
func (t *tx) Audit() storage.AuditRepository { return auditRepo{t.state} }
func (t *tx) Subscriptions() storage.SubscriptionRepository { return subscriptionRepo{t.state} }

type transactionRepo struct{ state *state }

func (r transactionRepo) Insert(_ context.Context, txn *model.Transaction) error {
	if _, ok := r.state.transactions[txn.ID]; ok {
		return storage.ErrDuplicate
	}
	if err := r.checkGatewayIDs(txn); err != nil {
		return err
	}
	txn.Version = 1
	r.state.transactions[txn.ID] = *txn
	return nil
}

func (r transactionRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Transaction, error) {
	txn, ok := r.state.transactions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := txn
	return &c, nil
}

func (r transactionRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r transactionRepo) FindByGatewayPaymentID(_ context.Context, gateway model.Gateway, paymentID string) (*model.Transaction, error) {
	return r.find(func(t model.Transaction) bool {
		return t.Gateway == gateway && t.GatewayPaymentID != nil && *t.GatewayPaymentID == paymentID
	})
}

func (r transactionRepo) FindByGatewayOrderID(_ context.Context, gateway model.Gateway, orderID string) (*model.Transaction, error) {
	return r.find(func(t model.Transaction) bool {
		return t.Gateway == gateway && t.GatewayOrderID != nil && *t.GatewayOrderID == orderID
	})
}

func (r transactionRepo) FindByUser(_ context.Context, userID string, from, to time.Time) ([]*model.Transaction, error) {
	var result []*model.Transaction
	for _, t := range r.state.transactions {
		if t.UserID == userID && !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			c := t
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r transactionRepo) Update(_ context.Context, txn *model.Transaction) error {
	stored, ok := r.state.transactions[txn.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != txn.Version {
		return storage.ErrVersionConflict
	}
	if err := r.checkGatewayIDs(txn); err != nil {
		return err
	}
	txn.Version++
	r.state.transactions[txn.ID] = *txn
	return nil
}

func (r transactionRepo) find(match func(model.Transaction) bool) (*model.Transaction, error) {
	for _, t := range r.state.transactions {
		if match(t) {
			c := t
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r transactionRepo) checkGatewayIDs(txn *model.Transaction) error {
	for id, other := range r.state.transactions {
		if id == txn.ID || other.Gateway != txn.Gateway {
			continue
		}
		if sameRef(other.GatewayPaymentID, txn.GatewayPaymentID) || sameRef(other.GatewayOrderID, txn.GatewayOrderID) {
			return storage.ErrDuplicate
		}
	}
	return nil
}

func sameRef(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

type webhookRepo struct{ state *state }

func (r webhookRepo) Claim(_ context.Context, rec *model.WebhookRecord) (*model.WebhookRecord, error) {
	for _, stored := range r.state.webhooks {
		if stored.Gateway == rec.Gateway && stored.DedupKey == rec.DedupKey {
			c := copyWebhook(stored)
			return &c, nil
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	r.state.webhooks[rec.ID] = copyWebhook(*rec)
	c := copyWebhook(*rec)
	return &c, nil
}

func (r webhookRepo) GetByID(_ context.Context, id uuid.UUID) (*model.WebhookRecord, error) {
	rec, ok := r.state.webhooks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := copyWebhook(rec)
	return &c, nil
}

func (r webhookRepo) Update(_ context.Context, rec *model.WebhookRecord) error {
	if _, ok := r.state.webhooks[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	r.state.webhooks[rec.ID] = copyWebhook(*rec)
	return nil
}

func (r webhookRepo) ListUnprocessed(_ context.Context, maxAttempts, limit int, verifiedOnly bool) ([]*model.WebhookRecord, error) {
	var result []*model.WebhookRecord
	for _, rec := range r.state.webhooks {
		if rec.Processed || rec.Attempts >= maxAttempts || (verifiedOnly && !rec.SignatureVerified) {
			continue
		}
		c := copyWebhook(rec)
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReceivedAt.Before(result[j].ReceivedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type auditRepo struct{ state *state }

func (r auditRepo) Insert(_ context.Context, entry *model.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	e := *entry
	e.Details = maps.Clone(entry.Details)
	r.state.audit = append(r.state.audit, e)
	return nil
}

func (r auditRepo) ListByEntity(_ context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	var result []*model.AuditEntry
	for _, e := range r.state.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			c := e
			c.Details = maps.Clone(e.Details)
			result = append(result, &c)
		}
	}
	return result, nil
}

type subscriptionRepo struct{ state *state }

func (r subscriptionRepo) Insert(_ context.Context, sub *model.Subscription) error {
	if _, ok := r.state.subscriptions[sub.ID]; ok {
		return storage.ErrDuplicate
	}
	r.state.subscriptions[sub.ID] = *sub
	return nil
}

func (r subscriptionRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, ok := r.state.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sub, nil
}

func (r subscriptionRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return r.GetByID(ctx, id)
}

func (r subscriptionRepo) Update(_ context.Context, sub *model.Subscription) error {
	if _, ok := r.state.subscriptions[sub.ID]; !ok {
		return storage.ErrNotFound
	}
	r.state.subscriptions[sub.ID] = *sub
	return nil
}

// Pointer fields are replaced wholesale, never written through, so only the
// payload needs a deep copy.
func copyWebhook(w model.WebhookRecord) model.WebhookRecord {
	w.Payload = append([]byte(nil), w.Payload...)
	return w
}
