package webhook

import (
	"context"
	"math"

	"github.com/google/uuid"

	"payment-service/internal/model"
	"payment-service/internal/storage"
)

// Record returns one stored webhook record, payload included.
func (p *Pipeline) Record(ctx context.Context, id uuid.UUID) (*model.WebhookRecord, error) {
	var rec *model.WebhookRecord
	err := p.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rec, err = tx.Webhooks().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, recordNotFound(err, id)
	}
	return rec, nil
}

// Unprocessed lists records that never completed, including those out of
// attempts that now need manual attention, oldest first.
func (p *Pipeline) Unprocessed(ctx context.Context, limit int) ([]*model.WebhookRecord, error) {
	var records []*model.WebhookRecord
	err := p.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		records, err = tx.Webhooks().ListUnprocessed(ctx, math.MaxInt32, limit, false)
		return err
	})
	return records, err
}

// AuditTrail returns the audit entries written for one entity.
func (p *Pipeline) AuditTrail(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := p.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		entries, err = tx.Audit().ListByEntity(ctx, entityType, entityID)
		return err
	})
	return entries, err
}
