package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-service/internal/model"
)

const webhookColumns = `id, gateway, webhook_id, dedup_key, event_type, payload, signature, signature_verified,
	processed, processing_error, attempts, received_at, processed_at`

type WebhookRepository struct {
	tx pgx.Tx
}

// Claim relies on the unique (gateway, dedup_key) index: a concurrent delivery of
// the same notification blocks on the insert until the first unit of work ends,
// then finds and locks the committed row.
func (r *WebhookRepository) Claim(ctx context.Context, rec *model.WebhookRecord) (*model.WebhookRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	insert := `INSERT INTO webhook_records (id, gateway, webhook_id, dedup_key, event_type, payload, signature,
	           signature_verified, processed, processing_error, attempts, received_at, processed_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	           ON CONFLICT (gateway, dedup_key) DO NOTHING`
	_, err := r.tx.Exec(ctx, insert, rec.ID, rec.Gateway, rec.WebhookID, rec.DedupKey, rec.EventType, rec.Payload,
		rec.Signature, rec.SignatureVerified, rec.Processed, rec.ProcessingError, rec.Attempts, rec.ReceivedAt,
		rec.ProcessedAt)
	if err != nil {
		return nil, translate(err)
	}

	query := `SELECT ` + webhookColumns + ` FROM webhook_records WHERE gateway = $1 AND dedup_key = $2 FOR UPDATE`
	return scanWebhook(r.tx.QueryRow(ctx, query, rec.Gateway, rec.DedupKey))
}

func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookRecord, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_records WHERE id = $1 FOR UPDATE`
	return scanWebhook(r.tx.QueryRow(ctx, query, id))
}

func (r *WebhookRepository) Update(ctx context.Context, rec *model.WebhookRecord) error {
	query := `UPDATE webhook_records SET event_type = $1, payload = $2, signature = $3, received_at = $4,
	          signature_verified = $5, processed = $6, processing_error = $7, attempts = $8, processed_at = $9
	          WHERE id = $10`
	tag, err := r.tx.Exec(ctx, query, rec.EventType, rec.Payload, rec.Signature, rec.ReceivedAt,
		rec.SignatureVerified, rec.Processed, rec.ProcessingError, rec.Attempts, rec.ProcessedAt, rec.ID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows)
	}
	return nil
}

func (r *WebhookRepository) ListUnprocessed(ctx context.Context, maxAttempts, limit int, verifiedOnly bool) ([]*model.WebhookRecord, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_records
	          WHERE processed = FALSE AND attempts < $1 AND (signature_verified OR NOT $2)
	          ORDER BY received_at
	          LIMIT $3`
	rows, err := r.tx.Query(ctx, query, maxAttempts, verifiedOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.WebhookRecord
	for rows.Next() {
		rec, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanWebhook(row pgx.Row) (*model.WebhookRecord, error) {
	var rec model.WebhookRecord
	err := row.Scan(&rec.ID, &rec.Gateway, &rec.WebhookID, &rec.DedupKey, &rec.EventType, &rec.Payload,
		&rec.Signature, &rec.SignatureVerified, &rec.Processed, &rec.ProcessingError, &rec.Attempts, &rec.ReceivedAt,
		&rec.ProcessedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}
