package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-service/internal/model"
)

type AuditRepository struct {
	tx pgx.Tx
}

func (r *AuditRepository) Insert(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	details := entry.Details
	if details == nil {
		details = map[string]string{}
	}

	query := `INSERT INTO audit_log (id, entity_type, entity_id, action, outcome, details, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.tx.Exec(ctx, query, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Outcome,
		details, entry.CreatedAt)
	return translate(err)
}

func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	query := `SELECT id, entity_type, entity_id, action, outcome, details, created_at FROM audit_log
	          WHERE entity_type = $1 AND entity_id = $2
	          ORDER BY created_at, id`
	rows, err := r.tx.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &entry.Outcome,
			&entry.Details, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}
