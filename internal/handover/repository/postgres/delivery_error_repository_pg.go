package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

type PgDeliveryErrorRepository struct {
	db     PgxIface
	logger *slog.Logger
}

func NewPgDeliveryErrorRepository(db PgxIface, logger *slog.Logger) *PgDeliveryErrorRepository {
	return &PgDeliveryErrorRepository{db: db, logger: logger}
}

func (r *PgDeliveryErrorRepository) Append(ctx context.Context, deliveryErr *domain.DeliveryError) error {
	if deliveryErr.ID == uuid.Nil {
		deliveryErr.ID = uuid.New()
	}
	deliveryErr.CreatedAt = time.Now().UTC()
	query := `INSERT INTO delivery_errors (id, delivery_id, message, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.Exec(ctx, query, deliveryErr.ID, deliveryErr.DeliveryID, deliveryErr.Message, deliveryErr.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error appending delivery error", "error", err, "delivery_id", deliveryErr.DeliveryID)
		return err
	}
	return nil
}

func (r *PgDeliveryErrorRepository) ListByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]*domain.DeliveryError, error) {
	query := `
		SELECT id, delivery_id, message, created_at
		FROM delivery_errors
		WHERE delivery_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, deliveryID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing delivery errors", "error", err, "delivery_id", deliveryID)
		return nil, err
	}
	defer rows.Close()

	var result []*domain.DeliveryError
	for rows.Next() {
		e := &domain.DeliveryError{}
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
