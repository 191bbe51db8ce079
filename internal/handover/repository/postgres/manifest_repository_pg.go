package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

type PgManifestRepository struct {
	db     PgxIface
	logger *slog.Logger
}

func NewPgManifestRepository(db PgxIface, logger *slog.Logger) *PgManifestRepository {
	return &PgManifestRepository{db: db, logger: logger}
}

func (r *PgManifestRepository) Create(ctx context.Context, m *domain.Manifest) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	query := `INSERT INTO manifests (id, delivery_id, content, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.Exec(ctx, query, m.ID, m.DeliveryID, m.Content, m.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating manifest", "error", err, "delivery_id", m.DeliveryID)
		return err
	}
	r.logger.InfoContext(ctx, "Manifest created", "manifest_id", m.ID, "delivery_id", m.DeliveryID, "bytes", len(m.Content))
	return nil
}

func (r *PgManifestRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	query := `SELECT id, delivery_id, content, created_at FROM manifests WHERE id = $1`
	m := &domain.Manifest{}
	err := r.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.DeliveryID, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting manifest", "error", err, "manifest_id", id)
		return nil, err
	}
	return m, nil
}

// Replace overwrites the content of an existing manifest row. Only the azure
// completion callback uses this, to supersede the pre-transfer snapshot with
// the pipeline's authoritative listing.
func (r *PgManifestRepository) Replace(ctx context.Context, m *domain.Manifest) error {
	query := `UPDATE manifests SET content = $1, created_at = $2 WHERE id = $3`
	m.CreatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, query, m.Content, m.CreatedAt, m.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error replacing manifest", "error", err, "manifest_id", m.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
