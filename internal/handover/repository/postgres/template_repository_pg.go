package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

type PgTemplateRepository struct {
	db     PgxIface
	logger *slog.Logger
}

func NewPgTemplateRepository(db PgxIface, logger *slog.Logger) *PgTemplateRepository {
	return &PgTemplateRepository{db: db, logger: logger}
}

func (r *PgTemplateRepository) GetSet(ctx context.Context, id uuid.UUID) (*domain.TemplateSet, error) {
	query := `
		SELECT id, name, backend, cc_address, reply_address, created_at, updated_at
		FROM template_sets
		WHERE id = $1
	`
	set := &domain.TemplateSet{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&set.ID, &set.Name, &set.Backend, &set.CCAddress, &set.ReplyAddress, &set.CreatedAt, &set.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting template set", "error", err, "set_id", id)
		return nil, err
	}
	if err := r.loadTemplates(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (r *PgTemplateRepository) GetDefaultSet(ctx context.Context, principal string, backend domain.BackendKind) (*domain.TemplateSet, error) {
	query := `
		SELECT set_id
		FROM user_template_sets
		WHERE principal = $1 AND backend = $2
	`
	var setID uuid.UUID
	err := r.db.QueryRow(ctx, query, principal, backend).Scan(&setID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error resolving default template set", "error", err, "principal", principal, "backend", backend)
		return nil, err
	}
	return r.GetSet(ctx, setID)
}

func (r *PgTemplateRepository) CreateSet(ctx context.Context, set *domain.TemplateSet) error {
	now := time.Now().UTC()
	set.CreatedAt = now
	set.UpdatedAt = now
	query := `
		INSERT INTO template_sets (id, name, backend, cc_address, reply_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, set.ID, set.Name, set.Backend, set.CCAddress, set.ReplyAddress, set.CreatedAt, set.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating template set", "error", err, "set_id", set.ID)
		return err
	}
	for i := range set.Templates {
		tpl := &set.Templates[i]
		tpl.SetID = set.ID
		if tpl.ID == uuid.Nil {
			tpl.ID = uuid.New()
		}
		_, err := r.db.Exec(ctx,
			`INSERT INTO templates (id, set_id, template_type, subject, body) VALUES ($1, $2, $3, $4, $5)`,
			tpl.ID, tpl.SetID, tpl.Type, tpl.Subject, tpl.Body,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error creating template", "error", err, "set_id", set.ID, "template_type", tpl.Type)
			return err
		}
	}
	r.logger.InfoContext(ctx, "Template set created", "set_id", set.ID, "name", set.Name, "templates", len(set.Templates))
	return nil
}

// BindDefault records a user's default set for a backend. At most one binding
// per (principal, backend) exists; re-binding replaces the old one.
func (r *PgTemplateRepository) BindDefault(ctx context.Context, binding *domain.UserTemplateBinding) error {
	query := `
		INSERT INTO user_template_sets (id, principal, backend, set_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal, backend) DO UPDATE SET set_id = EXCLUDED.set_id
	`
	if binding.ID == uuid.Nil {
		binding.ID = uuid.New()
	}
	binding.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, query, binding.ID, binding.Principal, binding.Backend, binding.SetID, binding.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error binding default template set", "error", err, "principal", binding.Principal)
		return err
	}
	return nil
}

func (r *PgTemplateRepository) loadTemplates(ctx context.Context, set *domain.TemplateSet) error {
	rows, err := r.db.Query(ctx,
		`SELECT id, set_id, template_type, subject, body FROM templates WHERE set_id = $1 ORDER BY template_type`,
		set.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading templates for set", "error", err, "set_id", set.ID)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tpl domain.Template
		if err := rows.Scan(&tpl.ID, &tpl.SetID, &tpl.Type, &tpl.Subject, &tpl.Body); err != nil {
			return err
		}
		set.Templates = append(set.Templates, tpl)
	}
	return rows.Err()
}
