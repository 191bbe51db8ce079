package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// PgxIface is the subset of pgxpool.Pool used by the repositories. pgxmock
// implements it for tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const deliveryColumns = `id, backend, source_container, source_path, dest_container, dest_path,
	from_principal, to_principal, state, transfer_state, decline_reason, performed_by,
	user_message, delivery_email_text, sender_email_text, recipient_email_text,
	template_set_id, share_users, transfer_token, transfer_uuid, manifest_id,
	version, created_at, updated_at`

type PgDeliveryRepository struct {
	db     PgxIface
	logger *slog.Logger
}

func NewPgDeliveryRepository(db PgxIface, logger *slog.Logger) *PgDeliveryRepository {
	return &PgDeliveryRepository{db: db, logger: logger}
}

func (r *PgDeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	query := `
		INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	shareUsers, err := json.Marshal(d.ShareUsers)
	if err != nil {
		return fmt.Errorf("marshal share users: %w", err)
	}
	destContainer, destPath := destinationColumns(d.Destination)

	_, err = r.db.Exec(ctx, query,
		d.ID, d.Backend, d.Source.Container, d.Source.Path, destContainer, destPath,
		d.FromPrincipal, d.ToPrincipal, d.State, d.TransferState, d.DeclineReason, d.PerformedBy,
		d.UserMessage, d.DeliveryEmailText, d.SenderEmailText, d.RecipientEmailText,
		d.TemplateSetID, shareUsers, d.TransferToken, d.TransferUUID, d.ManifestID,
		d.Version, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.WarnContext(ctx, "Duplicate delivery insert", "delivery_id", d.ID, "constraint", pgErr.ConstraintName)
			return domain.ErrDuplicateEntry
		}
		r.logger.ErrorContext(ctx, "Error creating delivery", "error", err, "delivery_id", d.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Delivery created", "delivery_id", d.ID, "backend", d.Backend)
	return nil
}

func (r *PgDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	d, err := r.scanDelivery(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting delivery by ID", "error", err, "delivery_id", id)
		return nil, err
	}
	return d, nil
}

func (r *PgDeliveryRepository) GetByTransferToken(ctx context.Context, backend domain.BackendKind, token string) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE backend = $1 AND transfer_token = $2`
	rows, err := r.db.Query(ctx, query, backend, token)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying delivery by transfer token", "error", err, "backend", backend)
		return nil, err
	}
	defer rows.Close()

	var found []*domain.Delivery
	for rows.Next() {
		d, scanErr := r.scanDelivery(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		found = append(found, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, domain.ErrNotFound
	case 1:
		return found[0], nil
	default:
		r.logger.WarnContext(ctx, "Ambiguous transfer token", "backend", backend, "matches", len(found))
		return nil, domain.ErrDuplicateEntry
	}
}

func (r *PgDeliveryRepository) ActiveExistsForSource(ctx context.Context, backend domain.BackendKind, source domain.StorageRef) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM deliveries
			WHERE backend = $1 AND source_container = $2 AND source_path = $3
			  AND state NOT IN ($4, $5, $6, $7)
		)
	`
	var exists bool
	err := r.db.QueryRow(ctx, query, backend, source.Container, source.Path,
		domain.DeliveryAccepted, domain.DeliveryDeclined, domain.DeliveryFailed, domain.DeliveryCanceled,
	).Scan(&exists)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error checking active delivery for source", "error", err, "backend", backend)
		return false, err
	}
	return exists, nil
}

// Update writes every mutable column, guarded by a compare-and-swap on the
// row version. On success the in-memory version is incremented to match.
func (r *PgDeliveryRepository) Update(ctx context.Context, d *domain.Delivery) error {
	query := `
		UPDATE deliveries
		SET dest_container = $1, dest_path = $2, state = $3, transfer_state = $4,
		    decline_reason = $5, performed_by = $6, user_message = $7,
		    delivery_email_text = $8, sender_email_text = $9, recipient_email_text = $10,
		    template_set_id = $11, share_users = $12, transfer_token = $13,
		    transfer_uuid = $14, manifest_id = $15, version = version + 1, updated_at = $16
		WHERE id = $17 AND version = $18
	`
	shareUsers, err := json.Marshal(d.ShareUsers)
	if err != nil {
		return fmt.Errorf("marshal share users: %w", err)
	}
	destContainer, destPath := destinationColumns(d.Destination)
	d.UpdatedAt = time.Now().UTC()

	tag, err := r.db.Exec(ctx, query,
		destContainer, destPath, d.State, d.TransferState,
		d.DeclineReason, d.PerformedBy, d.UserMessage,
		d.DeliveryEmailText, d.SenderEmailText, d.RecipientEmailText,
		d.TemplateSetID, shareUsers, d.TransferToken,
		d.TransferUUID, d.ManifestID, d.UpdatedAt,
		d.ID, d.Version,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating delivery", "error", err, "delivery_id", d.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Delivery version conflict on update", "delivery_id", d.ID, "version", d.Version)
		return domain.ErrConcurrentUpdate
	}
	d.Version++
	return nil
}

func (r *PgDeliveryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM deliveries WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting delivery", "error", err, "delivery_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Delivery deleted", "delivery_id", id)
	return nil
}

func (r *PgDeliveryRepository) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	var baseQuery strings.Builder
	baseQuery.WriteString("SELECT " + deliveryColumns + " FROM deliveries")

	var countQuery strings.Builder
	countQuery.WriteString("SELECT COUNT(*) FROM deliveries")

	var conditions []string
	var args []interface{}
	argCounter := 1

	if filter.Principal != "" {
		conditions = append(conditions, fmt.Sprintf("(from_principal = $%d OR to_principal = $%d)", argCounter, argCounter))
		args = append(args, filter.Principal)
		argCounter++
	}
	if filter.Backend != "" {
		conditions = append(conditions, fmt.Sprintf("backend = $%d", argCounter))
		args = append(args, filter.Backend)
		argCounter++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argCounter))
		args = append(args, filter.State)
		argCounter++
	}

	if len(conditions) > 0 {
		whereClause := " WHERE " + strings.Join(conditions, " AND ")
		baseQuery.WriteString(whereClause)
		countQuery.WriteString(whereClause)
	}

	var totalCount int
	if err := r.db.QueryRow(ctx, countQuery.String(), args...).Scan(&totalCount); err != nil {
		r.logger.ErrorContext(ctx, "Error counting deliveries", "error", err)
		return nil, 0, err
	}
	if totalCount == 0 {
		return []*domain.Delivery{}, 0, nil
	}

	baseQuery.WriteString(" ORDER BY created_at DESC")
	if filter.PageSize > 0 && filter.Page > 0 {
		offset := (filter.Page - 1) * filter.PageSize
		baseQuery.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCounter, argCounter+1))
		args = append(args, filter.PageSize, offset)
	} else if filter.PageSize > 0 {
		baseQuery.WriteString(fmt.Sprintf(" LIMIT $%d", argCounter))
		args = append(args, filter.PageSize)
	}

	rows, err := r.db.Query(ctx, baseQuery.String(), args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing deliveries", "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	var deliveries []*domain.Delivery
	for rows.Next() {
		d, scanErr := r.scanDelivery(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return deliveries, totalCount, nil
}

func (r *PgDeliveryRepository) CountByState(ctx context.Context, principal string) (map[domain.DeliveryState]int, error) {
	query := `
		SELECT state, COUNT(*)
		FROM deliveries
		WHERE from_principal = $1 OR to_principal = $1
		GROUP BY state
	`
	rows, err := r.db.Query(ctx, query, principal)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting deliveries by state", "error", err, "principal", principal)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.DeliveryState]int)
	for rows.Next() {
		var state domain.DeliveryState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// scanDelivery reads one delivery row from either a pgx.Row or pgx.Rows.
func (r *PgDeliveryRepository) scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	var destContainer, destPath sql.NullString
	var shareUsersJSON []byte

	err := row.Scan(
		&d.ID, &d.Backend, &d.Source.Container, &d.Source.Path, &destContainer, &destPath,
		&d.FromPrincipal, &d.ToPrincipal, &d.State, &d.TransferState, &d.DeclineReason, &d.PerformedBy,
		&d.UserMessage, &d.DeliveryEmailText, &d.SenderEmailText, &d.RecipientEmailText,
		&d.TemplateSetID, &shareUsersJSON, &d.TransferToken, &d.TransferUUID, &d.ManifestID,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if destContainer.Valid {
		d.Destination = &domain.StorageRef{Container: destContainer.String, Path: destPath.String}
	}
	if len(shareUsersJSON) > 0 {
		if err := json.Unmarshal(shareUsersJSON, &d.ShareUsers); err != nil {
			return nil, fmt.Errorf("unmarshal share users: %w", err)
		}
	}
	return d, nil
}

func destinationColumns(dest *domain.StorageRef) (sql.NullString, sql.NullString) {
	if dest == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: dest.Container, Valid: true},
		sql.NullString{String: dest.Path, Valid: true}
}
